package repository

import (
	"time"

	"goldpay/internal/domain/credit/model"

	"gorm.io/gorm"
)

type CreditRepository interface {
	Create(credit *model.HeldCredit) error
	ListByStatus(resellerID, status string) ([]model.HeldCredit, error)
	// ReserveAvailable 将该分销商全部可用余款标记为被 orderNo 占用
	ReserveAvailable(resellerID, orderNo string) error
	UpdateStatusByReserver(orderNo, from, to string, redeemedAt *time.Time) error
}

type creditRepository struct {
	db *gorm.DB
}

func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &creditRepository{db: db}
}

func (r *creditRepository) Create(credit *model.HeldCredit) error {
	return r.db.Create(credit).Error
}

func (r *creditRepository) ListByStatus(resellerID, status string) ([]model.HeldCredit, error) {
	var credits []model.HeldCredit
	err := r.db.Where("reseller_id = ? AND status = ?", resellerID, status).
		Order("created_at").Find(&credits).Error
	return credits, err
}

func (r *creditRepository) ReserveAvailable(resellerID, orderNo string) error {
	return r.db.Model(&model.HeldCredit{}).
		Where("reseller_id = ? AND status = ?", resellerID, model.StatusAvailable).
		Updates(map[string]interface{}{
			"status":      model.StatusReserved,
			"reserved_by": orderNo,
		}).Error
}

func (r *creditRepository) UpdateStatusByReserver(orderNo, from, to string, redeemedAt *time.Time) error {
	updates := map[string]interface{}{"status": to}
	if to == model.StatusAvailable {
		updates["reserved_by"] = ""
	}
	if redeemedAt != nil {
		updates["redeemed_at"] = redeemedAt
	}
	return r.db.Model(&model.HeldCredit{}).
		Where("reserved_by = ? AND status = ?", orderNo, from).
		Updates(updates).Error
}
