package repository

import (
	"time"

	"goldpay/internal/domain/card/model"

	"gorm.io/gorm"
)

type CardRepository interface {
	GetBySerial(serial string) (*model.Card, error)
	// MarkActivated 条件更新：只有 unactivated 且未冻结的卡才会被标记，返回是否命中
	MarkActivated(serial, orderNo string, at time.Time) (bool, error)
	Freeze(serial string) error
}

type cardRepository struct {
	db *gorm.DB
}

func NewCardRepository(db *gorm.DB) CardRepository {
	return &cardRepository{db: db}
}

func (r *cardRepository) GetBySerial(serial string) (*model.Card, error) {
	var card model.Card
	if err := r.db.Where("serial_number = ?", serial).First(&card).Error; err != nil {
		return nil, err
	}
	return &card, nil
}

func (r *cardRepository) MarkActivated(serial, orderNo string, at time.Time) (bool, error) {
	result := r.db.Model(&model.Card{}).
		Where("serial_number = ? AND status = ? AND lock_status = ?",
			serial, model.StatusUnactivated, model.LockNormal).
		Updates(map[string]interface{}{
			"status":       model.StatusActivated,
			"activated_at": at,
			"activated_by": orderNo,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *cardRepository) Freeze(serial string) error {
	return r.db.Model(&model.Card{}).
		Where("serial_number = ?", serial).
		Update("lock_status", model.LockFrozen).Error
}
