package repository

import (
	"context"
	"errors"
	"time"

	"goldpay/internal/domain/order/model"
	"goldpay/pkg/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrOrderNotFound = errors.New("order not found")

type OrderRepository interface {
	// WithTx 在事务内执行 fn，fn 中通过同接口访问的全是事务连接
	WithTx(ctx context.Context, fn func(tx OrderRepository) error) error

	Create(ctx context.Context, order *model.Order) error
	GetByNo(ctx context.Context, orderNo string) (*model.Order, error)
	// GetByNoForUpdate 行锁读取，只允许在 WithTx 内调用
	GetByNoForUpdate(ctx context.Context, orderNo string) (*model.Order, error)
	Save(ctx context.Context, order *model.Order) error

	// HasOpenOrActivated 同一卡密是否已有未关闭或已激活的订单
	HasOpenOrActivated(ctx context.Context, serialNumber string) (bool, error)

	// FindDeadlineElapsed 找出结算窗口已到期的未终态订单
	FindDeadlineElapsed(ctx context.Context, now time.Time, limit int) ([]model.Order, error)
	// FindStaleUnfunded 找出报价早已过期且分文未付的僵尸订单
	FindStaleUnfunded(ctx context.Context, before time.Time, limit int) ([]model.Order, error)
	// FindPendingKYT 找出评估迟迟未出结论的结算中订单
	FindPendingKYT(ctx context.Context, before time.Time, limit int) ([]model.Order, error)

	// List 按状态分页查询订单，state 为空时不过滤
	List(ctx context.Context, state string, p *utils.Pagination) ([]model.Order, int64, error)

	AddPaymentEvent(ctx context.Context, event *model.PaymentEvent) error
	ListPaymentEvents(ctx context.Context, orderNo string) ([]model.PaymentEvent, error)
}

type orderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) WithTx(ctx context.Context, fn func(tx OrderRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&orderRepository{db: tx})
	})
}

func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByNo(ctx context.Context, orderNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetByNoForUpdate(ctx context.Context, orderNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_no = ?", orderNo).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) Save(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Save(order).Error
}

func (r *orderRepository) HasOpenOrActivated(ctx context.Context, serialNumber string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("serial_number = ?", serialNumber).
		Where("state IN ?", []string{
			model.StateChainSelect,
			model.StateQuoteActive,
			model.StateSettling,
			model.StateActivated,
		}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *orderRepository) FindDeadlineElapsed(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("state = ?", model.StateSettling).
		Where("settlement_deadline IS NOT NULL AND settlement_deadline <= ?", now).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) FindStaleUnfunded(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("state IN ?", []string{model.StateChainSelect, model.StateQuoteActive}).
		Where("paid_amount = 0").
		Where("created_at <= ?", before).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) FindPendingKYT(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("state = ?", model.StateSettling).
		Where("kyt_status = ?", model.KYTPending).
		Where("kyt_started_at IS NOT NULL AND kyt_started_at <= ?", before).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) List(ctx context.Context, state string, p *utils.Pagination) ([]model.Order, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Order{})
	if state != "" {
		query = query.Where("state = ?", state)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := p.GetPageOffset()
	var orders []model.Order
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&orders).Error
	return orders, total, err
}

func (r *orderRepository) AddPaymentEvent(ctx context.Context, event *model.PaymentEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *orderRepository) ListPaymentEvents(ctx context.Context, orderNo string) ([]model.PaymentEvent, error) {
	var events []model.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("order_no = ?", orderNo).
		Order("observed_at ASC").
		Find(&events).Error
	return events, err
}
