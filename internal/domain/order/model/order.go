package model

import (
	"time"

	baseModel "goldpay/pkg/model"

	"github.com/shopspring/decimal"
)

// Order 一次激活购买订单，一张卡至多有一笔成功订单
type Order struct {
	baseModel.BaseModel
	OrderNo         string `gorm:"type:varchar(40);uniqueIndex;not null" json:"orderNo"`
	SerialNumber    string `gorm:"type:varchar(16);index;not null" json:"serialNumber"`
	GoldWeightGrams int    `gorm:"not null" json:"goldWeightGrams"`
	ResellerID      string `gorm:"type:varchar(50);index" json:"resellerId"`
	State           string `gorm:"type:varchar(30);default:'chain_select';index" json:"state"`

	// 链与收款地址，切链时重新分配
	ChainID        string `gorm:"type:varchar(30)" json:"chainId"`
	DepositAddress string `gorm:"type:varchar(64)" json:"depositAddress"`

	// 当前报价，结算开始前可随过期刷新
	QuoteAmountDue    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"quoteAmountDue"`
	QuoteIssuedAt     *time.Time      `json:"quoteIssuedAt,omitempty"`
	QuoteExpiresAt    *time.Time      `json:"quoteExpiresAt,omitempty"`
	QuoteRefreshCount int             `gorm:"default:0" json:"quoteRefreshCount"`

	// 建单时占用的合规余款，从应付金额中抵扣
	AppliedCredit decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"appliedCredit"`

	// RequiredAmount 结算开始时冻结，此后金价波动不再影响应付额
	RequiredAmount decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"requiredAmount"`
	// PaidAmount 只增不减
	PaidAmount         decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"paidAmount"`
	SettlementDeadline *time.Time      `gorm:"index" json:"settlementDeadline,omitempty"`

	KYTStatus      string     `gorm:"type:varchar(10);default:'pending'" json:"kytStatus"` // pending, pass, fail
	KYTStartedAt   *time.Time `json:"kytStartedAt,omitempty"`
	CardLockStatus string     `gorm:"type:varchar(10);default:'normal'" json:"cardLockStatus"` // normal, frozen

	// 终态结果
	FeeDeducted decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"feeDeducted"`
	HeldCredit  decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"heldCredit"`
	ClosedAt    *time.Time      `json:"closedAt,omitempty"`
}

// 订单状态
const (
	StateChainSelect       = "chain_select"
	StateQuoteActive       = "quote_active"
	StateSettling          = "settling"
	StateActivated         = "activated"
	StateFundsBlocked      = "funds_blocked"
	StateIncompleteSettled = "incomplete_settled"
)

// KYT 状态
const (
	KYTPending = "pending"
	KYTPass    = "pass"
	KYTFail    = "fail"
)

// 卡锁定状态（订单侧镜像）
const (
	LockNormal = "normal"
	LockFrozen = "frozen"
)

// Terminal 是否处于终态
func (o *Order) Terminal() bool {
	switch o.State {
	case StateActivated, StateFundsBlocked, StateIncompleteSettled:
		return true
	}
	return false
}

// SettlementStarted 结算是否已开始（首笔到账后 RequiredAmount 被冻结）
func (o *Order) SettlementStarted() bool {
	return o.State == StateSettling || o.Terminal()
}

// PaymentEvent 入账流水，按观察到的到账逐笔追加，仅用于对账
type PaymentEvent struct {
	baseModel.BaseModel
	OrderNo    string          `gorm:"type:varchar(40);index;not null" json:"orderNo"`
	ChainID    string          `gorm:"type:varchar(30)" json:"chainId"`
	TxRef      string          `gorm:"type:varchar(128)" json:"txRef"`
	AmountUSD  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amountUsd"`
	ObservedAt time.Time       `gorm:"not null" json:"observedAt"`
}
