package model

import (
	"time"

	baseModel "goldpay/pkg/model"

	"github.com/shopspring/decimal"
)

// HeldCredit 合规余款，结算窗口到期未付清且 KYT 通过时生成，
// 抵扣同一分销商的下一笔订单
type HeldCredit struct {
	baseModel.BaseModel
	ResellerID    string          `gorm:"type:varchar(50);index;not null" json:"resellerId"`
	AmountUSD     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amountUsd"`
	SourceOrderNo string          `gorm:"type:varchar(40);index;not null" json:"sourceOrderNo"` // 产生该余款的订单
	Status        string          `gorm:"type:varchar(20);default:'available';index" json:"status"`
	ReservedBy    string          `gorm:"type:varchar(40);index" json:"reservedBy"` // 占用该余款的订单号
	RedeemedAt    *time.Time      `json:"redeemedAt,omitempty"`
}

const (
	StatusAvailable = "available" // 可用
	StatusReserved  = "reserved"  // 已被新订单占用，等待结算开始
	StatusRedeemed  = "redeemed"  // 已抵扣
)
