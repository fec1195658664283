package model

import (
	"time"

	baseModel "goldpay/pkg/model"
)

// Card 金卡库存模型，每张实体卡对应一条记录
type Card struct {
	baseModel.BaseModel
	SerialNumber    string     `gorm:"type:varchar(16);uniqueIndex;not null" json:"serialNumber"`
	GoldWeightGrams int        `gorm:"not null" json:"goldWeightGrams"` // 10 或 100
	CardType        string     `gorm:"type:varchar(50)" json:"cardType"`
	ResellerID      string     `gorm:"type:varchar(50);index" json:"resellerId"`
	ResellerName    string     `gorm:"type:varchar(100)" json:"resellerName"`
	Status          string     `gorm:"type:varchar(20);default:'unactivated'" json:"status"` // unactivated, activated
	LockStatus      string     `gorm:"type:varchar(20);default:'normal'" json:"lockStatus"`  // normal, frozen
	ActivatedAt     *time.Time `json:"activatedAt,omitempty"`
	ActivatedBy     string     `gorm:"type:varchar(40)" json:"activatedBy"` // 完成激活的订单号
}

const (
	StatusUnactivated = "unactivated"
	StatusActivated   = "activated"

	LockNormal = "normal"
	LockFrozen = "frozen"
)
