package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvestmentRecordModel 投资记录，按项目只追加
type InvestmentRecordModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ProjectId          int64           `json:"project_id" gorm:"not null;index"`
	Wallet             string          `json:"wallet" gorm:"not null;index"` // 小写钱包地址
	Amount             decimal.Decimal `json:"amount" gorm:"type:numeric(24,6);not null"`
	BaseAmount         string          `json:"base_amount" gorm:"type:varchar(80);not null;default:'0'"`
	RoiPercentSnapshot decimal.Decimal `json:"roi_percent_snapshot" gorm:"type:numeric(10,4);default:0"` // 投资时的收益率快照，仅展示
	DedupeKey          string          `json:"dedupe_key" gorm:"not null;uniqueIndex"`
	TxHash             string          `json:"tx_hash" gorm:"index"`
}

// TableName 自定义表名
func (InvestmentRecordModel) TableName() string {
	return "investment_record"
}
