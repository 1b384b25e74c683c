package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferRecordModel 提交到结算层的交易记录
type TransferRecordModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectId     int64           `json:"project_id" gorm:"not null;index"`
	CampaignId    uint64          `json:"campaign_id" gorm:"not null;index:idx_transfer_lookup"`
	Kind          TransferKind    `json:"kind" gorm:"not null;index:idx_transfer_lookup"`
	Wallet        string          `json:"wallet" gorm:"not null;index:idx_transfer_lookup"`
	RequestKey    string          `json:"request_key,omitempty" gorm:"type:varchar(128);index"` // 调用方幂等键，仅投资
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(24,6);default:0"` // 展示币种金额，仅投资
	BaseAmount    string          `json:"base_amount" gorm:"type:varchar(80);default:'0'"`
	TxHash        *string         `json:"tx_hash,omitempty" gorm:"uniqueIndex"`
	BlockNum      int64           `json:"block_num"`
	Status        TransferStatus  `json:"status" gorm:"not null;default:'pending';index"`
	FailureReason string          `json:"failure_reason" gorm:"type:text"`
	ConfirmedAt   *time.Time      `json:"confirmed_at"`
}

// TableName 自定义表名
func (TransferRecordModel) TableName() string {
	return "transfer_record"
}

// Hash 返回交易哈希，未提交时为空
func (t *TransferRecordModel) Hash() string {
	if t.TxHash == nil {
		return ""
	}
	return *t.TxHash
}

// TransferKind 交易类型
type TransferKind string

const (
	TransferKindInvest     TransferKind = "invest"     // 投资
	TransferKindDistribute TransferKind = "distribute" // 发放募集资金
	TransferKindReturn     TransferKind = "return"     // 归还本息
	TransferKindWithdraw   TransferKind = "withdraw"   // 提取收益
	TransferKindRefund     TransferKind = "refund"     // 失败退款
)

// TransferStatus 交易状态
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"   // 待确认
	TransferStatusConfirmed TransferStatus = "confirmed" // 已确认
	TransferStatusFailed    TransferStatus = "failed"    // 失败
)
