package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectModel 融资项目及其聚合数据
type ProjectModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 基本信息
	Title       string `json:"title" gorm:"not null"`
	Description string `json:"description" gorm:"type:text"`
	Category    string `json:"category"`
	OwnerWallet string `json:"owner_wallet" gorm:"not null;index"`
	IsPublic    bool   `json:"is_public" gorm:"not null;index"`

	// 融资信息，金额以展示币种计价
	Currency            string          `json:"currency" gorm:"not null;default:'usd'"`
	TargetAmount        decimal.Decimal `json:"target_amount" gorm:"type:numeric(24,6);not null"`
	RaisedAmount        decimal.Decimal `json:"raised_amount" gorm:"type:numeric(24,6);not null;default:0"`
	RaisedBase          string          `json:"raised_base" gorm:"type:varchar(80);not null;default:'0'"` // 结算资产最小单位
	InvestorCount       int64           `json:"investor_count" gorm:"not null;default:0"`
	MinimumInvestment   decimal.Decimal `json:"minimum_investment" gorm:"type:numeric(24,6);not null;default:0"`
	ExpectedROI         string          `json:"expected_roi"`
	ExpectedROIBps      int64           `json:"expected_roi_bps" gorm:"default:0"`
	RepaymentWindowDays int             `json:"repayment_window_days" gorm:"default:0"`

	// 状态
	Status      ProjectStatus `json:"status" gorm:"not null;default:'draft';index"`
	FundingMode FundingMode   `json:"funding_mode" gorm:"not null;default:'onchain'"`

	// 结算层信息
	CampaignId *uint64 `json:"campaign_id,omitempty" gorm:"index"`
}

// TableName 自定义表名
func (ProjectModel) TableName() string {
	return "project"
}

// ProjectStatus 项目状态
type ProjectStatus string

const (
	ProjectStatusDraft            ProjectStatus = "draft"             // 草稿
	ProjectStatusActive           ProjectStatus = "active"            // 募资中
	ProjectStatusFunded           ProjectStatus = "funded"            // 已达标
	ProjectStatusFailed           ProjectStatus = "failed"            // 募资失败
	ProjectStatusFundsDistributed ProjectStatus = "funds_distributed" // 资金已发放
	ProjectStatusReturned         ProjectStatus = "returned"          // 本息已归还
)

// projectTransitions 允许的状态迁移，只能向前
var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusDraft:            {ProjectStatusActive},
	ProjectStatusActive:           {ProjectStatusFunded, ProjectStatusFailed},
	ProjectStatusFunded:           {ProjectStatusFundsDistributed},
	ProjectStatusFundsDistributed: {ProjectStatusReturned},
}

// CanTransition 检查状态迁移是否合法
func (s ProjectStatus) CanTransition(to ProjectStatus) bool {
	for _, next := range projectTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AtOrAfter 判断 s 是否已处于 target 或位于其之后（同一条路径上）
func (s ProjectStatus) AtOrAfter(target ProjectStatus) bool {
	return reachable(target, s)
}

func reachable(from, to ProjectStatus) bool {
	if from == to {
		return true
	}
	for _, next := range projectTransitions[from] {
		if reachable(next, to) {
			return true
		}
	}
	return false
}

// FundingMode 记账模式
type FundingMode string

const (
	FundingModeOnchain    FundingMode = "onchain"     // 绑定结算层合约
	FundingModeLedgerOnly FundingMode = "ledger_only" // 仅链下记账
)
