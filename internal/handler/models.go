package handler

import (
	"time"

	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/model"
	"github.com/shopspring/decimal"
)

// 通用响应结构
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Kind      string      `json:"kind,omitempty"`
	Code      string      `json:"code,omitempty"`
	TxHash    string      `json:"txHash,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      interface{} `json:"data"`
}

// 分页信息结构
type Pagination struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"pageSize"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"totalPage"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return Pagination{
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		TotalPage: (total + int64(pageSize) - 1) / int64(pageSize),
	}
}

// 请求模型

// CreateProjectRequest 创建项目请求
type CreateProjectRequest struct {
	Title               string          `json:"title" binding:"required,max=200"`
	Description         string          `json:"description"`
	Category            string          `json:"category"`
	OwnerWallet         string          `json:"ownerWallet" binding:"required"`
	IsPublic            *bool           `json:"isPublic"`
	Currency            string          `json:"currency" binding:"required"`
	TargetAmount        decimal.Decimal `json:"targetAmount"`
	MinimumInvestment   decimal.Decimal `json:"minimumInvestment"`
	ExpectedROI         string          `json:"expectedRoi"`
	ExpectedROIBps      int64           `json:"expectedRoiBps" binding:"gte=0"`
	RepaymentWindowDays int             `json:"repaymentWindowDays" binding:"gte=0"`
	Status              string          `json:"status" binding:"omitempty,oneof=draft active"`
	FundingMode         string          `json:"fundingMode" binding:"omitempty,oneof=onchain ledger_only"`
	CampaignId          *uint64         `json:"campaignId"`
}

// ToModel 转换为项目模型，未指定时默认公开
func (r CreateProjectRequest) ToModel() *model.ProjectModel {
	public := true
	if r.IsPublic != nil {
		public = *r.IsPublic
	}
	return &model.ProjectModel{
		Title:               r.Title,
		Description:         r.Description,
		Category:            r.Category,
		OwnerWallet:         r.OwnerWallet,
		IsPublic:            public,
		Currency:            r.Currency,
		TargetAmount:        r.TargetAmount,
		MinimumInvestment:   r.MinimumInvestment,
		ExpectedROI:         r.ExpectedROI,
		ExpectedROIBps:      r.ExpectedROIBps,
		RepaymentWindowDays: r.RepaymentWindowDays,
		Status:              model.ProjectStatus(r.Status),
		FundingMode:         model.FundingMode(r.FundingMode),
		CampaignId:          r.CampaignId,
	}
}

// InvestRequest 投资请求
type InvestRequest struct {
	Wallet         string          `json:"wallet" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// SettlementRequest 结算操作请求，payment 为最小单位金额，仅归还本息使用
type SettlementRequest struct {
	Wallet  string `json:"wallet" binding:"required"`
	Payment string `json:"payment" binding:"omitempty,numeric"`
}

// 响应模型

// ProjectResponse 项目响应模型
type ProjectResponse struct {
	ID                  int64               `json:"id"`
	Title               string              `json:"title"`
	Description         string              `json:"description"`
	Category            string              `json:"category"`
	OwnerWallet         string              `json:"ownerWallet"`
	IsPublic            bool                `json:"isPublic"`
	Currency            string              `json:"currency"`
	TargetAmount        decimal.Decimal     `json:"targetAmount"`
	RaisedAmount        decimal.Decimal     `json:"raisedAmount"`
	Percentage          int64               `json:"percentage"`
	InvestorCount       int64               `json:"investorCount"`
	MinimumInvestment   decimal.Decimal     `json:"minimumInvestment"`
	ExpectedROI         string              `json:"expectedRoi"`
	ExpectedROIBps      int64               `json:"expectedRoiBps"`
	RepaymentWindowDays int                 `json:"repaymentWindowDays"`
	Status              model.ProjectStatus `json:"status"`
	FundingMode         model.FundingMode   `json:"fundingMode"`
	CampaignId          *uint64             `json:"campaignId,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// ToProjectResponse 转换项目模型
func ToProjectResponse(p *model.ProjectModel) ProjectResponse {
	return ProjectResponse{
		ID:                  p.Id,
		Title:               p.Title,
		Description:         p.Description,
		Category:            p.Category,
		OwnerWallet:         p.OwnerWallet,
		IsPublic:            p.IsPublic,
		Currency:            p.Currency,
		TargetAmount:        p.TargetAmount,
		RaisedAmount:        p.RaisedAmount,
		Percentage:          ledger.Percentage(p.RaisedAmount, p.TargetAmount),
		InvestorCount:       p.InvestorCount,
		MinimumInvestment:   p.MinimumInvestment,
		ExpectedROI:         p.ExpectedROI,
		ExpectedROIBps:      p.ExpectedROIBps,
		RepaymentWindowDays: p.RepaymentWindowDays,
		Status:              p.Status,
		FundingMode:         p.FundingMode,
		CampaignId:          p.CampaignId,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

// ToProjectResponseList 转换项目列表
func ToProjectResponseList(projects []model.ProjectModel) []ProjectResponse {
	list := make([]ProjectResponse, 0, len(projects))
	for i := range projects {
		list = append(list, ToProjectResponse(&projects[i]))
	}
	return list
}

// GetProjectsResponse 获取项目列表响应
type GetProjectsResponse struct {
	Projects   []ProjectResponse `json:"projects"`
	Pagination Pagination        `json:"pagination"`
}

// InvestmentRecordResponse 投资记录响应模型
type InvestmentRecordResponse struct {
	ID                 int64           `json:"id"`
	ProjectID          int64           `json:"projectId"`
	Wallet             string          `json:"wallet"`
	Amount             decimal.Decimal `json:"amount"`
	BaseAmount         string          `json:"baseAmount"`
	TxHash             string          `json:"txHash,omitempty"`
	RoiPercentSnapshot decimal.Decimal `json:"roiPercentSnapshot"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// ToInvestmentRecordResponseList 转换投资记录列表
func ToInvestmentRecordResponseList(records []model.InvestmentRecordModel) []InvestmentRecordResponse {
	list := make([]InvestmentRecordResponse, 0, len(records))
	for _, r := range records {
		list = append(list, InvestmentRecordResponse{
			ID:                 r.Id,
			ProjectID:          r.ProjectId,
			Wallet:             r.Wallet,
			Amount:             r.Amount,
			BaseAmount:         r.BaseAmount,
			TxHash:             r.TxHash,
			RoiPercentSnapshot: r.RoiPercentSnapshot,
			CreatedAt:          r.CreatedAt,
		})
	}
	return list
}

// GetInvestmentsResponse 获取投资记录响应
type GetInvestmentsResponse struct {
	Records    []InvestmentRecordResponse `json:"records"`
	Pagination Pagination                 `json:"pagination"`
}

// InvestResponse 投资结果
type InvestResponse struct {
	ProjectID     int64                `json:"projectId"`
	Status        model.TransferStatus `json:"status"`
	TxHash        string               `json:"txHash,omitempty"`
	TransferID    int64                `json:"transferId,omitempty"`
	RecordID      int64                `json:"recordId,omitempty"`
	Replayed      bool                 `json:"replayed"`
	RaisedAmount  *decimal.Decimal     `json:"raisedAmount,omitempty"`
	Percentage    *int64               `json:"percentage,omitempty"`
	InvestorCount *int64               `json:"investorCount,omitempty"`
}
