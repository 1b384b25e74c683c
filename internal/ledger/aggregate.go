package ledger

import (
	"math/big"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/model"
	"github.com/shopspring/decimal"
)

// Aggregate 项目融资聚合数据
type Aggregate struct {
	ProjectID     int64               `json:"project_id"`
	Target        decimal.Decimal     `json:"target_amount"`
	Raised        decimal.Decimal     `json:"raised_amount"`
	RaisedBase    *big.Int            `json:"-"`
	InvestorCount int64               `json:"investor_count"`
	Status        model.ProjectStatus `json:"status"`
}

// Percentage 完成百分比，四舍五入并封顶 100
func (a Aggregate) Percentage() int64 {
	return Percentage(a.Raised, a.Target)
}

// Remaining 距目标的剩余额度
func (a Aggregate) Remaining() decimal.Decimal {
	left := a.Target.Sub(a.Raised)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// Percentage min(100, round(raised/target*100))
func Percentage(raised, target decimal.Decimal) int64 {
	if !target.IsPositive() {
		return 0
	}
	pct := raised.Mul(decimal.NewFromInt(100)).Div(target).Round(0).IntPart()
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// CheckAcceptsInvestment 项目是否仍在募资
func CheckAcceptsInvestment(p *model.ProjectModel) error {
	switch {
	case p.Status == model.ProjectStatusActive:
		return nil
	case p.Status.AtOrAfter(model.ProjectStatusFunded):
		return apperr.Conflict(apperr.CodeGoalAlreadyReached, "project %d already reached its goal", p.Id)
	default:
		return apperr.Conflict(apperr.CodeProjectNotActive, "project %d is %s", p.Id, p.Status)
	}
}

// AggregateOf 从项目记录构造聚合数据
func AggregateOf(p *model.ProjectModel) Aggregate {
	return Aggregate{
		ProjectID:     p.Id,
		Target:        p.TargetAmount,
		Raised:        p.RaisedAmount,
		RaisedBase:    ParseBase(p.RaisedBase),
		InvestorCount: p.InvestorCount,
		Status:        p.Status,
	}
}

// ParseBase 解析以字符串保存的最小单位金额，非法值按 0 处理
func ParseBase(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

// FormatBase 最小单位金额转字符串
func FormatBase(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
