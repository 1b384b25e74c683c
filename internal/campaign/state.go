package campaign

import (
	"math/big"
	"strings"
	"time"

	"github.com/blues/microfund/internal/apperr"
)

const bpsDenominator = 10000

// Snapshot 结算层上一次读取到的众筹活动状态
type Snapshot struct {
	ID                 uint64    `json:"id"`
	CompanyID          uint64    `json:"company_id"`
	FundingGoal        *big.Int  `json:"funding_goal"`
	MinInvestment      *big.Int  `json:"min_investment"`
	ExpectedReturnBps  uint64    `json:"expected_return_bps"`
	DailyPenaltyBps    uint64    `json:"daily_penalty_bps"`
	PaymentDeadline    time.Time `json:"payment_deadline"`
	TotalRaised        *big.Int  `json:"total_raised"`
	Active             bool      `json:"active"`
	GoalReached        bool      `json:"goal_reached"`
	FundsDistributed   bool      `json:"funds_distributed"`
	ReturnsDistributed bool      `json:"returns_distributed"`
	Owner              string    `json:"owner"`
}

// State 活动状态
type State string

const (
	StateActive           State = "active"
	StateExpired          State = "expired" // 已过截止时间但结算层尚未关闭，不可退款
	StateInactive         State = "inactive"
	StateFunded           State = "funded"
	StateFundsDistributed State = "funds_distributed"
	StateReturned         State = "returned"
	StateFailed           State = "failed"
)

// State 根据标志位推导当前状态
func (s Snapshot) State(now time.Time) State {
	switch {
	case s.ReturnsDistributed:
		return StateReturned
	case s.FundsDistributed:
		return StateFundsDistributed
	case s.GoalReached:
		return StateFunded
	case s.Active && s.PastDeadline(now):
		return StateExpired
	case s.Active:
		return StateActive
	case s.PastDeadline(now):
		return StateFailed
	default:
		return StateInactive
	}
}

// PastDeadline 是否已过截止时间
func (s Snapshot) PastDeadline(now time.Time) bool {
	return !s.PaymentDeadline.IsZero() && now.After(s.PaymentDeadline)
}

// Failed 募资失败，投资人可以退款
func (s Snapshot) Failed(now time.Time) bool {
	return !s.Active && !s.GoalReached && s.PastDeadline(now)
}

// IsOwner 调用方是否为活动发起人
func (s Snapshot) IsOwner(wallet string) bool {
	return s.Owner != "" && strings.EqualFold(s.Owner, strings.TrimSpace(wallet))
}

// Remaining 距募资目标的剩余额度
func (s Snapshot) Remaining() *big.Int {
	left := new(big.Int).Sub(orZero(s.FundingGoal), orZero(s.TotalRaised))
	if left.Sign() < 0 {
		return new(big.Int)
	}
	return left
}

// CheckInvest 投资前检查
func CheckInvest(s Snapshot, amount *big.Int, now time.Time) error {
	if s.GoalReached {
		return apperr.Conflict(apperr.CodeGoalAlreadyReached, "campaign %d already reached its goal", s.ID)
	}
	if !s.Active || s.PastDeadline(now) {
		return apperr.Conflict(apperr.CodeProjectNotActive, "campaign %d is not accepting investments", s.ID)
	}
	if amount == nil || amount.Sign() <= 0 {
		return apperr.Validation("amount must be positive")
	}
	if s.MinInvestment != nil && amount.Cmp(s.MinInvestment) < 0 {
		return apperr.Validation("amount is below the campaign minimum investment")
	}
	if amount.Cmp(s.Remaining()) > 0 {
		return apperr.Validation("amount exceeds the remaining goal of campaign %d", s.ID)
	}
	return nil
}

// CheckDistribute 发放募集资金前检查，仅发起人可调用且只能一次
func CheckDistribute(s Snapshot, caller string) error {
	if !s.IsOwner(caller) {
		return apperr.Authorization("only the campaign owner can distribute funds")
	}
	if s.FundsDistributed {
		return apperr.Conflict(apperr.CodeAlreadyDistributed, "funds of campaign %d already distributed", s.ID)
	}
	if !s.GoalReached {
		return apperr.Conflict(apperr.CodeNotFunded, "campaign %d has not reached its goal", s.ID)
	}
	return nil
}

// CheckReturn 归还本息前检查，付款不足时整体拒绝
func CheckReturn(s Snapshot, caller string, payment, required *big.Int) error {
	if !s.IsOwner(caller) {
		return apperr.Authorization("only the campaign owner can return the investment")
	}
	if s.ReturnsDistributed {
		return apperr.Conflict(apperr.CodeAlreadyReturned, "campaign %d already returned", s.ID)
	}
	if !s.FundsDistributed {
		return apperr.Conflict(apperr.CodeNotDistributed, "funds of campaign %d not distributed yet", s.ID)
	}
	if payment == nil || payment.Cmp(orZero(required)) < 0 {
		return apperr.Validation("payment is below the required payment %s", orZero(required))
	}
	return nil
}

// CheckWithdraw 提取收益前检查
func CheckWithdraw(s Snapshot, contribution *big.Int, withdrawn bool) error {
	if withdrawn {
		return apperr.Conflict(apperr.CodeAlreadyWithdrawn, "returns of campaign %d already withdrawn", s.ID)
	}
	if contribution == nil || contribution.Sign() <= 0 {
		return apperr.Authorization("caller has no contribution in campaign %d", s.ID)
	}
	if !s.ReturnsDistributed {
		return apperr.Conflict(apperr.CodeNotReturned, "campaign %d has not returned the investment", s.ID)
	}
	return nil
}

// CheckRefund 退款前检查，仅在活动关闭、未达标且已过截止时间时允许
func CheckRefund(s Snapshot, contribution *big.Int, refunded bool, now time.Time) error {
	if refunded {
		return apperr.Conflict(apperr.CodeAlreadyRefunded, "contribution to campaign %d already refunded", s.ID)
	}
	if contribution == nil || contribution.Sign() <= 0 {
		return apperr.Authorization("caller has no contribution in campaign %d", s.ID)
	}
	if !s.Failed(now) {
		return apperr.Conflict(apperr.CodeNotFailed, "campaign %d is %s, refund not available", s.ID, s.State(now))
	}
	return nil
}

// DaysLate 超过截止时间的整天数，未逾期为 0
func DaysLate(deadline, now time.Time) int64 {
	if deadline.IsZero() || !now.After(deadline) {
		return 0
	}
	return int64(now.Sub(deadline) / (24 * time.Hour))
}

// RequiredPayment 本金 + 收益 + 逾期罚金
func RequiredPayment(principal *big.Int, returnBps, penaltyBps uint64, deadline, now time.Time) *big.Int {
	p := orZero(principal)

	yield := new(big.Int).Mul(p, new(big.Int).SetUint64(returnBps))
	yield.Quo(yield, big.NewInt(bpsDenominator))

	penalty := new(big.Int).Mul(p, new(big.Int).SetUint64(penaltyBps))
	penalty.Mul(penalty, big.NewInt(DaysLate(deadline, now)))
	penalty.Quo(penalty, big.NewInt(bpsDenominator))

	total := new(big.Int).Add(p, yield)
	return total.Add(total, penalty)
}

// ProRataShare 按出资比例分配归还金额
func ProRataShare(returned, contribution, totalRaised *big.Int) *big.Int {
	if totalRaised == nil || totalRaised.Sign() <= 0 || contribution == nil || returned == nil {
		return new(big.Int)
	}
	share := new(big.Int).Mul(returned, contribution)
	return share.Quo(share, totalRaised)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
