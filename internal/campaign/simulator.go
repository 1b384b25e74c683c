package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/blues/microfund/internal/apperr"
)

// CampaignParams 创建模拟活动的参数
type CampaignParams struct {
	CompanyID         uint64
	Owner             string
	FundingGoal       *big.Int
	MinInvestment     *big.Int
	ExpectedReturnBps uint64
	DailyPenaltyBps   uint64
	PaymentDeadline   time.Time
}

type simCampaign struct {
	snap        Snapshot
	investments map[string]*big.Int
	withdrawn   map[string]bool
	refunded    map[string]bool
	returned    *big.Int
}

type simTx struct {
	receipt Receipt
	apply   func() (*big.Int, error)
}

// Simulator 内存中的结算层，行为与合约一致，用于开发环境和测试
type Simulator struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    uint64
	nextTx    uint64
	block     uint64
	campaigns map[uint64]*simCampaign
	balances  map[string]*big.Int
	txs       map[string]*simTx
	failNext  string
	holdNext  bool
}

// SimulatorOption 模拟器选项
type SimulatorOption func(*Simulator)

// WithSimulatorClock 替换时钟
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		s.now = now
	}
}

// NewSimulator 创建模拟结算层
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		now:       time.Now,
		campaigns: make(map[uint64]*simCampaign),
		balances:  make(map[string]*big.Int),
		txs:       make(map[string]*simTx),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCampaign 创建活动并返回 ID
func (s *Simulator) CreateCampaign(p CampaignParams) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.campaigns[s.nextID] = &simCampaign{
		snap: Snapshot{
			ID:                s.nextID,
			CompanyID:         p.CompanyID,
			FundingGoal:       copyInt(p.FundingGoal),
			MinInvestment:     copyInt(p.MinInvestment),
			ExpectedReturnBps: p.ExpectedReturnBps,
			DailyPenaltyBps:   p.DailyPenaltyBps,
			PaymentDeadline:   p.PaymentDeadline,
			TotalRaised:       new(big.Int),
			Active:            true,
			Owner:             key(p.Owner),
		},
		investments: make(map[string]*big.Int),
		withdrawn:   make(map[string]bool),
		refunded:    make(map[string]bool),
		returned:    new(big.Int),
	}
	return s.nextID
}

// Fund 设置钱包余额
func (s *Simulator) Fund(wallet string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[key(wallet)] = copyInt(amount)
}

// Balance 钱包余额
func (s *Simulator) Balance(wallet string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInt(s.balances[key(wallet)])
}

// FailNext 下一笔交易以给定原因被拒绝
func (s *Simulator) FailNext(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = reason
}

// HoldNext 下一笔交易保持 pending，直到调用 Settle
func (s *Simulator) HoldNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdNext = true
}

// Drop 丢弃被挂起的交易，之后查询状态时节点不再认识它
func (s *Simulator) Drop(txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txHash]
	if !ok {
		return apperr.NotFound("transaction %s not found", txHash)
	}
	if tx.receipt.Status != TxPending {
		return fmt.Errorf("transaction %s is already %s", txHash, tx.receipt.Status)
	}
	tx.receipt.Dropped = true
	tx.apply = nil
	return nil
}

// Settle 执行被挂起的交易
func (s *Simulator) Settle(txHash string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txHash]
	if !ok || tx.receipt.Dropped {
		return Receipt{}, apperr.NotFound("transaction %s not found", txHash)
	}
	if tx.receipt.Status != TxPending {
		return tx.receipt, nil
	}
	return s.execute(tx)
}

func (s *Simulator) GetCampaign(ctx context.Context, campaignID uint64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateExpired()
	c, err := s.campaign(campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := c.snap
	snap.FundingGoal = copyInt(c.snap.FundingGoal)
	snap.MinInvestment = copyInt(c.snap.MinInvestment)
	snap.TotalRaised = copyInt(c.snap.TotalRaised)
	return snap, nil
}

func (s *Simulator) GetInvestment(ctx context.Context, campaignID uint64, wallet string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	return copyInt(c.investments[key(wallet)]), nil
}

func (s *Simulator) GetRequiredPayment(ctx context.Context, campaignID uint64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	return RequiredPayment(c.snap.TotalRaised, c.snap.ExpectedReturnBps, c.snap.DailyPenaltyBps, c.snap.PaymentDeadline, s.now()), nil
}

func (s *Simulator) Invest(ctx context.Context, campaignID uint64, from string, amount *big.Int) (Receipt, error) {
	amount = copyInt(amount)
	return s.submit(ctx, func() (*big.Int, error) {
		c, err := s.campaign(campaignID)
		if err != nil {
			return nil, err
		}
		if !c.snap.Active || c.snap.GoalReached {
			return nil, errors.New("campaign not active")
		}
		if amount.Sign() <= 0 || (c.snap.MinInvestment != nil && amount.Cmp(c.snap.MinInvestment) < 0) {
			return nil, errors.New("investment below minimum")
		}
		if amount.Cmp(c.snap.Remaining()) > 0 {
			return nil, errors.New("investment exceeds funding goal")
		}
		if err := s.debit(from, amount); err != nil {
			return nil, err
		}
		inv := copyInt(c.investments[key(from)])
		c.investments[key(from)] = inv.Add(inv, amount)
		c.snap.TotalRaised = new(big.Int).Add(c.snap.TotalRaised, amount)
		if c.snap.TotalRaised.Cmp(c.snap.FundingGoal) >= 0 {
			c.snap.GoalReached = true
		}
		return amount, nil
	})
}

func (s *Simulator) DistributeFunds(ctx context.Context, campaignID uint64, from string) (Receipt, error) {
	return s.submit(ctx, func() (*big.Int, error) {
		c, err := s.campaign(campaignID)
		if err != nil {
			return nil, err
		}
		if key(from) != c.snap.Owner {
			return nil, errors.New("only owner")
		}
		if !c.snap.GoalReached || c.snap.FundsDistributed {
			return nil, errors.New("funds cannot be distributed")
		}
		s.credit(from, c.snap.TotalRaised)
		c.snap.FundsDistributed = true
		c.snap.Active = false
		return copyInt(c.snap.TotalRaised), nil
	})
}

func (s *Simulator) ReturnInvestment(ctx context.Context, campaignID uint64, from string, payment *big.Int) (Receipt, error) {
	payment = copyInt(payment)
	return s.submit(ctx, func() (*big.Int, error) {
		c, err := s.campaign(campaignID)
		if err != nil {
			return nil, err
		}
		if key(from) != c.snap.Owner {
			return nil, errors.New("only owner")
		}
		if !c.snap.FundsDistributed || c.snap.ReturnsDistributed {
			return nil, errors.New("returns cannot be distributed")
		}
		required := RequiredPayment(c.snap.TotalRaised, c.snap.ExpectedReturnBps, c.snap.DailyPenaltyBps, c.snap.PaymentDeadline, s.now())
		if payment.Cmp(required) < 0 {
			return nil, errors.New("insufficient payment")
		}
		if err := s.debit(from, payment); err != nil {
			return nil, err
		}
		c.returned = payment
		c.snap.ReturnsDistributed = true
		return copyInt(payment), nil
	})
}

func (s *Simulator) WithdrawReturns(ctx context.Context, campaignID uint64, from string) (Receipt, error) {
	return s.submit(ctx, func() (*big.Int, error) {
		c, err := s.campaign(campaignID)
		if err != nil {
			return nil, err
		}
		if !c.snap.ReturnsDistributed {
			return nil, errors.New("returns not distributed")
		}
		inv := c.investments[key(from)]
		if inv == nil || inv.Sign() <= 0 || c.withdrawn[key(from)] {
			return nil, errors.New("nothing to withdraw")
		}
		share := ProRataShare(c.returned, inv, c.snap.TotalRaised)
		s.credit(from, share)
		c.withdrawn[key(from)] = true
		return share, nil
	})
}

func (s *Simulator) Refund(ctx context.Context, campaignID uint64, from string) (Receipt, error) {
	return s.submit(ctx, func() (*big.Int, error) {
		c, err := s.campaign(campaignID)
		if err != nil {
			return nil, err
		}
		if !c.snap.Failed(s.now()) {
			return nil, errors.New("refund not available")
		}
		inv := c.investments[key(from)]
		if inv == nil || inv.Sign() <= 0 || c.refunded[key(from)] {
			return nil, errors.New("nothing to refund")
		}
		s.credit(from, inv)
		c.refunded[key(from)] = true
		return copyInt(inv), nil
	})
}

func (s *Simulator) TransferStatus(ctx context.Context, txHash string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txHash]
	if !ok {
		return Receipt{}, apperr.NotFound("transaction %s not found", txHash)
	}
	return copyReceipt(tx.receipt), nil
}

// submit 模拟一次交易提交：注入的失败直接拒绝，挂起的交易返回 pending 回执
func (s *Simulator) submit(ctx context.Context, apply func() (*big.Int, error)) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason := s.failNext; reason != "" {
		s.failNext = ""
		return Receipt{}, apperr.ExternalTransfer(reason, "", fmt.Errorf("simulated %s", reason))
	}

	s.nextTx++
	tx := &simTx{
		receipt: Receipt{TxHash: fmt.Sprintf("0x%064x", s.nextTx), Status: TxPending},
		apply:   apply,
	}
	s.txs[tx.receipt.TxHash] = tx

	if s.holdNext {
		s.holdNext = false
		return copyReceipt(tx.receipt), nil
	}
	return s.execute(tx)
}

// execute 需持有锁
func (s *Simulator) execute(tx *simTx) (Receipt, error) {
	s.deactivateExpired()
	s.block++
	tx.receipt.BlockNumber = s.block

	amount, err := tx.apply()
	if err != nil {
		tx.receipt.Status = TxFailed
		reason := apperr.ReasonReverted
		if errors.Is(err, errInsufficientBalance) {
			reason = apperr.ReasonInsufficientFunds
		}
		return copyReceipt(tx.receipt), apperr.ExternalTransfer(reason, tx.receipt.TxHash, err)
	}
	tx.receipt.Status = TxConfirmed
	tx.receipt.Amount = amount
	return copyReceipt(tx.receipt), nil
}

// deactivateExpired 过了截止时间仍未达标的活动在下一次读取或交易时关闭
func (s *Simulator) deactivateExpired() {
	now := s.now()
	for _, c := range s.campaigns {
		if c.snap.Active && !c.snap.GoalReached && c.snap.PastDeadline(now) {
			c.snap.Active = false
		}
	}
}

var errInsufficientBalance = errors.New("insufficient balance")

func (s *Simulator) debit(wallet string, amount *big.Int) error {
	bal := s.balances[key(wallet)]
	if bal == nil || bal.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	s.balances[key(wallet)] = new(big.Int).Sub(bal, amount)
	return nil
}

func (s *Simulator) credit(wallet string, amount *big.Int) {
	bal := copyInt(s.balances[key(wallet)])
	s.balances[key(wallet)] = bal.Add(bal, amount)
}

func (s *Simulator) campaign(id uint64) (*simCampaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign %d not found", id)
	}
	return c, nil
}

func key(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func copyReceipt(r Receipt) Receipt {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	return r
}
