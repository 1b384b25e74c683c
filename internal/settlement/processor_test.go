package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/model"
	"github.com/blues/microfund/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	clock     *clock
	store     *ledger.Store
	sim       *campaign.Simulator
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := ledger.NewStore(testutil.NewDB(t), ledger.Limits{})
	sim := campaign.NewSimulator(campaign.WithSimulatorClock(c.now))
	p := NewProcessor(store, sim)
	p.now = c.now
	return &harness{clock: c, store: store, sim: sim, processor: p}
}

// project 创建目标 1000、收益 10%、每日罚金 0.5%、截止时间一天后的项目
func (h *harness) project(t *testing.T) *model.ProjectModel {
	t.Helper()
	id := h.sim.CreateCampaign(campaign.CampaignParams{
		Owner:             "0xowner",
		FundingGoal:       big.NewInt(1000),
		MinInvestment:     big.NewInt(1),
		ExpectedReturnBps: 1000,
		DailyPenaltyBps:   50,
		PaymentDeadline:   h.clock.now().Add(24 * time.Hour),
	})
	project := &model.ProjectModel{
		Title:        "Bakery oven",
		OwnerWallet:  "0xowner",
		Currency:     "usd",
		TargetAmount: decimal.NewFromInt(1000),
		FundingMode:  model.FundingModeOnchain,
		CampaignId:   &id,
	}
	require.NoError(t, h.store.CreateProject(context.Background(), project))
	return project
}

func (h *harness) invest(t *testing.T, project *model.ProjectModel, wallet string, amount int64) {
	t.Helper()
	h.sim.Fund(wallet, big.NewInt(amount))
	_, err := h.sim.Invest(context.Background(), *project.CampaignId, wallet, big.NewInt(amount))
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, projectID int64) model.ProjectStatus {
	t.Helper()
	p, err := h.store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	return p.Status
}

func TestSettlementLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t)
	h.invest(t, p, "0xa", 600)
	h.invest(t, p, "0xb", 400)

	_, err := h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = h.processor.Refund(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, apperr.CodeNotFailed, apperr.CodeOf(err))

	res, err := h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xOwner"})
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusConfirmed, res.Status)
	assert.Equal(t, "1000", res.Amount)
	assert.Equal(t, model.ProjectStatusFundsDistributed, h.status(t, p.Id))
	assert.Equal(t, big.NewInt(1000), h.sim.Balance("0xowner"))

	_, err = h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyDistributed)

	_, err = h.processor.WithdrawReturns(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	assert.Equal(t, apperr.CodeNotReturned, apperr.CodeOf(err))

	h.sim.Fund("0xowner", big.NewInt(500))

	_, err = h.processor.ReturnInvestment(ctx, Command{ProjectID: p.Id, Wallet: "0xowner", Payment: big.NewInt(1000)})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.processor.ReturnInvestment(ctx, Command{ProjectID: p.Id, Wallet: "0xb"})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	res, err = h.processor.ReturnInvestment(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.NoError(t, err)
	assert.Equal(t, "1100", res.Amount)
	assert.Equal(t, model.ProjectStatusReturned, h.status(t, p.Id))

	_, err = h.processor.ReturnInvestment(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyReturned)

	pos, err := h.processor.Position(ctx, p.Id, "0xa")
	require.NoError(t, err)
	assert.True(t, pos.CanWithdraw)
	assert.Equal(t, "660", pos.ExpectedShare)

	res, err = h.processor.WithdrawReturns(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	require.NoError(t, err)
	assert.Equal(t, "660", res.Amount)
	assert.Equal(t, big.NewInt(660), h.sim.Balance("0xa"))

	_, err = h.processor.WithdrawReturns(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyWithdrawn)

	_, err = h.processor.WithdrawReturns(ctx, Command{ProjectID: p.Id, Wallet: "0xc"})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	pos, err = h.processor.Position(ctx, p.Id, "0xa")
	require.NoError(t, err)
	assert.True(t, pos.Withdrawn)
	assert.False(t, pos.CanWithdraw)

	// 项目状态保持 returned
	assert.Equal(t, model.ProjectStatusReturned, h.status(t, p.Id))
}

func TestRefundAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t)
	h.invest(t, p, "0xa", 300)

	_, err := h.processor.Refund(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	assert.Equal(t, apperr.CodeNotFailed, apperr.CodeOf(err))

	h.clock.advance(48 * time.Hour)

	pos, err := h.processor.Position(ctx, p.Id, "0xa")
	require.NoError(t, err)
	assert.Equal(t, campaign.StateFailed, pos.State)
	assert.True(t, pos.CanRefund)
	assert.Equal(t, model.ProjectStatusFailed, h.status(t, p.Id))

	_, err = h.processor.Refund(ctx, Command{ProjectID: p.Id, Wallet: "0xb"})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	res, err := h.processor.Refund(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	require.NoError(t, err)
	assert.Equal(t, "300", res.Amount)
	assert.Equal(t, big.NewInt(300), h.sim.Balance("0xa"))

	_, err = h.processor.Refund(ctx, Command{ProjectID: p.Id, Wallet: "0xa"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyRefunded)

	_, err = h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestRequiredPaymentGrowsWithLateness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t)
	h.invest(t, p, "0xa", 1000)

	_, err := h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.NoError(t, err)

	quote, err := h.processor.RequiredPayment(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, "1000", quote.Principal)
	assert.Equal(t, "1100", quote.Required)
	assert.Zero(t, quote.DaysLate)

	h.clock.advance(24*time.Hour + 5*24*time.Hour)

	quote, err = h.processor.RequiredPayment(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), quote.DaysLate)
	assert.Equal(t, "1125", quote.Required)

	// 按旧报价支付会被拒绝
	h.sim.Fund("0xowner", big.NewInt(500))
	_, err = h.processor.ReturnInvestment(ctx, Command{ProjectID: p.Id, Wallet: "0xowner", Payment: big.NewInt(1100)})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	res, err := h.processor.ReturnInvestment(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.NoError(t, err)
	assert.Equal(t, "1125", res.Amount)
}

func TestPendingSettlementBlocksResubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t)
	h.invest(t, p, "0xa", 1000)

	h.sim.HoldNext()
	res, err := h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrPendingConfirmation)
	assert.Equal(t, model.TransferStatusPending, res.Status)
	assert.Equal(t, model.ProjectStatusActive, h.status(t, p.Id))

	_, err = h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrOperationInFlight)

	receipt, err := h.sim.Settle(res.TxHash)
	require.NoError(t, err)
	transfer, err := h.store.TransferByHash(ctx, res.TxHash)
	require.NoError(t, err)
	require.NoError(t, h.processor.ConfirmTransfer(ctx, transfer, receipt))

	assert.Equal(t, model.ProjectStatusFundsDistributed, h.status(t, p.Id))

	_, err = h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyDistributed)
}

func TestInFlightGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t)

	release, ok := h.processor.acquire(*p.CampaignId, model.TransferKindDistribute, "0xowner")
	require.True(t, ok)

	_, err := h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrOperationInFlight)

	// 其他操作不受影响
	_, ok = h.processor.acquire(*p.CampaignId, model.TransferKindReturn, "0xowner")
	assert.True(t, ok)

	release()
	_, err = h.processor.DistributeFunds(ctx, Command{ProjectID: p.Id, Wallet: "0xowner"})
	assert.Equal(t, apperr.CodeNotFunded, apperr.CodeOf(err))
}

func TestLedgerOnlyProjectHasNoSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := &model.ProjectModel{
		Title:        "Library",
		OwnerWallet:  "0xowner",
		Currency:     "usd",
		TargetAmount: decimal.NewFromInt(100),
		FundingMode:  model.FundingModeLedgerOnly,
	}
	require.NoError(t, h.store.CreateProject(ctx, project))

	_, err := h.processor.DistributeFunds(ctx, Command{ProjectID: project.Id, Wallet: "0xowner"})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	_, err = h.processor.Position(ctx, 999, "0xa")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
