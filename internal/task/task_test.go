package task

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/investment"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/model"
	"github.com/blues/microfund/internal/money"
	"github.com/blues/microfund/internal/reconcile"
	"github.com/blues/microfund/internal/settlement"
	"github.com/blues/microfund/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unitFeed struct{}

func (unitFeed) FetchPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

type env struct {
	cfg       *config.Config
	now       time.Time
	store     *ledger.Store
	sim       *campaign.Simulator
	recorder  *investment.Recorder
	processor *settlement.Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		cfg: &config.Config{
			Task:       config.TaskConfig{Interval: 1, Enabled: true},
			Settlement: config.SettlementConfig{ConfirmTimeout: time.Second},
			Reconcile:  config.ReconcileConfig{GraceWindow: time.Minute, Workers: 3},
		},
		now: time.Now(),
	}
	e.store = ledger.NewStore(testutil.NewDB(t), ledger.Limits{})
	e.sim = campaign.NewSimulator(campaign.WithSimulatorClock(func() time.Time { return e.now }))
	rates := money.NewRateCache(unitFeed{}, time.Minute, time.Second)
	e.recorder = investment.NewRecorder(e.store, e.sim, money.NewConverter(rates, 0))
	e.processor = settlement.NewProcessor(e.store, e.sim)
	return e
}

func (e *env) project(t *testing.T, target int64) *model.ProjectModel {
	t.Helper()
	id := e.sim.CreateCampaign(campaign.CampaignParams{
		Owner:           "0xowner",
		FundingGoal:     big.NewInt(target),
		MinInvestment:   big.NewInt(1),
		PaymentDeadline: e.now.Add(time.Hour),
	})
	p := &model.ProjectModel{
		Title:        "Repair shop",
		OwnerWallet:  "0xowner",
		Currency:     "usd",
		TargetAmount: decimal.NewFromInt(target),
		FundingMode:  model.FundingModeOnchain,
		CampaignId:   &id,
	}
	require.NoError(t, e.store.CreateProject(context.Background(), p))
	return p
}

func TestTransferConfirmJobAppliesLateConfirmations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.project(t, 100)
	e.sim.Fund("0xa", big.NewInt(100))
	e.sim.Fund("0xb", big.NewInt(100))

	e.sim.HoldNext()
	held, err := e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: p.Id, Wallet: "0xa", Amount: decimal.NewFromInt(40)})
	require.ErrorIs(t, err, apperr.ErrPendingConfirmation)

	e.sim.HoldNext()
	_, err = e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: p.Id, Wallet: "0xb", Amount: decimal.NewFromInt(60)})
	require.ErrorIs(t, err, apperr.ErrPendingConfirmation)

	job := NewTransferConfirmJob(e.store, e.sim, e.recorder, e.processor, e.cfg)
	assert.Equal(t, "transfer_confirmer", job.GetName())

	// 仍在挂起，不处理
	assert.Zero(t, job.run(ctx))

	_, err = e.sim.Settle(held.TxHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.run(ctx))

	project, err := e.store.GetProject(ctx, p.Id)
	require.NoError(t, err)
	assert.True(t, project.RaisedAmount.Equal(decimal.NewFromInt(40)))

	pending, err := e.store.PendingTransfers(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTransferConfirmJobSettlementKinds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.project(t, 50)
	e.sim.Fund("0xa", big.NewInt(50))

	_, err := e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: p.Id, Wallet: "0xa", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	e.sim.HoldNext()
	res, err := e.processor.DistributeFunds(ctx, settlement.Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.ErrorIs(t, err, apperr.ErrPendingConfirmation)

	_, err = e.sim.Settle(res.TxHash)
	require.NoError(t, err)

	job := NewTransferConfirmJob(e.store, e.sim, e.recorder, e.processor, e.cfg)
	assert.Equal(t, int64(1), job.run(ctx))

	project, err := e.store.GetProject(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusFundsDistributed, project.Status)
}

func TestCampaignStatusJobMarksFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	failing := e.project(t, 100)
	funded := e.project(t, 10)
	e.sim.Fund("0xa", big.NewInt(100))

	_, err := e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: failing.Id, Wallet: "0xa", Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)
	_, err = e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: funded.Id, Wallet: "0xa", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	job := NewCampaignStatusJob(e.store, e.sim, e.cfg)
	job.now = func() time.Time { return e.now }
	assert.Zero(t, job.run(ctx))

	e.now = e.now.Add(2 * time.Hour)
	assert.Equal(t, 1, job.run(ctx))

	p, err := e.store.GetProject(ctx, failing.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusFailed, p.Status)

	p, err = e.store.GetProject(ctx, funded.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusFunded, p.Status)
}

func TestManagerRegistersJobs(t *testing.T) {
	e := newEnv(t)
	reconciler := reconcile.NewReconciler(e.store, e.sim, e.cfg.Reconcile)

	m := NewManager(e.cfg,
		NewTransferConfirmJob(e.store, e.sim, e.recorder, e.processor, e.cfg),
		NewReconcileJob(reconciler, e.cfg),
		NewCampaignStatusJob(e.store, e.sim, e.cfg),
	)
	m.Start()
	defer m.Stop()

	names := make([]string, 0, 3)
	for _, job := range m.scheduler.Jobs() {
		names = append(names, job.Name())
	}
	assert.ElementsMatch(t, []string{"transfer_confirmer", "ledger_reconciler", "campaign_status_updater"}, names)
}

func TestTransferConfirmJobExpiresDroppedTransfers(t *testing.T) {
	e := newEnv(t)
	e.cfg.Settlement.DropAfter = time.Minute
	ctx := context.Background()
	p := e.project(t, 50)
	e.sim.Fund("0xa", big.NewInt(100))

	e.sim.HoldNext()
	held, err := e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: p.Id, Wallet: "0xa", Amount: decimal.NewFromInt(50)})
	require.ErrorIs(t, err, apperr.ErrPendingConfirmation)
	require.NoError(t, e.sim.Drop(held.TxHash))

	job := NewTransferConfirmJob(e.store, e.sim, e.recorder, e.processor, e.cfg)

	// 刚提交不久，继续等待
	assert.Zero(t, job.run(ctx))

	job.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, int64(1), job.run(ctx))

	transfer, err := e.store.TransferByHash(ctx, held.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusFailed, transfer.Status)
	assert.Equal(t, apperr.ReasonDropped, transfer.FailureReason)

	pendingAmount, err := e.store.PendingInvestAmount(ctx, p.Id)
	require.NoError(t, err)
	assert.True(t, pendingAmount.IsZero())

	// 额度已释放
	_, err = e.recorder.Invest(ctx, investment.InvestCommand{ProjectID: p.Id, Wallet: "0xa", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	e.sim.HoldNext()
	res, err := e.processor.DistributeFunds(ctx, settlement.Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.ErrorIs(t, err, apperr.ErrPendingConfirmation)
	require.NoError(t, e.sim.Drop(res.TxHash))

	_, err = e.processor.DistributeFunds(ctx, settlement.Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.ErrorIs(t, err, apperr.ErrOperationInFlight)

	assert.Equal(t, int64(1), job.run(ctx))

	_, err = e.processor.DistributeFunds(ctx, settlement.Command{ProjectID: p.Id, Wallet: "0xowner"})
	require.NoError(t, err)

	project, err := e.store.GetProject(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusFundsDistributed, project.Status)
}
