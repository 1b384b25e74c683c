package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/model"
	"github.com/blues/microfund/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// unavailable 结算层读取失败
type unavailable struct {
	campaign.Client
}

func (unavailable) GetCampaign(ctx context.Context, campaignID uint64) (campaign.Snapshot, error) {
	return campaign.Snapshot{}, errors.New("dial tcp: connection refused")
}

type fixture struct {
	db    *gorm.DB
	store *ledger.Store
	sim   *campaign.Simulator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	return &fixture{
		db:    db,
		store: ledger.NewStore(db, ledger.Limits{}),
		sim:   campaign.NewSimulator(),
	}
}

func (f *fixture) reconciler(client campaign.Client) *Reconciler {
	return NewReconciler(f.store, client, config.ReconcileConfig{GraceWindow: 30 * time.Minute, Workers: 4})
}

func (f *fixture) project(t *testing.T, target int64) *model.ProjectModel {
	t.Helper()
	id := f.sim.CreateCampaign(campaign.CampaignParams{
		Owner:           "0xowner",
		FundingGoal:     big.NewInt(target),
		MinInvestment:   big.NewInt(1),
		PaymentDeadline: time.Now().Add(24 * time.Hour),
	})
	project := &model.ProjectModel{
		Title:        "Solar panels",
		OwnerWallet:  "0xowner",
		Currency:     "usd",
		TargetAmount: decimal.NewFromInt(target),
		FundingMode:  model.FundingModeOnchain,
		CampaignId:   &id,
	}
	require.NoError(t, f.store.CreateProject(context.Background(), project))
	return project
}

// invest 同时写入结算层与账本
func (f *fixture) invest(t *testing.T, project *model.ProjectModel, wallet string, amount int64) {
	t.Helper()
	ctx := context.Background()
	f.sim.Fund(wallet, big.NewInt(amount))
	receipt, err := f.sim.Invest(ctx, *project.CampaignId, wallet, big.NewInt(amount))
	require.NoError(t, err)
	f.ledgerOnly(t, project, wallet, amount, receipt.TxHash)
}

func (f *fixture) ledgerOnly(t *testing.T, project *model.ProjectModel, wallet string, amount int64, key string) {
	t.Helper()
	_, err := f.store.ApplyInvestment(context.Background(), ledger.Application{
		ProjectID:  project.Id,
		Wallet:     wallet,
		Amount:     decimal.NewFromInt(amount),
		BaseAmount: big.NewInt(amount),
		DedupeKey:  key,
		TxHash:     key,
	})
	require.NoError(t, err)
}

func TestMergeViewAfterDistribute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 800)
	f.invest(t, p, "0xa", 300)
	f.invest(t, p, "0xb", 220)
	f.invest(t, p, "0xa", 280)

	_, err := f.sim.DistributeFunds(ctx, *p.CampaignId, "0xowner")
	require.NoError(t, err)

	view, err := f.reconciler(f.sim).MergeView(ctx, p.Id)
	require.NoError(t, err)
	require.NotNil(t, view.Campaign)
	assert.True(t, view.Campaign.FundsDistributed)
	assert.False(t, view.Campaign.Active)
	assert.Equal(t, campaign.StateFundsDistributed, view.Campaign.State)
	assert.True(t, view.Raised.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, "800", view.Campaign.TotalRaised)
	assert.Equal(t, int64(100), view.Percentage)
	assert.Equal(t, int64(3), view.InvestorCount)
	assert.Equal(t, int64(2), view.UniqueInvestors)
	assert.False(t, view.NeedsReconciliation)
	assert.Empty(t, view.Warning)
}

func TestMergeViewDivergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 1000)
	f.invest(t, p, "0xa", 100)
	// 账本有记录但结算层没有
	f.ledgerOnly(t, p, "0xb", 50, "0xghost")

	r := f.reconciler(f.sim)

	view, err := r.MergeView(ctx, p.Id)
	require.NoError(t, err)
	assert.False(t, view.NeedsReconciliation, "within grace window")

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	view, err = r.MergeView(ctx, p.Id)
	require.NoError(t, err)
	assert.True(t, view.NeedsReconciliation)
	assert.NotEmpty(t, view.Warning)
	// 从不自动修正
	assert.True(t, view.Raised.Equal(decimal.NewFromInt(150)))

	diverged, err := r.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, diverged, 1)
	assert.Equal(t, p.Id, diverged[0].ProjectID)
}

func TestScanSkipsConsistentProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p := f.project(t, 100)
		f.invest(t, p, "0xa", 40)
	}

	r := f.reconciler(f.sim)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	diverged, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, diverged)
}

func TestMergeViewCampaignUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 800)
	f.invest(t, p, "0xa", 520)

	view, err := f.reconciler(unavailable{Client: f.sim}).MergeView(ctx, p.Id)
	require.NoError(t, err)
	assert.Nil(t, view.Campaign)
	assert.Contains(t, view.Warning, "settlement layer unavailable")
	assert.Equal(t, int64(65), view.Percentage)
}

func TestRepairRecomputesFromRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 1000)
	f.invest(t, p, "0xa", 100)
	f.invest(t, p, "0xb", 200)

	require.NoError(t, f.db.Model(&model.ProjectModel{}).Where("id = ?", p.Id).
		Updates(map[string]interface{}{"raised_amount": decimal.NewFromInt(999), "investor_count": 7}).Error)

	agg, err := f.reconciler(f.sim).Repair(ctx, p.Id)
	require.NoError(t, err)
	assert.True(t, agg.Raised.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, int64(2), agg.InvestorCount)
}
