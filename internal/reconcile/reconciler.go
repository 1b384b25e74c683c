package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
)

// CampaignView 结算层状态
type CampaignView struct {
	ID                 uint64         `json:"id"`
	State              campaign.State `json:"state"`
	Active             bool           `json:"active"`
	GoalReached        bool           `json:"goal_reached"`
	FundsDistributed   bool           `json:"funds_distributed"`
	ReturnsDistributed bool           `json:"returns_distributed"`
	TotalRaised        string         `json:"total_raised"`
	PaymentDeadline    int64          `json:"payment_deadline"`
}

// ProjectView 账本与结算层合并后的项目视图
type ProjectView struct {
	ProjectID       int64               `json:"project_id"`
	Title           string              `json:"title"`
	Currency        string              `json:"currency"`
	Status          model.ProjectStatus `json:"status"`
	FundingMode     model.FundingMode   `json:"funding_mode"`
	Target          decimal.Decimal     `json:"target_amount"`
	Raised          decimal.Decimal     `json:"raised_amount"`
	RaisedBase      string              `json:"raised_base"`
	Percentage      int64               `json:"percentage"`
	InvestorCount   int64               `json:"investor_count"`
	UniqueInvestors int64               `json:"unique_investors"`
	Campaign        *CampaignView       `json:"campaign,omitempty"`

	NeedsReconciliation bool   `json:"needs_reconciliation"`
	Warning             string `json:"warning,omitempty"`
}

// Reconciler 合并账本与结算层数据并检测差异，从不自动修正
type Reconciler struct {
	store   *ledger.Store
	client  campaign.Client
	grace   time.Duration
	workers int
	now     func() time.Time
}

// NewReconciler 创建对账器
func NewReconciler(store *ledger.Store, client campaign.Client, cfg config.ReconcileConfig) *Reconciler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{
		store:   store,
		client:  client,
		grace:   cfg.GraceWindow,
		workers: workers,
		now:     time.Now,
	}
}

// MergeView 获取项目视图。结算层不可读时仍返回账本数据并附带警告
func (r *Reconciler) MergeView(ctx context.Context, projectID int64) (ProjectView, error) {
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}

	unique, err := r.store.UniqueInvestors(ctx, project.Id)
	if err != nil {
		return ProjectView{}, err
	}

	agg := ledger.AggregateOf(project)
	view := ProjectView{
		ProjectID:       project.Id,
		Title:           project.Title,
		Currency:        project.Currency,
		Status:          project.Status,
		FundingMode:     project.FundingMode,
		Target:          agg.Target,
		Raised:          agg.Raised,
		RaisedBase:      ledger.FormatBase(agg.RaisedBase),
		Percentage:      agg.Percentage(),
		InvestorCount:   agg.InvestorCount,
		UniqueInvestors: unique,
	}

	if project.FundingMode != model.FundingModeOnchain || project.CampaignId == nil {
		return view, nil
	}

	snap, err := r.client.GetCampaign(ctx, *project.CampaignId)
	if err != nil {
		view.Warning = fmt.Sprintf("settlement layer unavailable: %v", err)
		logger.Warn("Project %d view served from ledger only: %v", project.Id, err)
		return view, nil
	}

	now := r.now()
	view.Campaign = &CampaignView{
		ID:                 snap.ID,
		State:              snap.State(now),
		Active:             snap.Active,
		GoalReached:        snap.GoalReached,
		FundsDistributed:   snap.FundsDistributed,
		ReturnsDistributed: snap.ReturnsDistributed,
		TotalRaised:        ledger.FormatBase(snap.TotalRaised),
		PaymentDeadline:    snap.PaymentDeadline.Unix(),
	}

	diverged, err := r.diverged(ctx, project.Id, agg, snap, now)
	if err != nil {
		return ProjectView{}, err
	}
	if diverged {
		view.NeedsReconciliation = true
		view.Warning = fmt.Sprintf("ledger raised %s exceeds settlement total %s", view.RaisedBase, view.Campaign.TotalRaised)
		logger.Warn("Project %d needs reconciliation: ledger %s > campaign %s", project.Id, view.RaisedBase, view.Campaign.TotalRaised)
	}
	return view, nil
}

// diverged 账本金额超过结算层且最近一笔记录已超过宽限期
func (r *Reconciler) diverged(ctx context.Context, projectID int64, agg ledger.Aggregate, snap campaign.Snapshot, now time.Time) (bool, error) {
	if snap.TotalRaised == nil || agg.RaisedBase.Cmp(snap.TotalRaised) <= 0 {
		return false, nil
	}
	latest, ok, err := r.store.LatestInvestmentAt(ctx, projectID)
	if err != nil {
		return false, err
	}
	return ok && now.Sub(latest) > r.grace, nil
}

// Scan 并发检查所有链上项目，返回需要对账的项目视图
func (r *Reconciler) Scan(ctx context.Context) ([]ProjectView, error) {
	projects, err := r.store.ProjectsByMode(ctx, model.FundingModeOnchain)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, nil
	}

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		diverged []ProjectView
	)
	for _, project := range projects {
		id := project.Id
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			view, err := r.MergeView(ctx, id)
			if err != nil {
				logger.Error("Failed to build view for project %d: %v", id, err)
				return
			}
			if view.NeedsReconciliation {
				mu.Lock()
				diverged = append(diverged, view)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			logger.Error("Failed to submit reconcile task for project %d: %v", id, err)
		}
	}
	wg.Wait()

	logger.Info("Reconcile scan checked %d projects, %d diverged", len(projects), len(diverged))
	return diverged, nil
}

// Repair 仅根据账本记录重算聚合数据
func (r *Reconciler) Repair(ctx context.Context, projectID int64) (ledger.Aggregate, error) {
	agg, err := r.store.RecomputeAggregate(ctx, projectID)
	if err != nil {
		return ledger.Aggregate{}, err
	}
	logger.Info("Project %d aggregate recomputed: raised=%s investors=%d", projectID, agg.Raised, agg.InvestorCount)
	return agg, nil
}
