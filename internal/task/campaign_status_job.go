package task

import (
	"context"
	"time"

	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
	"github.com/go-co-op/gocron/v2"
)

// CampaignStatusJob 将结算层已确定的状态同步到账本。读取时也会同步，这里只是提前
type CampaignStatusJob struct {
	store  *ledger.Store
	client campaign.Client
	config *config.Config
	now    func() time.Time
}

// NewCampaignStatusJob 创建活动状态同步任务
func NewCampaignStatusJob(store *ledger.Store, client campaign.Client, cfg *config.Config) *CampaignStatusJob {
	return &CampaignStatusJob{
		store:  store,
		client: client,
		config: cfg,
		now:    time.Now,
	}
}

// GetName 获取任务名称
func (j *CampaignStatusJob) GetName() string {
	return "campaign_status_updater"
}

// GetSchedule 获取调度配置
func (j *CampaignStatusJob) GetSchedule() gocron.JobDefinition {
	return interval(j.config)
}

// Execute 执行任务
func (j *CampaignStatusJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	j.run(ctx)
}

func (j *CampaignStatusJob) run(ctx context.Context) int {
	logger.Info("Starting campaign status task")

	projects, err := j.store.ProjectsByMode(ctx, model.FundingModeOnchain)
	if err != nil {
		logger.Error("Failed to fetch onchain projects: %v", err)
		return 0
	}

	now := j.now()
	updated := 0
	for _, project := range projects {
		if project.CampaignId == nil || project.Status == model.ProjectStatusReturned || project.Status == model.ProjectStatusFailed {
			continue
		}

		snap, err := j.client.GetCampaign(ctx, *project.CampaignId)
		if err != nil {
			logger.Warn("Failed to read campaign %d of project %d: %v", *project.CampaignId, project.Id, err)
			continue
		}

		target, ok := mirroredStatus(snap, now)
		if !ok {
			continue
		}

		changed, err := j.store.Transition(ctx, project.Id, target)
		if err != nil {
			logger.Error("Failed to update project %d status to %s: %v", project.Id, target, err)
			continue
		}
		if changed {
			updated++
		}
	}

	logger.Info("Campaign status task completed. Updated %d projects", updated)
	return updated
}

// mirroredStatus 结算层终态对应的账本状态，其余状态由账本自身推进
func mirroredStatus(snap campaign.Snapshot, now time.Time) (model.ProjectStatus, bool) {
	switch snap.State(now) {
	case campaign.StateFailed:
		return model.ProjectStatusFailed, true
	case campaign.StateFundsDistributed:
		return model.ProjectStatusFundsDistributed, true
	case campaign.StateReturned:
		return model.ProjectStatusReturned, true
	}
	return "", false
}
