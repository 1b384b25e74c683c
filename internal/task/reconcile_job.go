package task

import (
	"context"
	"time"

	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/reconcile"
	"github.com/go-co-op/gocron/v2"
)

// ReconcileJob 定期检查账本与结算层的差异，只记录不修正
type ReconcileJob struct {
	reconciler *reconcile.Reconciler
	config     *config.Config
}

// NewReconcileJob 创建对账任务
func NewReconcileJob(reconciler *reconcile.Reconciler, cfg *config.Config) *ReconcileJob {
	return &ReconcileJob{
		reconciler: reconciler,
		config:     cfg,
	}
}

// GetName 获取任务名称
func (j *ReconcileJob) GetName() string {
	return "ledger_reconciler"
}

// GetSchedule 获取调度配置
func (j *ReconcileJob) GetSchedule() gocron.JobDefinition {
	return interval(j.config)
}

// Execute 执行任务
func (j *ReconcileJob) Execute() {
	logger.Info("Starting reconcile task")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	diverged, err := j.reconciler.Scan(ctx)
	if err != nil {
		logger.Error("Reconcile scan failed: %v", err)
		return
	}

	for _, view := range diverged {
		logger.Warn("Project %d diverged: %s", view.ProjectID, view.Warning)
	}
}
