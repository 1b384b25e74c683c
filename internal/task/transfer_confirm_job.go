package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/investment"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
	"github.com/blues/microfund/internal/settlement"
	"github.com/go-co-op/gocron/v2"
	"github.com/panjf2000/ants/v2"
)

const (
	confirmBatchSize = 200
	defaultDropAfter = 15 * time.Minute
)

// TransferConfirmJob 跟进待确认的交易，迟到的确认在这里入账
type TransferConfirmJob struct {
	store     *ledger.Store
	client    campaign.Client
	recorder  *investment.Recorder
	processor *settlement.Processor
	config    *config.Config
	now       func() time.Time
}

// NewTransferConfirmJob 创建交易确认任务
func NewTransferConfirmJob(store *ledger.Store, client campaign.Client, recorder *investment.Recorder, processor *settlement.Processor, cfg *config.Config) *TransferConfirmJob {
	return &TransferConfirmJob{
		store:     store,
		client:    client,
		recorder:  recorder,
		processor: processor,
		config:    cfg,
		now:       time.Now,
	}
}

// GetName 获取任务名称
func (j *TransferConfirmJob) GetName() string {
	return "transfer_confirmer"
}

// GetSchedule 获取调度配置
func (j *TransferConfirmJob) GetSchedule() gocron.JobDefinition {
	return interval(j.config)
}

// Execute 执行任务
func (j *TransferConfirmJob) Execute() {
	timeout := j.config.Settlement.ConfirmTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()

	j.run(ctx)
}

func (j *TransferConfirmJob) run(ctx context.Context) int64 {
	transfers, err := j.store.PendingTransfers(ctx, confirmBatchSize)
	if err != nil {
		logger.Error("Failed to fetch pending transfers: %v", err)
		return 0
	}
	if len(transfers) == 0 {
		logger.Debug("No pending transfers")
		return 0
	}

	workers := j.config.Reconcile.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		logger.Error("Failed to create confirm pool: %v", err)
		return 0
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		settled atomic.Int64
	)
	for i := range transfers {
		transfer := transfers[i]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if j.confirm(ctx, &transfer) {
				settled.Add(1)
			}
		})
		if err != nil {
			wg.Done()
			logger.Error("Failed to submit transfer %s to pool: %v", transfer.Hash(), err)
		}
	}
	wg.Wait()

	logger.Info("Transfer confirm task completed. %d of %d pending transfers settled", settled.Load(), len(transfers))
	return settled.Load()
}

// confirm 查询单笔交易状态并交给对应模块处理，返回是否已不再待确认
func (j *TransferConfirmJob) confirm(ctx context.Context, transfer *model.TransferRecordModel) bool {
	receipt, err := j.client.TransferStatus(ctx, transfer.Hash())
	if err != nil {
		logger.Warn("Failed to query transfer %s: %v", transfer.Hash(), err)
		return false
	}
	if receipt.Status == campaign.TxPending {
		return j.expire(ctx, transfer, receipt)
	}

	if transfer.Kind == model.TransferKindInvest {
		err = j.recorder.ConfirmTransfer(ctx, transfer, receipt)
	} else {
		err = j.processor.ConfirmTransfer(ctx, transfer, receipt)
	}
	if err != nil {
		logger.Error("Failed to settle %s transfer %s: %v", transfer.Kind, transfer.Hash(), err)
		return false
	}
	return true
}

// expire 节点已不认识且超过 drop_after 的待确认交易标记为失败，释放额度和在途状态
func (j *TransferConfirmJob) expire(ctx context.Context, transfer *model.TransferRecordModel, receipt campaign.Receipt) bool {
	if !receipt.Dropped {
		return false
	}

	dropAfter := j.config.Settlement.DropAfter
	if dropAfter <= 0 {
		dropAfter = defaultDropAfter
	}
	age := j.now().Sub(transfer.CreatedAt)
	if age < dropAfter {
		logger.Debug("Transfer %s unknown to the node for %s, waiting", transfer.Hash(), age)
		return false
	}

	logger.Warn("Transfer %s (%s, project %d) dropped after %s, marking failed", transfer.Hash(), transfer.Kind, transfer.ProjectId, age)
	if err := j.store.MarkTransfer(ctx, transfer.Id, model.TransferStatusFailed, 0, apperr.ReasonDropped); err != nil {
		logger.Error("Failed to mark transfer %s dropped: %v", transfer.Hash(), err)
		return false
	}
	return true
}
