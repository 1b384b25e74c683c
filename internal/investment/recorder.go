package investment

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
	"github.com/blues/microfund/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvestCommand 投资请求
type InvestCommand struct {
	ProjectID      int64
	Wallet         string
	Amount         decimal.Decimal
	IdempotencyKey string // 同一键不会重复提交
}

// InvestResult 投资结果
type InvestResult struct {
	ProjectID  int64                `json:"project_id"`
	Status     model.TransferStatus `json:"status"`
	TxHash     string               `json:"tx_hash,omitempty"`
	TransferID int64                `json:"transfer_id,omitempty"`
	RecordID   int64                `json:"record_id,omitempty"`
	Replayed   bool                 `json:"replayed"`
	Aggregate  *ledger.Aggregate    `json:"-"`
}

// Recorder 校验并记录一笔投资
type Recorder struct {
	store     *ledger.Store
	client    campaign.Client
	converter *money.Converter
	now       func() time.Time

	mu       sync.Mutex
	reserved map[int64]decimal.Decimal // 已通过校验、尚未写入交易记录的金额
	keys     map[string]struct{}       // 提交中的幂等键
}

// NewRecorder 创建投资记录器
func NewRecorder(store *ledger.Store, client campaign.Client, converter *money.Converter) *Recorder {
	return &Recorder{
		store:     store,
		client:    client,
		converter: converter,
		now:       time.Now,
		reserved:  make(map[int64]decimal.Decimal),
		keys:      make(map[string]struct{}),
	}
}

// Invest 投资入口。链上项目先提交结算层交易，确认后才写入账本
func (r *Recorder) Invest(ctx context.Context, cmd InvestCommand) (InvestResult, error) {
	cmd.Wallet = ledger.NormalizeWallet(cmd.Wallet)
	if cmd.Wallet == "" {
		return InvestResult{}, apperr.Validation("wallet is required")
	}
	if !cmd.Amount.IsPositive() {
		return InvestResult{}, apperr.Validation("amount must be positive")
	}

	project, err := r.store.GetProject(ctx, cmd.ProjectID)
	if err != nil {
		return InvestResult{}, err
	}

	if project.FundingMode == model.FundingModeLedgerOnly {
		return r.investLedgerOnly(ctx, project, cmd)
	}
	return r.investOnchain(ctx, project, cmd)
}

// investLedgerOnly 未绑定结算层的项目只记账
func (r *Recorder) investLedgerOnly(ctx context.Context, project *model.ProjectModel, cmd InvestCommand) (InvestResult, error) {
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	res, err := r.store.ApplyInvestment(ctx, ledger.Application{
		ProjectID:   project.Id,
		Wallet:      cmd.Wallet,
		Amount:      cmd.Amount,
		DedupeKey:   "ledger:" + key,
		RoiSnapshot: roiPercent(project),
	})
	if err != nil {
		return InvestResult{}, err
	}

	return InvestResult{
		ProjectID: project.Id,
		Status:    model.TransferStatusConfirmed,
		RecordID:  res.RecordID,
		Replayed:  res.Replayed,
		Aggregate: &res.Aggregate,
	}, nil
}

func (r *Recorder) investOnchain(ctx context.Context, project *model.ProjectModel, cmd InvestCommand) (InvestResult, error) {
	if project.CampaignId == nil {
		return InvestResult{}, apperr.Conflict(apperr.CodeProjectNotActive, "project %d has no campaign bound", project.Id)
	}
	campaignID := *project.CampaignId

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key != "" {
		done, err := r.claimKey(project.Id, key)
		if err != nil {
			return InvestResult{}, err
		}
		defer done()

		res, found, err := r.replay(ctx, project, cmd, key)
		if found || err != nil {
			return res, err
		}
	}

	if err := ledger.CheckAcceptsInvestment(project); err != nil {
		return InvestResult{}, err
	}
	if cmd.Amount.LessThan(project.MinimumInvestment) {
		return InvestResult{}, apperr.Validation("amount %s is below the minimum investment %s", cmd.Amount, project.MinimumInvestment)
	}

	hold, err := r.reserve(ctx, project.Id, cmd.Amount)
	if err != nil {
		return InvestResult{}, err
	}
	defer r.release(hold)

	base, err := r.converter.ToBaseUnit(ctx, cmd.Amount, project.Currency)
	if err != nil {
		return InvestResult{}, err
	}
	if base.Sign() <= 0 {
		return InvestResult{}, apperr.Validation("amount %s is below one settlement unit", cmd.Amount)
	}

	snap, err := r.client.GetCampaign(ctx, campaignID)
	if err != nil {
		return InvestResult{}, apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
	}
	if err := campaign.CheckInvest(snap, base, r.now()); err != nil {
		return InvestResult{}, err
	}

	receipt, err := r.client.Invest(ctx, campaignID, cmd.Wallet, base)
	if err != nil {
		if receipt.TxHash != "" {
			r.recordTransfer(ctx, project, campaignID, cmd, key, base, receipt, model.TransferStatus(receipt.Status), err.Error())
		}
		logger.Warn("Investment of %s into project %d by %s rejected: %v", cmd.Amount, project.Id, cmd.Wallet, err)
		return InvestResult{}, err
	}

	// 先以 pending 落库，入账成功后再标记确认
	transfer := r.handOver(ctx, project, campaignID, cmd, key, base, receipt, hold)

	result := InvestResult{
		ProjectID: project.Id,
		Status:    model.TransferStatusPending,
		TxHash:    receipt.TxHash,
	}
	var transferID int64
	if transfer != nil {
		transferID = transfer.Id
		result.TransferID = transferID
	}

	if receipt.Status == campaign.TxPending {
		return result, apperr.Pending(receipt.TxHash, nil)
	}

	res, err := r.apply(ctx, project, cmd.Wallet, cmd.Amount, base, receipt.TxHash)
	if err != nil {
		err = r.applyFailed(ctx, transferID, receipt, err)
		if apperr.KindOf(err) != apperr.KindPendingConfirmation {
			result.Status = model.TransferStatusConfirmed
		}
		return result, err
	}
	if transfer != nil {
		if err := r.store.MarkTransfer(ctx, transferID, model.TransferStatusConfirmed, int64(receipt.BlockNumber), ""); err != nil {
			// 账本已入账，交易记录保持 pending，确认任务重放时不会重复入账
			logger.Error("Failed to mark invest transfer %s confirmed: %v", receipt.TxHash, err)
		}
	}

	result.Status = model.TransferStatusConfirmed
	result.RecordID = res.RecordID
	result.Replayed = res.Replayed
	result.Aggregate = &res.Aggregate
	return result, nil
}

// claimKey 同一幂等键同时只允许一个请求提交
func (r *Recorder) claimKey(projectID int64, key string) (func(), error) {
	k := fmt.Sprintf("%d:%s", projectID, key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.keys[k]; busy {
		return nil, apperr.Conflict(apperr.CodeOperationInFlight, "investment with idempotency key %s is in flight", key)
	}
	r.keys[k] = struct{}{}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.keys, k)
	}, nil
}

// replay 幂等键已有未失败的交易时返回原结果，不再提交新交易
func (r *Recorder) replay(ctx context.Context, project *model.ProjectModel, cmd InvestCommand, key string) (InvestResult, bool, error) {
	transfer, err := r.store.TransferByRequestKey(ctx, project.Id, key)
	if err != nil || transfer == nil {
		return InvestResult{}, false, err
	}
	if transfer.Wallet != cmd.Wallet || !transfer.Amount.Equal(cmd.Amount) {
		return InvestResult{}, true, apperr.Validation("idempotency key %s was already used for a different investment", key)
	}

	result := InvestResult{
		ProjectID:  project.Id,
		Status:     transfer.Status,
		TxHash:     transfer.Hash(),
		TransferID: transfer.Id,
		Replayed:   true,
	}
	logger.Info("Investment with idempotency key %s for project %d already submitted as %s", key, project.Id, transfer.Hash())

	if transfer.Status == model.TransferStatusPending {
		return result, true, apperr.Pending(transfer.Hash(), nil)
	}

	record, err := r.store.InvestmentByDedupeKey(ctx, transfer.Hash())
	if err != nil {
		return result, true, err
	}
	if record != nil {
		result.RecordID = record.Id
	}
	current, err := r.store.GetProject(ctx, project.Id)
	if err != nil {
		return result, true, err
	}
	agg := ledger.AggregateOf(current)
	result.Aggregate = &agg
	return result, true, nil
}

// reservation 已通过额度校验、尚未落库的投资金额
type reservation struct {
	projectID int64
	amount    decimal.Decimal
	released  bool
}

// reserve 在锁内重新读取项目，校验 raised + 待确认 + 在途 + 本次 <= target，并占用额度
func (r *Recorder) reserve(ctx context.Context, projectID int64, amount decimal.Decimal) (*reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pending, err := r.store.PendingInvestAmount(ctx, projectID)
	if err != nil {
		return nil, err
	}

	committed := project.RaisedAmount.Add(pending).Add(r.reserved[projectID])
	if committed.Add(amount).GreaterThan(project.TargetAmount) {
		left := project.TargetAmount.Sub(committed)
		if left.IsNegative() {
			left = decimal.Zero
		}
		return nil, apperr.Validation("amount %s exceeds the remaining goal %s", amount, left)
	}
	r.reserved[projectID] = r.reserved[projectID].Add(amount)
	return &reservation{projectID: projectID, amount: amount}, nil
}

func (r *Recorder) release(hold *reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(hold)
}

// releaseLocked 需持有 r.mu
func (r *Recorder) releaseLocked(hold *reservation) {
	if hold.released {
		return
	}
	hold.released = true

	left := r.reserved[hold.projectID].Sub(hold.amount)
	if left.IsPositive() {
		r.reserved[hold.projectID] = left
	} else {
		delete(r.reserved, hold.projectID)
	}
}

// handOver 在锁内写入 pending 交易记录并释放额度占用，之后由待确认交易计入额度。
// 记录写入失败时保留占用，直到请求结束
func (r *Recorder) handOver(ctx context.Context, project *model.ProjectModel, campaignID uint64, cmd InvestCommand, key string, base *big.Int, receipt campaign.Receipt, hold *reservation) *model.TransferRecordModel {
	r.mu.Lock()
	defer r.mu.Unlock()

	transfer := r.recordTransfer(ctx, project, campaignID, cmd, key, base, receipt, model.TransferStatusPending, "")
	if transfer != nil {
		r.releaseLocked(hold)
	}
	return transfer
}

func (r *Recorder) recordTransfer(ctx context.Context, project *model.ProjectModel, campaignID uint64, cmd InvestCommand, key string, base *big.Int, receipt campaign.Receipt, status model.TransferStatus, reason string) *model.TransferRecordModel {
	hash := receipt.TxHash
	transfer := &model.TransferRecordModel{
		ProjectId:     project.Id,
		CampaignId:    campaignID,
		Kind:          model.TransferKindInvest,
		Wallet:        cmd.Wallet,
		RequestKey:    key,
		Amount:        cmd.Amount,
		BaseAmount:    base.String(),
		TxHash:        &hash,
		BlockNum:      int64(receipt.BlockNumber),
		Status:        status,
		FailureReason: reason,
	}
	if err := r.store.CreateTransfer(ctx, transfer); err != nil {
		// 交易已提交，记录失败不能回滚，由对账发现
		logger.Error("Failed to record invest transfer %s for project %d: %v", hash, project.Id, err)
		return nil
	}
	return transfer
}

// apply 在锁内入账，额度校验读到的 raised 与待确认金额不会同时包含或同时遗漏这笔投资
func (r *Recorder) apply(ctx context.Context, project *model.ProjectModel, wallet string, amount decimal.Decimal, base *big.Int, txHash string) (ledger.ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.store.ApplyInvestment(ctx, ledger.Application{
		ProjectID:   project.Id,
		Wallet:      wallet,
		Amount:      amount,
		BaseAmount:  base,
		DedupeKey:   txHash,
		TxHash:      txHash,
		RoiSnapshot: roiPercent(project),
	})
	if err != nil {
		logger.Error("Confirmed investment %s could not be applied to project %d: %v", txHash, project.Id, err)
	}
	return res, err
}

// applyFailed 已确认交易入账失败：账本拒绝时标记确认并记录原因，其他错误保持 pending 由确认任务重试
func (r *Recorder) applyFailed(ctx context.Context, transferID int64, receipt campaign.Receipt, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindStateConflict:
		if transferID > 0 {
			_ = r.store.MarkTransfer(ctx, transferID, model.TransferStatusConfirmed, int64(receipt.BlockNumber), "ledger rejected: "+err.Error())
		}
		return err
	}
	return apperr.Pending(receipt.TxHash, nil)
}

// ConfirmTransfer 处理迟到的投资确认，重复调用不会重复入账
func (r *Recorder) ConfirmTransfer(ctx context.Context, transfer *model.TransferRecordModel, receipt campaign.Receipt) error {
	if transfer.Kind != model.TransferKindInvest {
		return apperr.Validation("transfer %d is not an investment", transfer.Id)
	}

	switch receipt.Status {
	case campaign.TxPending:
		return nil
	case campaign.TxFailed:
		logger.Warn("Investment transfer %s failed on settlement layer", transfer.Hash())
		return r.store.MarkTransfer(ctx, transfer.Id, model.TransferStatusFailed, int64(receipt.BlockNumber), apperr.ReasonReverted)
	}

	project, err := r.store.GetProject(ctx, transfer.ProjectId)
	if err != nil {
		return err
	}

	// 先入账再标记确认，临时错误时交易记录保持 pending 以便重试
	if _, err := r.apply(ctx, project, transfer.Wallet, transfer.Amount, ledger.ParseBase(transfer.BaseAmount), transfer.Hash()); err != nil {
		r.applyFailed(ctx, transfer.Id, receipt, err)
		return err
	}
	return r.store.MarkTransfer(ctx, transfer.Id, model.TransferStatusConfirmed, int64(receipt.BlockNumber), "")
}

func roiPercent(project *model.ProjectModel) decimal.Decimal {
	return decimal.NewFromInt(project.ExpectedROIBps).Div(decimal.NewFromInt(100))
}
