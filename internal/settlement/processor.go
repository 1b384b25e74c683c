package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
)

// Command 结算操作请求
type Command struct {
	ProjectID int64
	Wallet    string
	Payment   *big.Int // 仅归还本息使用，为空时按当前应付金额支付
}

// Result 结算操作结果
type Result struct {
	ProjectID  int64                `json:"project_id"`
	Operation  model.TransferKind   `json:"operation"`
	Status     model.TransferStatus `json:"status"`
	TxHash     string               `json:"tx_hash,omitempty"`
	TransferID int64                `json:"transfer_id,omitempty"`
	Amount     string               `json:"amount,omitempty"` // 最小单位
}

// Processor 发起人与投资人的结算操作
type Processor struct {
	store  *ledger.Store
	client campaign.Client
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewProcessor 创建结算处理器
func NewProcessor(store *ledger.Store, client campaign.Client) *Processor {
	return &Processor{
		store:    store,
		client:   client,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// operation 一次结算操作的差异部分
type operation struct {
	kind     model.TransferKind
	perActor bool // 幂等按钱包区分
	already  string
	check    func(snap campaign.Snapshot, done bool) error
	submit   func(ctx context.Context, campaignID uint64) (campaign.Receipt, error)
}

// DistributeFunds 发起人提取募集资金
func (p *Processor) DistributeFunds(ctx context.Context, cmd Command) (Result, error) {
	return p.run(ctx, cmd, operation{
		kind:    model.TransferKindDistribute,
		already: apperr.CodeAlreadyDistributed,
		check: func(snap campaign.Snapshot, done bool) error {
			return campaign.CheckDistribute(snap, cmd.Wallet)
		},
		submit: func(ctx context.Context, campaignID uint64) (campaign.Receipt, error) {
			return p.client.DistributeFunds(ctx, campaignID, cmd.Wallet)
		},
	})
}

// ReturnInvestment 发起人归还本息，应付金额在提交前重新查询
func (p *Processor) ReturnInvestment(ctx context.Context, cmd Command) (Result, error) {
	var payment *big.Int
	return p.run(ctx, cmd, operation{
		kind:    model.TransferKindReturn,
		already: apperr.CodeAlreadyReturned,
		check: func(snap campaign.Snapshot, done bool) error {
			if !snap.IsOwner(cmd.Wallet) {
				return apperr.Authorization("only the campaign owner can return the investment")
			}
			if snap.ReturnsDistributed {
				return apperr.Conflict(apperr.CodeAlreadyReturned, "campaign %d already returned", snap.ID)
			}
			required, err := p.client.GetRequiredPayment(ctx, snap.ID)
			if err != nil {
				return apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
			}
			payment = cmd.Payment
			if payment == nil {
				payment = required
			}
			return campaign.CheckReturn(snap, cmd.Wallet, payment, required)
		},
		submit: func(ctx context.Context, campaignID uint64) (campaign.Receipt, error) {
			return p.client.ReturnInvestment(ctx, campaignID, cmd.Wallet, payment)
		},
	})
}

// WithdrawReturns 投资人提取按比例分配的本息
func (p *Processor) WithdrawReturns(ctx context.Context, cmd Command) (Result, error) {
	return p.run(ctx, cmd, operation{
		kind:     model.TransferKindWithdraw,
		perActor: true,
		already:  apperr.CodeAlreadyWithdrawn,
		check: func(snap campaign.Snapshot, done bool) error {
			if done {
				return campaign.CheckWithdraw(snap, nil, true)
			}
			contribution, err := p.client.GetInvestment(ctx, snap.ID, cmd.Wallet)
			if err != nil {
				return apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
			}
			return campaign.CheckWithdraw(snap, contribution, false)
		},
		submit: func(ctx context.Context, campaignID uint64) (campaign.Receipt, error) {
			return p.client.WithdrawReturns(ctx, campaignID, cmd.Wallet)
		},
	})
}

// Refund 募资失败后投资人取回出资
func (p *Processor) Refund(ctx context.Context, cmd Command) (Result, error) {
	return p.run(ctx, cmd, operation{
		kind:     model.TransferKindRefund,
		perActor: true,
		already:  apperr.CodeAlreadyRefunded,
		check: func(snap campaign.Snapshot, done bool) error {
			if done {
				return campaign.CheckRefund(snap, nil, true, p.now())
			}
			contribution, err := p.client.GetInvestment(ctx, snap.ID, cmd.Wallet)
			if err != nil {
				return apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
			}
			if err := campaign.CheckRefund(snap, contribution, false, p.now()); err != nil {
				return err
			}
			p.markFailed(ctx, cmd.ProjectID)
			return nil
		},
		submit: func(ctx context.Context, campaignID uint64) (campaign.Receipt, error) {
			return p.client.Refund(ctx, campaignID, cmd.Wallet)
		},
	})
}

func (p *Processor) run(ctx context.Context, cmd Command, op operation) (Result, error) {
	cmd.Wallet = ledger.NormalizeWallet(cmd.Wallet)
	if cmd.Wallet == "" {
		return Result{}, apperr.Validation("wallet is required")
	}

	project, campaignID, err := p.campaignProject(ctx, cmd.ProjectID)
	if err != nil {
		return Result{}, err
	}

	release, ok := p.acquire(campaignID, op.kind, cmd.Wallet)
	if !ok {
		return Result{}, apperr.Conflict(apperr.CodeOperationInFlight, "%s for campaign %d is already in progress", op.kind, campaignID)
	}
	defer release()

	wallet := ""
	if op.perActor {
		wallet = cmd.Wallet
	}
	prior, err := p.store.FindTransfer(ctx, campaignID, op.kind, wallet, model.TransferStatusPending, model.TransferStatusConfirmed)
	if err != nil {
		return Result{}, err
	}
	if prior != nil && prior.Status == model.TransferStatusPending {
		return Result{}, apperr.Conflict(apperr.CodeOperationInFlight, "%s for campaign %d awaits confirmation of %s", op.kind, campaignID, prior.Hash())
	}
	done := prior != nil

	snap, err := p.client.GetCampaign(ctx, campaignID)
	if err != nil {
		return Result{}, apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
	}
	if err := op.check(snap, done); err != nil {
		return Result{}, err
	}
	if done {
		return Result{}, apperr.Conflict(op.already, "%s for campaign %d already confirmed in %s", op.kind, campaignID, prior.Hash())
	}

	receipt, err := op.submit(ctx, campaignID)
	if err != nil {
		if receipt.TxHash != "" {
			p.recordTransfer(ctx, project.Id, campaignID, op.kind, cmd.Wallet, receipt, err.Error())
		}
		logger.Warn("%s for project %d by %s rejected: %v", op.kind, project.Id, cmd.Wallet, err)
		return Result{}, err
	}

	transfer := p.recordTransfer(ctx, project.Id, campaignID, op.kind, cmd.Wallet, receipt, "")
	result := Result{
		ProjectID: project.Id,
		Operation: op.kind,
		Status:    model.TransferStatus(receipt.Status),
		TxHash:    receipt.TxHash,
	}
	if transfer != nil {
		result.TransferID = transfer.Id
	}
	if receipt.Amount != nil {
		result.Amount = receipt.Amount.String()
	}

	if receipt.Status == campaign.TxPending {
		return result, apperr.Pending(receipt.TxHash, nil)
	}

	p.mirror(ctx, project.Id, op.kind)
	logger.Info("%s for project %d by %s confirmed in tx %s", op.kind, project.Id, cmd.Wallet, receipt.TxHash)
	return result, nil
}

// ConfirmTransfer 处理迟到的结算交易确认
func (p *Processor) ConfirmTransfer(ctx context.Context, transfer *model.TransferRecordModel, receipt campaign.Receipt) error {
	switch receipt.Status {
	case campaign.TxPending:
		return nil
	case campaign.TxFailed:
		logger.Warn("%s transfer %s failed on settlement layer", transfer.Kind, transfer.Hash())
		return p.store.MarkTransfer(ctx, transfer.Id, model.TransferStatusFailed, int64(receipt.BlockNumber), apperr.ReasonReverted)
	}

	if err := p.store.MarkTransfer(ctx, transfer.Id, model.TransferStatusConfirmed, int64(receipt.BlockNumber), ""); err != nil {
		return err
	}
	p.mirror(ctx, transfer.ProjectId, transfer.Kind)
	return nil
}

// mirror 结算层确认后同步账本中的项目状态
func (p *Processor) mirror(ctx context.Context, projectID int64, kind model.TransferKind) {
	var status model.ProjectStatus
	switch kind {
	case model.TransferKindDistribute:
		status = model.ProjectStatusFundsDistributed
	case model.TransferKindReturn:
		status = model.ProjectStatusReturned
	default:
		return
	}
	if _, err := p.store.Transition(ctx, projectID, status); err != nil {
		logger.Error("Failed to mirror %s into project %d: %v", status, projectID, err)
	}
}

// markFailed 结算层判定失败后同步账本状态
func (p *Processor) markFailed(ctx context.Context, projectID int64) {
	changed, err := p.store.Transition(ctx, projectID, model.ProjectStatusFailed)
	if err != nil {
		logger.Warn("Failed to mark project %d failed: %v", projectID, err)
		return
	}
	if changed {
		logger.Info("Project %d missed its goal before the deadline", projectID)
	}
}

func (p *Processor) recordTransfer(ctx context.Context, projectID int64, campaignID uint64, kind model.TransferKind, wallet string, receipt campaign.Receipt, reason string) *model.TransferRecordModel {
	hash := receipt.TxHash
	transfer := &model.TransferRecordModel{
		ProjectId:     projectID,
		CampaignId:    campaignID,
		Kind:          kind,
		Wallet:        wallet,
		BaseAmount:    ledger.FormatBase(receipt.Amount),
		TxHash:        &hash,
		BlockNum:      int64(receipt.BlockNumber),
		Status:        model.TransferStatus(receipt.Status),
		FailureReason: reason,
	}
	if err := p.store.CreateTransfer(ctx, transfer); err != nil {
		logger.Error("Failed to record %s transfer %s for project %d: %v", kind, hash, projectID, err)
		return nil
	}
	return transfer
}

func (p *Processor) campaignProject(ctx context.Context, projectID int64) (*model.ProjectModel, uint64, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	if project.FundingMode != model.FundingModeOnchain || project.CampaignId == nil {
		return nil, 0, apperr.Conflict(apperr.CodeInvalidTransition, "project %d is not bound to a settlement campaign", projectID)
	}
	return project, *project.CampaignId, nil
}

// acquire 同一活动、同一操作、同一调用方同时只允许一个请求
func (p *Processor) acquire(campaignID uint64, kind model.TransferKind, wallet string) (func(), bool) {
	key := fmt.Sprintf("%d:%s:%s", campaignID, kind, wallet)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return nil, false
	}
	p.inflight[key] = struct{}{}

	return func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}, true
}
