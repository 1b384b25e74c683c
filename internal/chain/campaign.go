package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// 合约事件
const (
	eventInvestmentMade     = "InvestmentMade"
	eventFundsDistributed   = "FundsDistributed"
	eventInvestmentReturned = "InvestmentReturned"
	eventReturnsWithdrawn   = "ReturnsWithdrawn"
	eventRefunded           = "Refunded"
)

const (
	defaultCallTimeout    = 10 * time.Second
	defaultConfirmTimeout = 45 * time.Second
)

// CampaignContract 通过众筹合约实现 campaign.Client
type CampaignContract struct {
	manager        *Manager
	contract       *Contract
	bound          *bind.BoundContract
	callTimeout    time.Duration
	confirmTimeout time.Duration
}

// NewCampaignContract 创建合约客户端
func NewCampaignContract(manager *Manager, contract *Contract, cfg config.SettlementConfig) *CampaignContract {
	client := manager.GetClient()
	return &CampaignContract{
		manager:        manager,
		contract:       contract,
		bound:          bind.NewBoundContract(contract.GetAddress(), contract.GetABI(), client, client, client),
		callTimeout:    cfg.CallTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
	}
}

// callContext 单次节点调用的超时
func (c *CampaignContract) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.callTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// waitContext 等待交易上链的超时
func (c *CampaignContract) waitContext(ctx context.Context) (context.Context, context.CancelFunc, time.Duration) {
	timeout := c.confirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, timeout
}

var _ campaign.Client = (*CampaignContract)(nil)

func (c *CampaignContract) GetCampaign(ctx context.Context, campaignID uint64) (campaign.Snapshot, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: callCtx}, &out, "getCampaign", new(big.Int).SetUint64(campaignID)); err != nil {
		return campaign.Snapshot{}, fmt.Errorf("failed to read campaign %d: %w", campaignID, err)
	}
	snap, err := decodeCampaign(out)
	if err != nil {
		return campaign.Snapshot{}, fmt.Errorf("failed to decode campaign %d: %w", campaignID, err)
	}
	snap.ID = campaignID
	return snap, nil
}

func (c *CampaignContract) GetInvestment(ctx context.Context, campaignID uint64, wallet string) (*big.Int, error) {
	if !common.IsHexAddress(wallet) {
		return nil, apperr.Validation("invalid wallet address %q", wallet)
	}
	return c.callUint(ctx, "getInvestment", new(big.Int).SetUint64(campaignID), common.HexToAddress(wallet))
}

func (c *CampaignContract) GetRequiredPayment(ctx context.Context, campaignID uint64) (*big.Int, error) {
	return c.callUint(ctx, "getRequiredPayment", new(big.Int).SetUint64(campaignID))
}

func (c *CampaignContract) Invest(ctx context.Context, campaignID uint64, from string, amount *big.Int) (campaign.Receipt, error) {
	return c.transact(ctx, from, amount, eventInvestmentMade, "invest", new(big.Int).SetUint64(campaignID))
}

func (c *CampaignContract) DistributeFunds(ctx context.Context, campaignID uint64, from string) (campaign.Receipt, error) {
	return c.transact(ctx, from, nil, eventFundsDistributed, "distributeFunds", new(big.Int).SetUint64(campaignID))
}

func (c *CampaignContract) ReturnInvestment(ctx context.Context, campaignID uint64, from string, payment *big.Int) (campaign.Receipt, error) {
	return c.transact(ctx, from, payment, eventInvestmentReturned, "returnInvestment", new(big.Int).SetUint64(campaignID))
}

func (c *CampaignContract) WithdrawReturns(ctx context.Context, campaignID uint64, from string) (campaign.Receipt, error) {
	return c.transact(ctx, from, nil, eventReturnsWithdrawn, "withdrawReturns", new(big.Int).SetUint64(campaignID))
}

func (c *CampaignContract) Refund(ctx context.Context, campaignID uint64, from string) (campaign.Receipt, error) {
	return c.transact(ctx, from, nil, eventRefunded, "refund", new(big.Int).SetUint64(campaignID))
}

// TransferStatus 查询交易状态，未上链或确认数不足时为 pending，节点不认识的交易标记为 Dropped
func (c *CampaignContract) TransferStatus(ctx context.Context, txHash string) (campaign.Receipt, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	client := c.manager.GetClient()
	hash := common.HexToHash(txHash)
	receipt, err := client.TransactionReceipt(callCtx, hash)
	if err == nil {
		return c.toReceipt(ctx, receipt, ""), nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return campaign.Receipt{}, fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}

	// 没有回执时确认交易是否还在交易池中
	pending := campaign.Receipt{TxHash: txHash, Status: campaign.TxPending}
	if _, _, err := client.TransactionByHash(callCtx, hash); err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return campaign.Receipt{}, fmt.Errorf("failed to get transaction %s: %w", txHash, err)
		}
		pending.Dropped = true
	}
	return pending, nil
}

func (c *CampaignContract) callUint(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: callCtx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}

// transact 签名并广播交易，然后在超时内等待上链
func (c *CampaignContract) transact(ctx context.Context, from string, value *big.Int, event, method string, params ...interface{}) (campaign.Receipt, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	opts, err := c.manager.TransactOpts(callCtx, from)
	if err != nil {
		return campaign.Receipt{}, err
	}
	opts.Value = value

	tx, err := c.bound.Transact(opts, method, params...)
	if err != nil {
		reason := classifyError(err)
		logger.Warn("%s from %s rejected before broadcast (%s): %v", method, from, reason, err)
		return campaign.Receipt{}, apperr.ExternalTransfer(reason, "", err)
	}

	txHash := tx.Hash().Hex()
	logger.Info("Submitted %s from %s, tx %s", method, from, txHash)

	waitCtx, cancelWait, timeout := c.waitContext(ctx)
	defer cancelWait()

	receipt, err := bind.WaitMined(waitCtx, c.manager.GetClient(), tx)
	if err != nil {
		// 已广播的交易无法撤回，交给确认任务跟进
		logger.Warn("Transaction %s not mined within %s: %v", txHash, timeout, err)
		return campaign.Receipt{TxHash: txHash, Status: campaign.TxPending}, nil
	}

	result := c.toReceipt(ctx, receipt, event)
	if result.Status == campaign.TxFailed {
		return result, apperr.ExternalTransfer(apperr.ReasonReverted, txHash, fmt.Errorf("%s reverted in block %d", method, receipt.BlockNumber.Uint64()))
	}
	return result, nil
}

// toReceipt 转换链上回执，确认数不足时视为 pending
func (c *CampaignContract) toReceipt(ctx context.Context, receipt *types.Receipt, event string) campaign.Receipt {
	result := campaign.Receipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if receipt.Status == types.ReceiptStatusFailed {
		result.Status = campaign.TxFailed
		return result
	}

	result.Status = campaign.TxConfirmed
	if confirmations := c.manager.GetConfig().Confirmations; confirmations > 1 {
		callCtx, cancel := c.callContext(ctx)
		latest, err := c.manager.CurrentBlockNumber(callCtx)
		cancel()
		if err != nil || latest+1 < result.BlockNumber+uint64(confirmations) {
			result.Status = campaign.TxPending
		}
	}

	if event == "" {
		event = c.eventForLogs(receipt)
	}
	if event != "" {
		result.Amount = c.contract.EventAmount(receipt, event)
	}
	return result
}

// eventForLogs 按日志中出现的事件推断金额来源
func (c *CampaignContract) eventForLogs(receipt *types.Receipt) string {
	for _, name := range []string{eventReturnsWithdrawn, eventRefunded, eventInvestmentMade, eventFundsDistributed, eventInvestmentReturned} {
		if c.contract.EventAmount(receipt, name) != nil {
			return name
		}
	}
	return ""
}

// decodeCampaign 解析 getCampaign 的多返回值
func decodeCampaign(out []interface{}) (campaign.Snapshot, error) {
	if len(out) != 12 {
		return campaign.Snapshot{}, fmt.Errorf("expected 12 values, got %d", len(out))
	}

	uints := make([]*big.Int, 7)
	for i := range uints {
		v, ok := out[i].(*big.Int)
		if !ok {
			return campaign.Snapshot{}, fmt.Errorf("value %d: expected *big.Int, got %T", i, out[i])
		}
		uints[i] = v
	}
	flags := make([]bool, 4)
	for i := range flags {
		v, ok := out[7+i].(bool)
		if !ok {
			return campaign.Snapshot{}, fmt.Errorf("value %d: expected bool, got %T", 7+i, out[7+i])
		}
		flags[i] = v
	}
	owner, ok := out[11].(common.Address)
	if !ok {
		return campaign.Snapshot{}, fmt.Errorf("value 11: expected address, got %T", out[11])
	}

	snap := campaign.Snapshot{
		CompanyID:          uints[0].Uint64(),
		FundingGoal:        uints[1],
		MinInvestment:      uints[2],
		ExpectedReturnBps:  uints[3].Uint64(),
		DailyPenaltyBps:    uints[4].Uint64(),
		TotalRaised:        uints[6],
		Active:             flags[0],
		GoalReached:        flags[1],
		FundsDistributed:   flags[2],
		ReturnsDistributed: flags[3],
		Owner:              owner.Hex(),
	}
	if uints[5].Sign() > 0 {
		snap.PaymentDeadline = time.Unix(uints[5].Int64(), 0).UTC()
	}
	return snap, nil
}
