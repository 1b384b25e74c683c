package campaign

import (
	"context"
	"math/big"
)

// TxStatus 结算层交易状态
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Receipt 交易回执。Status 为 pending 表示已提交但在超时内未确认
type Receipt struct {
	TxHash      string   `json:"tx_hash"`
	Status      TxStatus `json:"status"`
	BlockNumber uint64   `json:"block_number"`
	Amount      *big.Int `json:"amount,omitempty"` // 提现或退款到账金额
	Dropped     bool     `json:"dropped,omitempty"` // 节点已不认识该交易（被丢弃或被替换）
}

// Client 结算层。所有写操作都是提交后等待确认的异步交易，
// 被拒绝时返回 apperr.ExternalTransfer，超时返回 pending 回执。
type Client interface {
	Invest(ctx context.Context, campaignID uint64, from string, amount *big.Int) (Receipt, error)
	GetCampaign(ctx context.Context, campaignID uint64) (Snapshot, error)
	GetInvestment(ctx context.Context, campaignID uint64, wallet string) (*big.Int, error)
	GetRequiredPayment(ctx context.Context, campaignID uint64) (*big.Int, error)
	DistributeFunds(ctx context.Context, campaignID uint64, from string) (Receipt, error)
	ReturnInvestment(ctx context.Context, campaignID uint64, from string, payment *big.Int) (Receipt, error)
	WithdrawReturns(ctx context.Context, campaignID uint64, from string) (Receipt, error)
	Refund(ctx context.Context, campaignID uint64, from string) (Receipt, error)
	TransferStatus(ctx context.Context, txHash string) (Receipt, error)
}
