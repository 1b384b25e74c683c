package settlement

import (
	"context"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/model"
	"github.com/shopspring/decimal"
)

// PaymentQuote 发起人当前应付的本息
type PaymentQuote struct {
	ProjectID int64  `json:"project_id"`
	Principal string `json:"principal"`
	Required  string `json:"required"`
	DaysLate  int64  `json:"days_late"`
	Deadline  int64  `json:"deadline"`
}

// Position 投资人在某个项目中的持仓
type Position struct {
	ProjectID       int64           `json:"project_id"`
	Wallet          string          `json:"wallet"`
	State           campaign.State  `json:"state"`
	Contributed     decimal.Decimal `json:"contributed"`      // 账本记录，展示币种
	ContributedBase string          `json:"contributed_base"` // 结算层记录，最小单位
	ExpectedShare   string          `json:"expected_share,omitempty"`
	Withdrawn       bool            `json:"withdrawn"`
	Refunded        bool            `json:"refunded"`
	CanWithdraw     bool            `json:"can_withdraw"`
	CanRefund       bool            `json:"can_refund"`
}

// RequiredPayment 查询当前应付本息，每次都从结算层读取
func (p *Processor) RequiredPayment(ctx context.Context, projectID int64) (PaymentQuote, error) {
	project, campaignID, err := p.campaignProject(ctx, projectID)
	if err != nil {
		return PaymentQuote{}, err
	}

	snap, err := p.client.GetCampaign(ctx, campaignID)
	if err != nil {
		return PaymentQuote{}, apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
	}
	required, err := p.client.GetRequiredPayment(ctx, campaignID)
	if err != nil {
		return PaymentQuote{}, apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
	}

	return PaymentQuote{
		ProjectID: project.Id,
		Principal: ledger.FormatBase(snap.TotalRaised),
		Required:  ledger.FormatBase(required),
		DaysLate:  campaign.DaysLate(snap.PaymentDeadline, p.now()),
		Deadline:  snap.PaymentDeadline.Unix(),
	}, nil
}

// Position 汇总投资人的账本出资、结算层出资以及可执行的操作
func (p *Processor) Position(ctx context.Context, projectID int64, wallet string) (Position, error) {
	wallet = ledger.NormalizeWallet(wallet)
	if wallet == "" {
		return Position{}, apperr.Validation("wallet is required")
	}

	project, campaignID, err := p.campaignProject(ctx, projectID)
	if err != nil {
		return Position{}, err
	}

	contributed, _, err := p.store.Contribution(ctx, project.Id, wallet)
	if err != nil {
		return Position{}, err
	}

	snap, err := p.client.GetCampaign(ctx, campaignID)
	if err != nil {
		return Position{}, apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
	}
	onchain, err := p.client.GetInvestment(ctx, campaignID, wallet)
	if err != nil {
		return Position{}, apperr.ExternalTransfer(apperr.ReasonUnavailable, "", err)
	}

	withdrawn, err := p.store.FindTransfer(ctx, campaignID, model.TransferKindWithdraw, wallet, model.TransferStatusConfirmed)
	if err != nil {
		return Position{}, err
	}
	refunded, err := p.store.FindTransfer(ctx, campaignID, model.TransferKindRefund, wallet, model.TransferStatusConfirmed)
	if err != nil {
		return Position{}, err
	}

	now := p.now()
	if snap.Failed(now) {
		p.markFailed(ctx, project.Id)
	}

	pos := Position{
		ProjectID:       project.Id,
		Wallet:          wallet,
		State:           snap.State(now),
		Contributed:     contributed,
		ContributedBase: ledger.FormatBase(onchain),
		Withdrawn:       withdrawn != nil,
		Refunded:        refunded != nil,
		CanWithdraw:     campaign.CheckWithdraw(snap, onchain, withdrawn != nil) == nil,
		CanRefund:       campaign.CheckRefund(snap, onchain, refunded != nil, now) == nil,
	}

	if snap.ReturnsDistributed {
		if ret, err := p.store.FindTransfer(ctx, campaignID, model.TransferKindReturn, "", model.TransferStatusConfirmed); err == nil && ret != nil {
			pos.ExpectedShare = ledger.FormatBase(campaign.ProRataShare(ledger.ParseBase(ret.BaseAmount), onchain, snap.TotalRaised))
		}
	} else if snap.FundsDistributed && onchain != nil && onchain.Sign() > 0 {
		required, err := p.client.GetRequiredPayment(ctx, campaignID)
		if err == nil {
			pos.ExpectedShare = ledger.FormatBase(campaign.ProRataShare(required, onchain, snap.TotalRaised))
		}
	}
	return pos, nil
}

