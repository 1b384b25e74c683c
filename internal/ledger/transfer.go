package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreateTransfer 记录一次提交到结算层的交易
func (s *Store) CreateTransfer(ctx context.Context, transfer *model.TransferRecordModel) error {
	transfer.Wallet = NormalizeWallet(transfer.Wallet)
	if transfer.Status == "" {
		transfer.Status = model.TransferStatusPending
	}
	if transfer.TxHash != nil && *transfer.TxHash == "" {
		transfer.TxHash = nil
	}
	if transfer.Status == model.TransferStatusConfirmed && transfer.ConfirmedAt == nil {
		now := time.Now()
		transfer.ConfirmedAt = &now
	}
	if err := s.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return fmt.Errorf("创建交易记录失败: %w", err)
	}
	return nil
}

// MarkTransfer 更新交易状态，已确认或已失败的记录不再改变
func (s *Store) MarkTransfer(ctx context.Context, id int64, status model.TransferStatus, blockNum int64, reason string) error {
	updates := map[string]interface{}{
		"status":         status,
		"failure_reason": reason,
	}
	if blockNum > 0 {
		updates["block_num"] = blockNum
	}
	if status == model.TransferStatusConfirmed {
		updates["confirmed_at"] = time.Now()
	}

	res := s.db.WithContext(ctx).
		Model(&model.TransferRecordModel{}).
		Where("id = ? AND status = ?", id, model.TransferStatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新交易状态失败: %w", res.Error)
	}
	return nil
}

// FindTransfer 按结算活动、类型和钱包查找最近一条交易记录，不存在时返回 nil
func (s *Store) FindTransfer(ctx context.Context, campaignID uint64, kind model.TransferKind, wallet string, statuses ...model.TransferStatus) (*model.TransferRecordModel, error) {
	query := s.db.WithContext(ctx).Where("campaign_id = ? AND kind = ?", campaignID, kind)
	if wallet != "" {
		query = query.Where("wallet = ?", NormalizeWallet(wallet))
	}
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var transfer model.TransferRecordModel
	if err := query.Order("id DESC").First(&transfer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询交易记录失败: %w", err)
	}
	return &transfer, nil
}

// TransferByHash 按交易哈希查找
func (s *Store) TransferByHash(ctx context.Context, txHash string) (*model.TransferRecordModel, error) {
	var transfer model.TransferRecordModel
	if err := s.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&transfer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("transfer %s not found", txHash)
		}
		return nil, fmt.Errorf("查询交易记录失败: %w", err)
	}
	return &transfer, nil
}

// TransferByRequestKey 按调用方幂等键查找项目内最近一条未失败的投资交易，不存在时返回 nil
func (s *Store) TransferByRequestKey(ctx context.Context, projectID int64, key string) (*model.TransferRecordModel, error) {
	var transfer model.TransferRecordModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND kind = ? AND request_key = ?", projectID, model.TransferKindInvest, key).
		Where("status IN ?", []model.TransferStatus{model.TransferStatusPending, model.TransferStatusConfirmed}).
		Order("id DESC").
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询交易记录失败: %w", err)
	}
	return &transfer, nil
}

// PendingTransfers 获取待确认的交易，按提交顺序
func (s *Store) PendingTransfers(ctx context.Context, limit int) ([]model.TransferRecordModel, error) {
	var transfers []model.TransferRecordModel
	query := s.db.WithContext(ctx).
		Where("status = ? AND tx_hash IS NOT NULL", model.TransferStatusPending).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("获取待确认交易失败: %w", err)
	}
	return transfers, nil
}

// PendingInvestAmount 项目中已提交但尚未入账的投资总额。已入账、尚未标记确认的交易已计入 raised
func (s *Store) PendingInvestAmount(ctx context.Context, projectID int64) (decimal.Decimal, error) {
	var transfers []model.TransferRecordModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND kind = ? AND status = ?", projectID, model.TransferKindInvest, model.TransferStatusPending).
		Where("NOT EXISTS (SELECT 1 FROM investment_record WHERE investment_record.dedupe_key = transfer_record.tx_hash)").
		Find(&transfers).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取待确认投资失败: %w", err)
	}

	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}
	return total, nil
}
