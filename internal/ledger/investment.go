package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Application 一笔待入账的投资
type Application struct {
	ProjectID   int64
	Wallet      string
	Amount      decimal.Decimal
	BaseAmount  *big.Int
	DedupeKey   string // 外部交易哈希或调用方幂等键
	TxHash      string
	RoiSnapshot decimal.Decimal
}

// ApplyResult 入账结果
type ApplyResult struct {
	Aggregate Aggregate
	RecordID  int64
	Replayed  bool // 重复入账，聚合数据未变化
}

// ApplyInvestment 写入投资记录并更新聚合数据，二者在同一事务内完成
func (s *Store) ApplyInvestment(ctx context.Context, app Application) (ApplyResult, error) {
	app.Wallet = NormalizeWallet(app.Wallet)
	app.DedupeKey = strings.TrimSpace(app.DedupeKey)
	if app.Wallet == "" {
		return ApplyResult{}, apperr.Validation("wallet is required")
	}
	if !app.Amount.IsPositive() {
		return ApplyResult{}, apperr.Validation("amount must be positive")
	}
	if app.DedupeKey == "" {
		return ApplyResult{}, apperr.Validation("dedupe key is required")
	}
	base := app.BaseAmount
	if base == nil {
		base = new(big.Int)
	}

	unlock := s.locks.Lock(app.ProjectID)
	defer unlock()

	var result ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.InvestmentRecordModel
		err := tx.Where("dedupe_key = ?", app.DedupeKey).First(&existing).Error
		switch {
		case err == nil:
			if existing.ProjectId != app.ProjectID {
				return apperr.Validation("dedupe key %s already used by another project", app.DedupeKey)
			}
			project, err := getProject(tx, app.ProjectID)
			if err != nil {
				return err
			}
			result = ApplyResult{Aggregate: AggregateOf(project), RecordID: existing.Id, Replayed: true}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("查询投资记录失败: %w", err)
		}

		project, err := getProject(tx, app.ProjectID)
		if err != nil {
			return err
		}
		if err := CheckAcceptsInvestment(project); err != nil {
			return err
		}
		if app.Amount.LessThan(project.MinimumInvestment) {
			return apperr.Validation("amount %s is below the minimum investment %s", app.Amount, project.MinimumInvestment)
		}
		raised := project.RaisedAmount.Add(app.Amount)
		if raised.GreaterThan(project.TargetAmount) {
			return apperr.Validation("amount %s exceeds the remaining goal %s", app.Amount, project.TargetAmount.Sub(project.RaisedAmount))
		}

		record := model.InvestmentRecordModel{
			ProjectId:          project.Id,
			Wallet:             app.Wallet,
			Amount:             app.Amount,
			BaseAmount:         base.String(),
			RoiPercentSnapshot: app.RoiSnapshot,
			DedupeKey:          app.DedupeKey,
			TxHash:             app.TxHash,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("创建投资记录失败: %w", err)
		}

		raisedBase := new(big.Int).Add(ParseBase(project.RaisedBase), base)
		status := project.Status
		if raised.Equal(project.TargetAmount) {
			status = model.ProjectStatusFunded
		}
		updates := map[string]interface{}{
			"raised_amount":  raised,
			"raised_base":    raisedBase.String(),
			"investor_count": project.InvestorCount + 1,
			"status":         status,
		}
		if err := tx.Model(project).Updates(updates).Error; err != nil {
			return fmt.Errorf("更新项目聚合数据失败: %w", err)
		}

		project.RaisedAmount = raised
		project.RaisedBase = raisedBase.String()
		project.InvestorCount++
		project.Status = status
		result = ApplyResult{Aggregate: AggregateOf(project), RecordID: record.Id}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	if result.Replayed {
		logger.Info("Investment %s for project %d already applied, record %d", app.DedupeKey, app.ProjectID, result.RecordID)
	} else {
		logger.Info("Applied investment of %s from %s to project %d, raised %s/%s",
			app.Amount, app.Wallet, app.ProjectID, result.Aggregate.Raised, result.Aggregate.Target)
	}
	return result, nil
}

// RecomputeAggregate 仅根据投资记录重新计算聚合数据并写回
func (s *Store) RecomputeAggregate(ctx context.Context, projectID int64) (Aggregate, error) {
	unlock := s.locks.Lock(projectID)
	defer unlock()

	var agg Aggregate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := getProject(tx, projectID)
		if err != nil {
			return err
		}

		var records []model.InvestmentRecordModel
		if err := tx.Where("project_id = ?", projectID).Find(&records).Error; err != nil {
			return fmt.Errorf("获取投资记录失败: %w", err)
		}

		raised := decimal.Zero
		raisedBase := new(big.Int)
		for _, r := range records {
			raised = raised.Add(r.Amount)
			raisedBase.Add(raisedBase, ParseBase(r.BaseAmount))
		}

		updates := map[string]interface{}{
			"raised_amount":  raised,
			"raised_base":    raisedBase.String(),
			"investor_count": int64(len(records)),
		}
		if err := tx.Model(project).Updates(updates).Error; err != nil {
			return fmt.Errorf("更新项目聚合数据失败: %w", err)
		}

		if !project.RaisedAmount.Equal(raised) || project.InvestorCount != int64(len(records)) {
			logger.Warn("Project %d aggregate repaired: raised %s -> %s, investors %d -> %d",
				projectID, project.RaisedAmount, raised, project.InvestorCount, len(records))
		}

		project.RaisedAmount = raised
		project.RaisedBase = raisedBase.String()
		project.InvestorCount = int64(len(records))
		agg = AggregateOf(project)
		return nil
	})
	return agg, err
}

// ListInvestments 分页获取项目投资记录
func (s *Store) ListInvestments(ctx context.Context, projectID int64, page, pageSize int) ([]model.InvestmentRecordModel, int64, error) {
	var (
		records []model.InvestmentRecordModel
		total   int64
	)
	page, pageSize = normalizePage(page, pageSize)

	query := s.db.WithContext(ctx).Model(&model.InvestmentRecordModel{}).Where("project_id = ?", projectID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("获取投资记录总数失败: %w", err)
	}
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("获取投资记录失败: %w", err)
	}
	return records, total, nil
}

// Contribution 钱包在项目中的累计投资额
func (s *Store) Contribution(ctx context.Context, projectID int64, wallet string) (decimal.Decimal, *big.Int, error) {
	var records []model.InvestmentRecordModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND wallet = ?", projectID, NormalizeWallet(wallet)).
		Find(&records).Error
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("获取投资记录失败: %w", err)
	}

	total := decimal.Zero
	base := new(big.Int)
	for _, r := range records {
		total = total.Add(r.Amount)
		base.Add(base, ParseBase(r.BaseAmount))
	}
	return total, base, nil
}

// UniqueInvestors 项目的去重投资人数
func (s *Store) UniqueInvestors(ctx context.Context, projectID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.InvestmentRecordModel{}).
		Where("project_id = ?", projectID).
		Distinct("wallet").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("获取投资人数失败: %w", err)
	}
	return count, nil
}

// InvestmentByDedupeKey 按去重键查找投资记录，不存在时返回 nil
func (s *Store) InvestmentByDedupeKey(ctx context.Context, key string) (*model.InvestmentRecordModel, error) {
	var record model.InvestmentRecordModel
	if err := s.db.WithContext(ctx).Where("dedupe_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询投资记录失败: %w", err)
	}
	return &record, nil
}

// LatestInvestmentAt 最近一笔投资的时间，没有记录时 ok 为 false
func (s *Store) LatestInvestmentAt(ctx context.Context, projectID int64) (time.Time, bool, error) {
	var record model.InvestmentRecordModel
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("获取投资记录失败: %w", err)
	}
	return record.CreatedAt, true, nil
}
