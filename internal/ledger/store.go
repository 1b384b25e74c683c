package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Limits 平台级融资目标范围
type Limits struct {
	MinTarget decimal.Decimal
	MaxTarget decimal.Decimal
}

// Store 账本存储，同一项目的读改写串行执行
type Store struct {
	db     *gorm.DB
	limits Limits
	locks  *keyedMutex
}

// NewStore 创建账本存储
func NewStore(db *gorm.DB, limits Limits) *Store {
	return &Store{
		db:     db,
		limits: limits,
		locks:  newKeyedMutex(),
	}
}

// CreateProject 创建项目
func (s *Store) CreateProject(ctx context.Context, project *model.ProjectModel) error {
	if err := s.validateProject(project); err != nil {
		return err
	}

	project.OwnerWallet = NormalizeWallet(project.OwnerWallet)
	project.Currency = strings.ToLower(strings.TrimSpace(project.Currency))
	project.RaisedAmount = decimal.Zero
	project.RaisedBase = "0"
	project.InvestorCount = 0
	if project.Status == "" {
		project.Status = model.ProjectStatusActive
	}
	if project.FundingMode == "" {
		project.FundingMode = model.FundingModeOnchain
	}

	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("创建项目失败: %w", err)
	}

	logger.Info("Project %d created, mode=%s target=%s %s", project.Id, project.FundingMode, project.TargetAmount, project.Currency)
	return nil
}

func (s *Store) validateProject(project *model.ProjectModel) error {
	if strings.TrimSpace(project.Title) == "" {
		return apperr.Validation("title is required")
	}
	if strings.TrimSpace(project.OwnerWallet) == "" {
		return apperr.Validation("owner wallet is required")
	}
	if strings.TrimSpace(project.Currency) == "" {
		return apperr.Validation("currency is required")
	}
	if !project.TargetAmount.IsPositive() {
		return apperr.Validation("target amount must be positive")
	}
	if s.limits.MinTarget.IsPositive() && project.TargetAmount.LessThan(s.limits.MinTarget) {
		return apperr.Validation("target amount must be at least %s", s.limits.MinTarget)
	}
	if s.limits.MaxTarget.IsPositive() && project.TargetAmount.GreaterThan(s.limits.MaxTarget) {
		return apperr.Validation("target amount must be at most %s", s.limits.MaxTarget)
	}
	if project.MinimumInvestment.IsNegative() {
		return apperr.Validation("minimum investment must not be negative")
	}
	if project.MinimumInvestment.GreaterThan(project.TargetAmount) {
		return apperr.Validation("minimum investment exceeds target amount")
	}
	if project.ExpectedROIBps < 0 {
		return apperr.Validation("expected return must not be negative")
	}
	switch project.Status {
	case "", model.ProjectStatusDraft, model.ProjectStatusActive:
	default:
		return apperr.Validation("new projects must be draft or active")
	}
	switch project.FundingMode {
	case "", model.FundingModeOnchain:
		if project.CampaignId == nil {
			return apperr.Validation("campaign id is required for onchain projects")
		}
	case model.FundingModeLedgerOnly:
	default:
		return apperr.Validation("unknown funding mode %q", project.FundingMode)
	}
	return nil
}

// GetProject 获取项目详情
func (s *Store) GetProject(ctx context.Context, id int64) (*model.ProjectModel, error) {
	return getProject(s.db.WithContext(ctx), id)
}

func getProject(db *gorm.DB, id int64) (*model.ProjectModel, error) {
	var project model.ProjectModel
	if err := db.First(&project, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("project %d not found", id)
		}
		return nil, fmt.Errorf("获取项目详情失败: %w", err)
	}
	return &project, nil
}

// ListPublicProjects 分页获取公开项目
func (s *Store) ListPublicProjects(ctx context.Context, page, pageSize int) ([]model.ProjectModel, int64, error) {
	var (
		projects []model.ProjectModel
		total    int64
	)
	page, pageSize = normalizePage(page, pageSize)

	query := s.db.WithContext(ctx).Model(&model.ProjectModel{}).Where("is_public = ?", true)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("获取项目总数失败: %w", err)
	}
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&projects).Error; err != nil {
		return nil, 0, fmt.Errorf("获取项目列表失败: %w", err)
	}
	return projects, total, nil
}

// ProjectsByMode 获取指定记账模式且仍在结算流程中的项目
func (s *Store) ProjectsByMode(ctx context.Context, mode model.FundingMode) ([]model.ProjectModel, error) {
	var projects []model.ProjectModel
	err := s.db.WithContext(ctx).
		Where("funding_mode = ? AND status <> ?", mode, model.ProjectStatusDraft).
		Order("id ASC").
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("获取项目列表失败: %w", err)
	}
	return projects, nil
}

// Transition 将项目状态向前推进。已处于目标状态或之后时返回 false，不报错
func (s *Store) Transition(ctx context.Context, projectID int64, to model.ProjectStatus) (bool, error) {
	unlock := s.locks.Lock(projectID)
	defer unlock()

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := getProject(tx, projectID)
		if err != nil {
			return err
		}
		if project.Status.AtOrAfter(to) {
			return nil
		}
		if !to.AtOrAfter(project.Status) {
			return apperr.Conflict(apperr.CodeInvalidTransition, "project %d cannot move from %s to %s", projectID, project.Status, to)
		}
		if err := tx.Model(project).Update("status", to).Error; err != nil {
			return fmt.Errorf("更新项目状态失败: %w", err)
		}
		logger.Info("Project %d status %s -> %s", projectID, project.Status, to)
		changed = true
		return nil
	})
	return changed, err
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

// NormalizeWallet 钱包地址统一为小写
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// keyedMutex 按项目 ID 加锁，不同项目互不阻塞
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refMutex)}
}

// Lock 返回解锁函数，最后一个持有者释放时回收条目
func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
