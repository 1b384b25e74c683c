package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blues/microfund/internal/campaign"
	"github.com/blues/microfund/internal/chain"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/database"
	"github.com/blues/microfund/internal/investment"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/logger"
	"github.com/blues/microfund/internal/money"
	"github.com/blues/microfund/internal/reconcile"
	"github.com/blues/microfund/internal/router"
	"github.com/blues/microfund/internal/settlement"
	"github.com/blues/microfund/internal/task"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化日志
	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 初始化数据库
	db, err := database.Init(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}

	// 初始化结算层客户端
	client, health, closeChain := initSettlementLayer(cfg)
	defer closeChain()

	// 汇率与金额换算
	defaults, err := money.ParseDefaults(cfg.Price.Defaults)
	if err != nil {
		logger.Fatal("Invalid price defaults: %v", err)
	}
	feed := money.NewHTTPPriceFeed(cfg.Price.URL, cfg.Price.JSONPath, &http.Client{Timeout: cfg.Price.Timeout})
	rates := money.NewRateCache(feed, cfg.Price.TTL, cfg.Price.Timeout, money.WithDefaults(defaults))
	converter := money.NewConverter(rates, cfg.Price.Decimals)

	// 业务服务
	store := ledger.NewStore(db, platformLimits(cfg.Platform))
	recorder := investment.NewRecorder(store, client, converter)
	processor := settlement.NewProcessor(store, client)
	reconciler := reconcile.NewReconciler(store, client, cfg.Reconcile)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化路由
	r := router.Setup(router.Services{
		Store:      store,
		Recorder:   recorder,
		Processor:  processor,
		Reconciler: reconciler,
		Health:     health,
	})

	// 启动定时任务
	tasks := task.NewManager(cfg,
		task.NewTransferConfirmJob(store, client, recorder, processor, cfg),
		task.NewReconcileJob(reconciler, cfg),
		task.NewCampaignStatusJob(store, client, cfg),
	)
	tasks.Start()
	defer tasks.Stop()

	// 启动服务器
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}
	go func() {
		logger.Info("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}
}

// initSettlementLayer 按配置选择链上合约或内存模拟器
func initSettlementLayer(cfg *config.Config) (campaign.Client, func(context.Context) map[string]interface{}, func()) {
	if cfg.Chain.Mode == "simulated" {
		logger.Warn("Running against the in-memory settlement simulator")
		return campaign.NewSimulator(), nil, func() {}
	}

	manager, err := chain.NewManager(cfg.Chain)
	if err != nil {
		logger.Fatal("Failed to initialize chain manager: %v", err)
	}

	contract, err := chain.NewContract(cfg.Chain.Contract.Address, cfg.Chain.Contract.ABIPath)
	if err != nil {
		logger.Fatal("Failed to load campaign contract: %v", err)
	}

	client := chain.NewCampaignContract(manager, contract, cfg.Settlement)
	return client, manager.GetHealthStatus, func() {
		if err := manager.Close(); err != nil {
			logger.Error("Failed to close chain manager: %v", err)
		}
	}
}

func platformLimits(cfg config.PlatformConfig) ledger.Limits {
	var limits ledger.Limits
	if cfg.MinTarget != "" {
		v, err := decimal.NewFromString(cfg.MinTarget)
		if err != nil {
			logger.Fatal("Invalid platform.min_target %q: %v", cfg.MinTarget, err)
		}
		limits.MinTarget = v
	}
	if cfg.MaxTarget != "" {
		v, err := decimal.NewFromString(cfg.MaxTarget)
		if err != nil {
			logger.Fatal("Invalid platform.max_target %q: %v", cfg.MaxTarget, err)
		}
		limits.MaxTarget = v
	}
	return limits
}
