package router

import (
	"context"
	"net/http"

	"github.com/blues/microfund/internal/handler"
	"github.com/blues/microfund/internal/investment"
	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/reconcile"
	"github.com/blues/microfund/internal/settlement"
	"github.com/gin-gonic/gin"
)

// Services 路由依赖的业务服务
type Services struct {
	Store      *ledger.Store
	Recorder   *investment.Recorder
	Processor  *settlement.Processor
	Reconciler *reconcile.Reconciler
	// Health 结算层健康检查，可为空
	Health func(ctx context.Context) map[string]interface{}
}

func Setup(s Services) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":  "ok",
			"service": "microfund",
		}
		if s.Health != nil {
			body["chain"] = s.Health(c.Request.Context())
		}
		c.JSON(http.StatusOK, body)
	})

	// API版本组
	v1 := r.Group("/api/v1")
	{
		projectHandler := handler.NewProjectHandler(s.Store, s.Reconciler)
		investHandler := handler.NewInvestHandler(s.Recorder)
		settlementHandler := handler.NewSettlementHandler(s.Processor)
		transferHandler := handler.NewTransferHandler(s.Store)

		// 项目相关路由
		projects := v1.Group("/projects")
		{
			projects.POST("", projectHandler.CreateProject)
			projects.GET("", projectHandler.GetProjects)
			projects.GET("/:id", projectHandler.GetProject)
			projects.GET("/:id/investments", projectHandler.GetProjectInvestments)
			projects.GET("/:id/view", projectHandler.GetProjectView)
			projects.POST("/:id/reconcile", projectHandler.ReconcileProject)

			projects.POST("/:id/invest", investHandler.Invest)

			projects.GET("/:id/required-payment", settlementHandler.GetRequiredPayment)
			projects.GET("/:id/positions/:wallet", settlementHandler.GetPosition)
			projects.POST("/:id/settlement/distribute", settlementHandler.Distribute)
			projects.POST("/:id/settlement/return", settlementHandler.Return)
			projects.POST("/:id/settlement/withdraw", settlementHandler.Withdraw)
			projects.POST("/:id/settlement/refund", settlementHandler.Refund)
		}

		v1.GET("/transfers/:hash", transferHandler.GetTransfer)
	}

	return r
}

// CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Idempotency-Key, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
