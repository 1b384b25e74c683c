package handler

import (
	"context"
	"math/big"
	"net/http"

	"github.com/blues/microfund/internal/settlement"
	"github.com/gin-gonic/gin"
)

// SettlementHandler 结算处理器
type SettlementHandler struct {
	processor *settlement.Processor
}

// NewSettlementHandler 创建结算处理器
func NewSettlementHandler(processor *settlement.Processor) *SettlementHandler {
	return &SettlementHandler{
		processor: processor,
	}
}

type settlementOp func(ctx context.Context, cmd settlement.Command) (settlement.Result, error)

// Distribute 发起人提取募集资金
func (h *SettlementHandler) Distribute(c *gin.Context) {
	h.handle(c, h.processor.DistributeFunds, "资金已发放")
}

// Return 发起人归还本息
func (h *SettlementHandler) Return(c *gin.Context) {
	h.handle(c, h.processor.ReturnInvestment, "本息已归还")
}

// Withdraw 投资人提取收益
func (h *SettlementHandler) Withdraw(c *gin.Context) {
	h.handle(c, h.processor.WithdrawReturns, "收益已提取")
}

// Refund 投资人申请退款
func (h *SettlementHandler) Refund(c *gin.Context) {
	h.handle(c, h.processor.Refund, "退款成功")
}

func (h *SettlementHandler) handle(c *gin.Context, op settlementOp, message string) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	var req SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	cmd := settlement.Command{ProjectID: id, Wallet: req.Wallet}
	if req.Payment != "" {
		payment, ok := new(big.Int).SetString(req.Payment, 10)
		if !ok || payment.Sign() <= 0 {
			ErrorResponse(c, http.StatusBadRequest, "无效的支付金额")
			return
		}
		cmd.Payment = payment
	}

	res, err := op(c.Request.Context(), cmd)
	if err != nil {
		if res.TxHash != "" {
			HandleError(c, err, res)
		} else {
			HandleError(c, err, nil)
		}
		return
	}

	SuccessResponse(c, http.StatusOK, message, res)
}

// GetRequiredPayment 查询发起人当前应付本息
func (h *SettlementHandler) GetRequiredPayment(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	quote, err := h.processor.RequiredPayment(c.Request.Context(), id)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取应付金额成功", quote)
}

// GetPosition 查询投资人持仓
func (h *SettlementHandler) GetPosition(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	wallet := c.Param("wallet")
	if wallet == "" {
		ErrorResponse(c, http.StatusBadRequest, "钱包地址不能为空")
		return
	}

	pos, err := h.processor.Position(c.Request.Context(), id, wallet)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取持仓成功", pos)
}
