package handler

import (
	"net/http"

	"github.com/blues/microfund/internal/investment"
	"github.com/gin-gonic/gin"
)

// InvestHandler 投资处理器
type InvestHandler struct {
	recorder *investment.Recorder
}

// NewInvestHandler 创建投资处理器
func NewInvestHandler(recorder *investment.Recorder) *InvestHandler {
	return &InvestHandler{
		recorder: recorder,
	}
}

// Invest 投资项目
func (h *InvestHandler) Invest(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	var req InvestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.recorder.Invest(c.Request.Context(), investment.InvestCommand{
		ProjectID:      id,
		Wallet:         req.Wallet,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})

	resp := toInvestResponse(res)
	if err != nil {
		if res.TxHash != "" {
			HandleError(c, err, resp)
		} else {
			HandleError(c, err, nil)
		}
		return
	}

	message := "投资成功"
	if res.Replayed {
		message = "投资已记录"
	}
	SuccessResponse(c, http.StatusOK, message, resp)
}

func toInvestResponse(res investment.InvestResult) InvestResponse {
	resp := InvestResponse{
		ProjectID:  res.ProjectID,
		Status:     res.Status,
		TxHash:     res.TxHash,
		TransferID: res.TransferID,
		RecordID:   res.RecordID,
		Replayed:   res.Replayed,
	}
	if res.Aggregate != nil {
		raised := res.Aggregate.Raised
		pct := res.Aggregate.Percentage()
		count := res.Aggregate.InvestorCount
		resp.RaisedAmount = &raised
		resp.Percentage = &pct
		resp.InvestorCount = &count
	}
	return resp
}
