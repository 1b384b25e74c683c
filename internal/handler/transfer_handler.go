package handler

import (
	"net/http"

	"github.com/blues/microfund/internal/ledger"
	"github.com/gin-gonic/gin"
)

// TransferHandler 结算层交易记录处理器
type TransferHandler struct {
	store *ledger.Store
}

// NewTransferHandler 创建交易记录处理器
func NewTransferHandler(store *ledger.Store) *TransferHandler {
	return &TransferHandler{
		store: store,
	}
}

// GetTransfer 按交易哈希查询提交状态，用于跟进待确认的交易
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	hash := c.Param("hash")
	if hash == "" {
		ErrorResponse(c, http.StatusBadRequest, "交易哈希不能为空")
		return
	}

	transfer, err := h.store.TransferByHash(c.Request.Context(), hash)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取交易记录成功", transfer)
}
