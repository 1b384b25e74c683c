package handler

import (
	"net/http"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/logger"
	"github.com/gin-gonic/gin"
)

// SuccessResponse 成功响应
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse 错误响应
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Message: message,
		Data:    nil,
	})
}

// HandleError 按错误类型返回对应的状态码
func HandleError(c *gin.Context, err error, data interface{}) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		ErrorResponse(c, status, "服务内部错误")
		return
	}

	resp := Response{
		Success:   false,
		Message:   err.Error(),
		Kind:      string(apperr.KindOf(err)),
		Code:      apperr.CodeOf(err),
		TxHash:    apperr.TxHashOf(err),
		Retryable: apperr.Retryable(err),
		Data:      data,
	}
	// 待确认不是失败，调用方需按交易哈希跟进
	if status == http.StatusAccepted {
		resp.Success = true
	}
	c.JSON(status, resp)
}

// StatusOf 错误类型到 HTTP 状态码的映射
func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindExternalTransfer:
		return http.StatusBadGateway
	case apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindPendingConfirmation:
		return http.StatusAccepted
	case apperr.KindRateUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
