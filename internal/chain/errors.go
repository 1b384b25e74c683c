package chain

import (
	"errors"
	"net"
	"strings"

	"github.com/blues/microfund/internal/apperr"
)

// classifyError 将节点返回的错误映射为用户可读的原因
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.ReasonUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return apperr.ReasonInsufficientFunds
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return apperr.ReasonUserRejected
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return apperr.ReasonReverted
	case strings.Contains(msg, "gas"), strings.Contains(msg, "fee"), strings.Contains(msg, "underpriced"):
		return apperr.ReasonFeeEstimation
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		return apperr.ReasonUnavailable
	default:
		return apperr.ReasonUnknown
	}
}
