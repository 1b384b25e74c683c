package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthorization       Kind = "authorization"
	KindExternalTransfer    Kind = "external_transfer"
	KindStateConflict       Kind = "state_conflict"
	KindPendingConfirmation Kind = "pending_confirmation"
	KindRateUnavailable     Kind = "rate_unavailable"
	KindNotFound            Kind = "not_found"
)

// 状态冲突错误码
const (
	CodeAlreadyDistributed = "AlreadyDistributed"
	CodeAlreadyReturned    = "AlreadyReturned"
	CodeAlreadyWithdrawn   = "AlreadyWithdrawn"
	CodeAlreadyRefunded    = "AlreadyRefunded"
	CodeGoalAlreadyReached = "GoalAlreadyReached"
	CodeOperationInFlight  = "OperationInFlight"
	CodeNotFunded          = "NotFunded"
	CodeNotDistributed     = "NotDistributed"
	CodeNotReturned        = "NotReturned"
	CodeNotFailed          = "NotFailed"
	CodeProjectNotActive   = "ProjectNotActive"
	CodeInvalidTransition  = "InvalidTransition"
)

// 外部转账失败原因
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonUserRejected      = "user_rejected"
	ReasonFeeEstimation     = "fee_estimation_failed"
	ReasonReverted          = "contract_reverted"
	ReasonUnavailable       = "settlement_layer_unavailable"
	ReasonDropped           = "dropped"
	ReasonUnknown           = "unknown"
)

// Error 业务错误
type Error struct {
	Kind    Kind
	Code    string
	Message string
	TxHash  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按 Kind 和 Code 比较，便于 errors.Is(err, apperr.ErrAlreadyDistributed)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// 哨兵错误，只用于 errors.Is 比较
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrAuthorization       = &Error{Kind: KindAuthorization}
	ErrExternalTransfer    = &Error{Kind: KindExternalTransfer}
	ErrStateConflict       = &Error{Kind: KindStateConflict}
	ErrPendingConfirmation = &Error{Kind: KindPendingConfirmation}
	ErrRateUnavailable     = &Error{Kind: KindRateUnavailable}
	ErrNotFound            = &Error{Kind: KindNotFound}

	ErrAlreadyDistributed = &Error{Kind: KindStateConflict, Code: CodeAlreadyDistributed}
	ErrAlreadyReturned    = &Error{Kind: KindStateConflict, Code: CodeAlreadyReturned}
	ErrAlreadyWithdrawn   = &Error{Kind: KindStateConflict, Code: CodeAlreadyWithdrawn}
	ErrAlreadyRefunded    = &Error{Kind: KindStateConflict, Code: CodeAlreadyRefunded}
	ErrGoalAlreadyReached = &Error{Kind: KindStateConflict, Code: CodeGoalAlreadyReached}
	ErrOperationInFlight  = &Error{Kind: KindStateConflict, Code: CodeOperationInFlight}
)

func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...interface{}) error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code string, format string, args ...interface{}) error {
	return &Error{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ExternalTransfer 外部结算层拒绝或执行失败，reason 为映射后的用户可读原因
func ExternalTransfer(reason, txHash string, cause error) error {
	return &Error{Kind: KindExternalTransfer, Code: reason, Message: "settlement layer rejected the transaction", TxHash: txHash, Err: cause}
}

// Pending 交易已提交但在超时内未确认
func Pending(txHash string, cause error) error {
	return &Error{Kind: KindPendingConfirmation, Message: "transaction submitted, confirmation pending", TxHash: txHash, Err: cause}
}

func RateUnavailable(currency string, cause error) error {
	return &Error{Kind: KindRateUnavailable, Message: fmt.Sprintf("no exchange rate available for %s", currency), Err: cause}
}

// KindOf 返回错误分类，非业务错误返回空字符串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf 返回错误码
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// TxHashOf 返回错误关联的交易哈希
func TxHashOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.TxHash
	}
	return ""
}

// Retryable 汇率不可用与确认超时可由调用方重试
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateUnavailable, KindPendingConfirmation:
		return true
	}
	return false
}
