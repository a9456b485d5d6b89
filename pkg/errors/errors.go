// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 订单校验
	CodeInstrumentNotFound     Code = "INSTRUMENT_NOT_FOUND"
	CodeInstrumentNotTrading   Code = "INSTRUMENT_NOT_TRADING"
	CodeMarketClosed           Code = "MARKET_CLOSED"
	CodeInvalidSide            Code = "INVALID_SIDE"
	CodeInvalidOrderType       Code = "INVALID_ORDER_TYPE"
	CodeInvalidTimeInForce     Code = "INVALID_TIME_IN_FORCE"
	CodeInvalidPrice           Code = "INVALID_PRICE"
	CodeInvalidStopPrice       Code = "INVALID_STOP_PRICE"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInvalidVintage         Code = "INVALID_VINTAGE"
	CodeDuplicateClientOrderID Code = "DUPLICATE_CLIENT_ORDER_ID"

	// 撮合
	CodeOrderNotFound         Code = "ORDER_NOT_FOUND"
	CodeOrderAlreadyTerminal  Code = "ORDER_ALREADY_TERMINAL"
	CodeInsufficientLiquidity Code = "INSUFFICIENT_LIQUIDITY"
	CodeSelfMatchCanceled     Code = "SELF_MATCH_CANCELED"
	CodeEngineHalted          Code = "ENGINE_HALTED"

	// 风控与合规
	CodeRiskLimitExceeded  Code = "RISK_LIMIT_EXCEEDED"
	CodeComplianceRejected Code = "COMPLIANCE_REJECTED"
	CodeComplianceTimeout  Code = "COMPLIANCE_TIMEOUT"

	// 策略
	CodeStrategyNotFound       Code = "STRATEGY_NOT_FOUND"
	CodeInvalidStrategyParams  Code = "INVALID_STRATEGY_PARAMS"
	CodeStrategyAlreadyStopped Code = "STRATEGY_ALREADY_STOPPED"

	// 系统
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf 提取业务错误码，非业务错误返回 UNKNOWN
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if be, ok := err.(*Error); ok {
		return be.Code
	}
	return CodeUnknown
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable, CodeComplianceTimeout:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidPrice, CodeInvalidStopPrice,
		CodeInvalidQuantity, CodeInvalidSide, CodeInvalidOrderType,
		CodeInvalidTimeInForce, CodeInvalidVintage, CodeInvalidStrategyParams:
		return http.StatusBadRequest
	case CodeComplianceRejected, CodeRiskLimitExceeded:
		return http.StatusForbidden
	case CodeNotFound, CodeOrderNotFound, CodeInstrumentNotFound, CodeStrategyNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeDuplicateClientOrderID:
		return http.StatusConflict
	case CodeMarketClosed, CodeInstrumentNotTrading, CodeInsufficientLiquidity,
		CodeOrderAlreadyTerminal, CodeStrategyAlreadyStopped:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeEngineHalted:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeComplianceTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrOrderNotFound      = New(CodeOrderNotFound, "order not found")
	ErrInstrumentNotFound = New(CodeInstrumentNotFound, "instrument not found")
	ErrMarketClosed       = New(CodeMarketClosed, "market closed")
	ErrEngineHalted       = New(CodeEngineHalted, "matching halted for instrument")
	ErrSystemBusy         = New(CodeSystemBusy, "system busy, please retry")
)
