package xerr

import "fmt"

// 错误码分段：4xx 校验/未找到，42x 风控，5xx 传输/内部
const (
	OK                = 0
	TickSizeViolation = 400
	InvalidQuantity   = 401
	UnknownInstrument = 402
	InvalidTickSize   = 403
	OrderNotFound     = 404
	NotLoggedIn       = 405
	RateLimitExceeded = 420
	QuantityLimit     = 421
	NotionalLimit     = 422
	OutstandingLimit  = 423
	TransportError    = 500
	InternalError     = 501
	DownstreamTimeout = 502
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func Newf(code int, format string, args ...interface{}) *CodeError {
	return &CodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func NewErrCode(code int) *CodeError {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

func MapErrMsg(code int) string {
	switch code {
	case TickSizeViolation:
		return "price does not conform to tick size"
	case InvalidQuantity:
		return "quantity must be greater than zero"
	case UnknownInstrument:
		return "unknown instrument"
	case InvalidTickSize:
		return "tick size must be greater than zero"
	case OrderNotFound:
		return "order not found"
	case NotLoggedIn:
		return "not logged in"
	case RateLimitExceeded:
		return "message rate limit exceeded"
	case QuantityLimit:
		return "order quantity rolling limit exceeded"
	case NotionalLimit:
		return "order amount rolling limit exceeded"
	case OutstandingLimit:
		return "outstanding quantity limit exceeded"
	case DownstreamTimeout:
		return "downstream request timed out"
	case TransportError:
		return "transport error"
	case InternalError:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Reason 给指标打标签用的短名
func Reason(code int) string {
	switch code {
	case TickSizeViolation, InvalidQuantity, UnknownInstrument, InvalidTickSize, NotLoggedIn:
		return "validation"
	case OrderNotFound:
		return "not_found"
	case RateLimitExceeded:
		return "rate"
	case QuantityLimit:
		return "quantity"
	case NotionalLimit:
		return "notional"
	case OutstandingLimit:
		return "outstanding"
	case DownstreamTimeout:
		return "timeout"
	case TransportError:
		return "transport"
	default:
		return "internal"
	}
}
