package types

// ErrorCode is the normalized failure reason returned to the acting client.
// Commands never surface unstructured errors across the websocket boundary,
// every failure maps onto one of these codes.
type ErrorCode string

const (
	ErrValidation          ErrorCode = "VALIDATION"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrForbidden           ErrorCode = "FORBIDDEN"
	ErrBanned              ErrorCode = "BANNED"
	ErrSlowMode            ErrorCode = "SLOW_MODE"
	ErrRateLimit           ErrorCode = "RATE_LIMIT"
	ErrConflict            ErrorCode = "CONFLICT"
	ErrUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
)

// Result is the acknowledgement for a client command. It is correlated to the
// request via the sequence number of the enclosing wire envelope.
type Result struct {
	Ok    bool      `json:"ok"`
	Error ErrorCode `json:"error,omitempty"`

	// WaitMs carries the remaining slow-mode wait on ErrSlowMode rejections.
	WaitMs int64 `json:"wait_ms,omitempty"`

	// Id carries the assigned message id on successful sends.
	Id string `json:"id,omitempty"`
}

func OkResult() Result { return Result{Ok: true} }

func FailResult(code ErrorCode) Result { return Result{Ok: false, Error: code} }
