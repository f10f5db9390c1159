package feishuapi

import "fmt"

// ErrorClass classifies a Feishu `{code}` envelope or transport failure
// into its recovery strategy.
type ErrorClass int

const (
	ClassSuccess ErrorClass = iota
	ClassTransient
	ClassRefreshThenTransient
	ClassPermanent
)

// APIError wraps a non-zero Feishu response code with its classification.
type APIError struct {
	Code  int
	Msg   string
	Class ErrorClass
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishuapi: code=%d class=%d msg=%q", e.Code, e.Class, e.Msg)
}

// ErrPayloadTooLarge is returned before any network call when a payload
// exceeds the upload size gates. An oversized download is reported as
// media.ErrAssetTooLarge instead.
type ErrPayloadTooLarge struct {
	Kind  string
	Size  int64
	Limit int64
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("feishuapi: %s payload %d bytes exceeds limit %d", e.Kind, e.Size, e.Limit)
}

// classifyCode maps open-platform error codes to recovery classes.
func classifyCode(code int) ErrorClass {
	switch {
	case code == 0:
		return ClassSuccess
	case code == 99991663 || code == 90013:
		return ClassTransient
	case code == 99991661 || code == 99991665:
		return ClassRefreshThenTransient
	case code >= 99991400 && code < 99991600:
		// The rate-limit code range is transient even though the
		// general >=99991400 rule below is permanent.
		return ClassTransient
	case code >= 99991400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// IsRetryable reports whether a classified error should be retried by
// withRetry.
func (c ErrorClass) IsRetryable() bool {
	return c == ClassTransient || c == ClassRefreshThenTransient
}
