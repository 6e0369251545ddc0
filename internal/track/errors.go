package track

import "fmt"

// ErrorKind classifies engine errors so callers can branch on category
// without string matching.
type ErrorKind int

const (
	ErrConfigInvalid ErrorKind = iota
	ErrProviderUnavailable
	ErrPermissionDenied
	ErrFilterRejected
	ErrStore
	ErrSyncRetryable
	ErrSyncTerminal

	// ErrTimeout marks a bounded wait exceeded outside the sync path.
	// Network timeouts during an upload attempt are classified with the
	// other retryable failures and surface as ErrSyncRetryable.
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfigInvalid:
		return "config_invalid"
	case ErrProviderUnavailable:
		return "provider_unavailable"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrFilterRejected:
		return "filter_rejected"
	case ErrStore:
		return "store_error"
	case ErrSyncRetryable:
		return "sync_retryable"
	case ErrSyncTerminal:
		return "sync_terminal"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the engine error type. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an engine error from a format string.
func Errorf(kind ErrorKind, op, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, v...)}
}
