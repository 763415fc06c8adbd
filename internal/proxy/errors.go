package proxy

import "fmt"

// Error is a proxy error carrying a stable code alongside the cause.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}

	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Error codes, grouped by stage.
const (
	// Startup (fatal before the listener binds).
	ErrCodeListenFailed  = "E1001"
	ErrCodeInvalidPolicy = "E1002"

	// Request classification.
	ErrCodeRequestParse      = "E2001"
	ErrCodeUnsupportedMethod = "E2002"

	// Destination establishment.
	ErrCodeResolveFailed        = "E3001"
	ErrCodeConnectFailed        = "E3002"
	ErrCodeRecursiveDestination = "E3003"

	// Transfer.
	ErrCodeRequestForward = "E4001"
	ErrCodeResponseRelay  = "E4002"
	ErrCodeTunnelFailed   = "E4003"
)
