package workflow

import "fmt"

// CodeParse is the classification code carried by document rejections. It
// matches the engine's parse-error code so the taxonomy stays uniform across
// package boundaries.
const CodeParse = "PARSE_ERROR"

// Error is a classified workflow document rejection.
type Error struct {
	// Code is the taxonomy code, always CodeParse for this package.
	Code string `json:"code"`

	// Message is the human-readable rejection reason.
	Message string `json:"message"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by classification code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// newParseError creates a parse rejection without a cause.
func newParseError(format string, args ...any) *Error {
	return &Error{Code: CodeParse, Message: fmt.Sprintf(format, args...)}
}

// wrapParseError creates a parse rejection wrapping an underlying decode or
// validation failure.
func wrapParseError(message string, cause error) *Error {
	return &Error{Code: CodeParse, Message: message, cause: cause}
}
