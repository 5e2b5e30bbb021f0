package query

import "errors"

var (
	// ErrSyntax reports malformed input inside a recognized command.
	ErrSyntax = errors.New("query syntax error")
	// ErrEvalUnsupported reports an eval expression beyond literal
	// assignment. Unsupported expressions are rejected, never
	// silently ignored.
	ErrEvalUnsupported = errors.New("eval expression unsupported")
	// ErrTimeout reports an expired query deadline.
	ErrTimeout = errors.New("query timeout")
)
