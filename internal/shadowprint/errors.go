package shadowprint

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrPathTraversal   = errors.New("path traversal")
	ErrNotFound        = errors.New("not found")
	ErrDisabled        = errors.New("component disabled")
	ErrContentTooLarge = errors.New("content too large")
	ErrNotImplemented  = errors.New("not implemented")
)

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(format string, args ...any) {}
