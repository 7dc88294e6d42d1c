package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Wrap wraps an error with additional context while preserving the chain.
// If err is nil, Wrap returns nil. A wrapped *Error keeps its code, category
// and metadata. Context and network errors map to their transient codes;
// anything else becomes Internal.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		wrapped := &Error{
			code:      fe.code,
			category:  fe.category,
			message:   message,
			cause:     err,
			metadata:  fe.Metadata(),
			retryable: fe.retryable,
			timestamp: fe.timestamp,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	opts = append(opts, WithCause(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(ErrCodeTimeout, message, opts...)
	case errors.Is(err, context.Canceled):
		return New(ErrCodeCanceled, message, opts...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(ErrCodeTimeout, message, opts...)
		}
		return New(ErrCodeNetworkErr, message, opts...)
	}
	return New(ErrCodeInternal, message, opts...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...any) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// Is checks if the first *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	if fe := As(err); fe != nil {
		return fe.code == code
	}
	return false
}

// IsCategory checks if the first *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if fe := As(err); fe != nil {
		return fe.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	if fe := As(err); fe != nil {
		return fe.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if fe := As(err); fe != nil {
		return fe.code
	}
	return ""
}

// GetMetadata extracts metadata from an error, or nil for plain errors.
func GetMetadata(err error) map[string]string {
	if fe := As(err); fe != nil {
		return fe.Metadata()
	}
	return nil
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered any) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
