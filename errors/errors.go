package errors

import (
	"fmt"
	"time"
)

// Metadata keys attached by the fleet constructors.
const (
	MetaIdentity = "identity"
	MetaOwner    = "owner"
	MetaRecord   = "record"
)

// Error is a structured fleet error.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means derive from category
	timestamp time.Time
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable reports whether the operation may succeed on retry.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Identity returns the credential identity the error concerns, if any.
func (e *Error) Identity() string {
	return e.metadata[MetaIdentity]
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Option configures an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithIdentity tags the error with a credential identity.
func WithIdentity(identity string) Option {
	return WithMetadata(MetaIdentity, identity)
}

// WithOwner tags the error with a referral owner.
func WithOwner(owner string) Option {
	return WithMetadata(MetaOwner, owner)
}

// WithRecord tags the error with a backend record id.
func WithRecord(id string) Option {
	return WithMetadata(MetaRecord, id)
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// CredentialInvalid reports that the Bot API rejected a credential.
func CredentialInvalid(identity string, opts ...Option) *Error {
	opts = append([]Option{WithIdentity(identity)}, opts...)
	return New(ErrCodeCredentialInvalid, fmt.Sprintf("credential %s rejected", identity), opts...)
}

// Unavailable reports a transient upstream failure.
func Unavailable(message string, opts ...Option) *Error {
	return New(ErrCodeUnavailable, message, opts...)
}

// ProvisioningFailed reports that no new credential could be obtained.
func ProvisioningFailed(reason string, opts ...Option) *Error {
	return New(ErrCodeProvisioningFailed, "provisioning failed: "+reason, opts...)
}

// ProcessCrash reports a worker that exited during its startup grace.
func ProcessCrash(identity string, opts ...Option) *Error {
	opts = append([]Option{WithIdentity(identity)}, opts...)
	return New(ErrCodeProcessCrash, fmt.Sprintf("worker for %s exited during startup", identity), opts...)
}

// SlotOccupied reports an attempt to start a second worker in one slot.
func SlotOccupied(slot string, opts ...Option) *Error {
	return New(ErrCodeSlotOccupied, fmt.Sprintf("slot %s already has a live worker", slot), opts...)
}

// RelayAuth reports a dispatch request with a missing or wrong secret.
func RelayAuth(opts ...Option) *Error {
	return FromCode(ErrCodeRelayAuth, opts...)
}

// RelayMalformed reports a dispatch request that failed validation.
func RelayMalformed(reason string, opts ...Option) *Error {
	return New(ErrCodeRelayMalformed, reason, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
