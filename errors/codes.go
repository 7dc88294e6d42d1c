package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or supervisor bugs.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Upstream temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue

	// Permanent
	ErrCodeCredentialInvalid  ErrorCode = "CREDENTIAL_INVALID"  // Bot API rejected the token
	ErrCodeProvisioningFailed ErrorCode = "PROVISIONING_FAILED" // Could not obtain a new credential
	ErrCodeRelayAuth          ErrorCode = "RELAY_AUTH_FAILURE"  // Missing or wrong relay secret
	ErrCodeRelayMalformed     ErrorCode = "RELAY_MALFORMED_REQUEST"
	ErrCodeSlotOccupied       ErrorCode = "SLOT_OCCUPIED" // A worker already runs in this slot
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeCanceled           ErrorCode = "CANCELED"

	// Internal
	ErrCodeProcessCrash ErrorCode = "PROCESS_CRASH_ON_STARTUP" // Worker exited during grace period
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodePanic        ErrorCode = "PANIC" // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr:
		return CategoryTransient
	case ErrCodeCredentialInvalid, ErrCodeProvisioningFailed, ErrCodeRelayAuth,
		ErrCodeRelayMalformed, ErrCodeSlotOccupied, ErrCodeNotFound,
		ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:            "operation timed out",
	ErrCodeUnavailable:        "upstream temporarily unavailable",
	ErrCodeNetworkErr:         "network connectivity error",
	ErrCodeCredentialInvalid:  "credential rejected by bot api",
	ErrCodeProvisioningFailed: "credential provisioning failed",
	ErrCodeRelayAuth:          "relay authentication failed",
	ErrCodeRelayMalformed:     "malformed dispatch request",
	ErrCodeSlotOccupied:       "worker slot already occupied",
	ErrCodeNotFound:           "resource not found",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodeCanceled:           "operation canceled",
	ErrCodeProcessCrash:       "worker exited during startup grace",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
