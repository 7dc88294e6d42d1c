// Package errors provides the structured error taxonomy used across the
// fleet supervisor. Every failure that crosses a component boundary carries
// a code and a category so callers can decide whether to retry, skip, or
// retire the credential involved.
//
// # Error Categories
//
//   - Transient: a retry may succeed (network faults, upstream 5xx, timeouts)
//   - Permanent: a retry will not help (revoked credential, bad request)
//   - Internal: unexpected failures inside the supervisor itself
//
// # Usage
//
//	err := errors.CredentialInvalid("bot-a", errors.WithRecord("17"))
//	if errors.Is(err, errors.ErrCodeCredentialInvalid) {
//	    // retire the credential
//	}
//
// Errors wrap cleanly with Wrap and interoperate with the standard library
// errors.Is and errors.As.
package errors
