package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrInvalid indicates input that fails domain validation.
	ErrInvalid = errors.New("invalid input")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLoginLocked indicates the account is temporarily locked after
	// repeated failed logins.
	ErrLoginLocked = errors.New("login locked")
	// ErrUnauthenticated indicates a missing, malformed, expired or revoked
	// session token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized indicates the resolved principal lacks permission.
	// The wrapping error carries the deny reason code.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCrossTenant indicates a resource reference outside the principal's
	// institution. Always treated as a programming error or attack signal.
	ErrCrossTenant = errors.New("cross-tenant violation")
	// ErrAuditUnavailable indicates the audit trail could not be written.
	// The triggering operation must not proceed.
	ErrAuditUnavailable = errors.New("audit unavailable")
	// ErrQuotaExceeded indicates an institution resource quota was reached.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)
