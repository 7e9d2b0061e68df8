package shared

// Reason codes attached to authorization decisions and audit records.
const (
	ReasonGranted         = "granted"
	ReasonExplicitDeny    = "explicit-deny"
	ReasonNoMatchingGrant = "no-matching-grant"
	ReasonCrossTenant     = "cross-tenant"

	ReasonLogin              = "login"
	ReasonLogout             = "logout"
	ReasonInvalidCredentials = "invalid-credentials"
	ReasonLoginLocked        = "login-locked"
	ReasonRevokedByUser      = "revoked-by-user"
	ReasonSessionExpired     = "expired"
	ReasonSessionEvicted     = "session-limit-evicted"

	ReasonRoleChanged = "role-changed"
	ReasonDeactivated = "deactivated"
	ReasonReactivated = "reactivated"
	ReasonQuotaUsers  = "max-users-exceeded"
)
