package protocol

// Error codes form a closed enumeration. Internal errors are mapped onto
// these at the RPC boundary; handlers never invent ad-hoc codes.
const (
	ErrInvalidRequest        = "invalid_request"
	ErrUnauthorized          = "unauthorized"
	ErrForbidden             = "forbidden"
	ErrNotFound              = "not_found"
	ErrConflict              = "conflict"
	ErrRateLimited           = "rate_limited"
	ErrAgentTimeout          = "agent_timeout"
	ErrProviderUnavailable   = "provider_unavailable"
	ErrChannelNotLinked      = "channel_not_linked"
	ErrCompactionIneffective = "compaction_ineffective"
	ErrInternal              = "internal_error"
	ErrServiceUnavailable    = "service_unavailable"
	ErrAborted               = "aborted"
)

// Authorization scopes carried by client tokens. ScopeAdmin implies all.
const (
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeApprovals = "approvals"
	ScopePairing   = "pairing"
	ScopeAdmin     = "admin"
)

// HasScope reports whether the granted scope set satisfies the required
// scope. Admin satisfies everything.
func HasScope(granted []string, required string) bool {
	for _, s := range granted {
		if s == ScopeAdmin || s == required {
			return true
		}
	}
	return false
}
