package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Submission layer.
	ErrSanitizeRejected = "E_SANITIZE_REJECTED"
	ErrRateLimit        = "E_RATE_LIMIT"
	ErrBadRequest       = "E_BAD_REQUEST"

	// Planning/execution layer.
	ErrPlanning         = "E_PLANNING"
	ErrClaimDenied      = "E_CLAIM_DENIED"
	ErrClaimExpired     = "E_CLAIM_EXPIRED"
	ErrTimeout          = "E_TIMEOUT"
	ErrPrecondition     = "E_PRECONDITION_FAILED"
	ErrMutationRejected = "E_MUTATION_REJECTED"
	ErrCancelled        = "E_CANCELLED"

	// Routing/state.
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrConflict      = "E_CONFLICT"
	ErrStale         = "E_STALE"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrSanitizeRejected: {},
	ErrRateLimit:        {},
	ErrBadRequest:       {},
	ErrPlanning:         {},
	ErrClaimDenied:      {},
	ErrClaimExpired:     {},
	ErrTimeout:          {},
	ErrPrecondition:     {},
	ErrMutationRejected: {},
	ErrCancelled:        {},
	ErrInvalidTarget:    {},
	ErrConflict:         {},
	ErrStale:            {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
