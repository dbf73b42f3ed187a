package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure. Kinds are persisted on node and run
// records, so values are stable wire strings.
type Kind string

const (
	KindValidation              Kind = "validation"
	KindConflict                Kind = "conflict"
	KindNotFound                Kind = "not_found"
	KindInvalidState            Kind = "invalid_state"
	KindInputResolution         Kind = "input_resolution"
	KindAgentError              Kind = "agent_error"
	KindOutputContractViolation Kind = "output_contract_violation"
	KindInfrastructure          Kind = "infrastructure_error"
	KindApprovalRejected        Kind = "approval_rejected"
	KindApprovalTimeout         Kind = "approval_timeout"
	KindStaleState              Kind = "stale_state"
	KindCancelled               Kind = "cancelled"
)

// Retryable reports whether a failure of this kind may be re-attempted.
// Only infrastructure failures qualify; agent bugs and contract violations
// are terminal by design of the execution contract.
func (k Kind) Retryable() bool {
	return k == KindInfrastructure
}

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Message string
	Detail  string // optional: offending path, node ID, cycle description
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches detail context to the error.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
