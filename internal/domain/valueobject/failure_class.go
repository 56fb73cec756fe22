package valueobject

import "fmt"

// FailureClass categorizes why a gateway call or a reconciliation step failed.
// The driver keys its escalation decisions off this classification.
type FailureClass string

// Failure classification constants.
const (
	FailureTimeout              FailureClass = "timeout"
	FailureRateLimit            FailureClass = "rate_limit"
	FailureTransport            FailureClass = "transport"
	FailureMalformedResponse    FailureClass = "malformed_response"
	FailureIDMismatch           FailureClass = "id_mismatch"
	FailurePlaceholderViolation FailureClass = "placeholder_violation"
	FailureAuth                 FailureClass = "auth"
	FailureUnknown              FailureClass = "unknown"
)

// validFailureClasses contains all valid failure classifications.
var validFailureClasses = map[FailureClass]bool{
	FailureTimeout:              true,
	FailureRateLimit:            true,
	FailureTransport:            true,
	FailureMalformedResponse:    true,
	FailureIDMismatch:           true,
	FailurePlaceholderViolation: true,
	FailureAuth:                 true,
	FailureUnknown:              true,
}

// NewFailureClass creates a new FailureClass with validation.
func NewFailureClass(class string) (FailureClass, error) {
	f := FailureClass(class)
	if !validFailureClasses[f] {
		return "", fmt.Errorf("invalid failure class: %s", class)
	}
	return f, nil
}

// String returns the string representation of the failure class.
func (f FailureClass) String() string {
	return string(f)
}

// IsTransportLevel returns true for failures of the call transport itself,
// which are eligible for local retry and model fallback before bisection.
func (f FailureClass) IsTransportLevel() bool {
	switch f {
	case FailureTimeout, FailureRateLimit, FailureTransport:
		return true
	default:
		return false
	}
}

// IsContentLevel returns true for failures detected in an otherwise delivered
// response; these drive the reconciliation and bisection paths.
func (f FailureClass) IsContentLevel() bool {
	switch f {
	case FailureMalformedResponse, FailureIDMismatch, FailurePlaceholderViolation:
		return true
	default:
		return false
	}
}
