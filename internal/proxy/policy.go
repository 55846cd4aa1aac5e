package proxy

import "fmt"

// Outcome is the result class of one liveness probe.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRefused   Outcome = "refused"
	OutcomeHandshake Outcome = "handshake"
)

// Terminal reports whether the outcome means the endpoint itself is gone
// rather than a transient network blip.
func (o Outcome) Terminal() bool {
	return o == OutcomeRefused || o == OutcomeHandshake
}

// RetirePolicy decides when a proxy is moved to dead.
type RetirePolicy struct {
	MaxConsecutiveFails int
	MinSuccessRatio     float64
	MinChecks           int
	RetireOnTerminal    bool
}

// DefaultRetirePolicy mirrors the config defaults.
func DefaultRetirePolicy() RetirePolicy {
	return RetirePolicy{
		MaxConsecutiveFails: 5,
		MinSuccessRatio:     0.3,
		MinChecks:           10,
		RetireOnTerminal:    true,
	}
}

// evaluate returns a non-empty reason when r, after recording o, must retire.
func (p RetirePolicy) evaluate(r Resource, o Outcome) string {
	if o == OutcomeSuccess {
		return ""
	}
	if p.RetireOnTerminal && o.Terminal() {
		return fmt.Sprintf("terminal failure: %s", o)
	}
	if p.MaxConsecutiveFails > 0 && r.ConsecutiveFails >= p.MaxConsecutiveFails {
		return fmt.Sprintf("%d consecutive failures", r.ConsecutiveFails)
	}
	checks := r.SuccessCount + r.FailCount
	if p.MinChecks > 0 && checks >= int64(p.MinChecks) {
		ratio := float64(r.SuccessCount) / float64(checks)
		if ratio < p.MinSuccessRatio {
			return fmt.Sprintf("success ratio %.2f below %.2f after %d checks", ratio, p.MinSuccessRatio, checks)
		}
	}
	return ""
}
