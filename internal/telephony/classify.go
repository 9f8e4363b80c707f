package telephony

import (
	"strings"

	"github.com/acme/policy-outreach/internal/domain"
)

// classifyRules maps provider and SIP status fragments to outcomes. Rules
// are checked in order; the first match wins.
var classifyRules = []struct {
	fragment string
	outcome  domain.CallOutcome
}{
	{"busy", domain.OutcomeBusy},
	{"486", domain.OutcomeBusy},
	{"no answer", domain.OutcomeNoAnswer},
	{"408", domain.OutcomeNoAnswer},
	{"timeout", domain.OutcomeNoAnswer},
	{"decline", domain.OutcomeRejected},
	{"rejected", domain.OutcomeRejected},
	{"603", domain.OutcomeRejected},
	{"unavailable", domain.OutcomeUnavailable},
	{"480", domain.OutcomeUnavailable},
	{"trial account", domain.OutcomeConfigError},
	{"verified caller", domain.OutcomeConfigError},
}

// ClassifyFailure maps a provider error message to a call outcome.
// Unrecognized messages classify as a generic failure.
func ClassifyFailure(message string) domain.CallOutcome {
	lower := strings.ToLower(message)
	for _, rule := range classifyRules {
		if strings.Contains(lower, rule.fragment) {
			return rule.outcome
		}
	}
	return domain.OutcomeFailed
}

// FinalFailure reports whether the error maps to a definite call outcome,
// meaning an immediate re-dial cannot help. A busy line or a declined call
// is final; an unrecognized transport error is not.
func FinalFailure(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyFailure(err.Error()) != domain.OutcomeFailed
}
