package executor

import (
	"fmt"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// transitions lists the allowed next states. An uncertain submission may
// move to any post-submission state once the exchange has been queried.
var transitions = map[domain.IntentState][]domain.IntentState{
	domain.IntentCreated:      {domain.IntentRiskAccepted, domain.IntentRejectedByRisk},
	domain.IntentRiskAccepted: {domain.IntentSubmitted, domain.IntentCancelled},
	domain.IntentSubmitted:    {domain.IntentAcked, domain.IntentRejectedByExchange, domain.IntentSubmissionUncertain},
	domain.IntentSubmissionUncertain: {
		domain.IntentAcked,
		domain.IntentRejectedByExchange,
		domain.IntentPartiallyFilled,
		domain.IntentFilled,
		domain.IntentCancelled,
	},
	domain.IntentAcked:           {domain.IntentPartiallyFilled, domain.IntentFilled, domain.IntentCancelled},
	domain.IntentPartiallyFilled: {domain.IntentPartiallyFilled, domain.IntentFilled, domain.IntentCancelled},
}

func canTransition(from, to domain.IntentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(id string, from, to domain.IntentState) error {
	if !canTransition(from, to) {
		return fmt.Errorf("executor: intent %s: %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	return nil
}

// open reports whether an intent in state s may still fill.
func open(s domain.IntentState) bool {
	switch s {
	case domain.IntentRiskAccepted, domain.IntentSubmitted, domain.IntentSubmissionUncertain,
		domain.IntentAcked, domain.IntentPartiallyFilled:
		return true
	}
	return false
}
