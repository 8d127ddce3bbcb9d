package feed

import (
	"fmt"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var sessionTransitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionDisconnected: {domain.SessionConnecting, domain.SessionClosing},
	domain.SessionConnecting:   {domain.SessionConnected, domain.SessionDisconnected, domain.SessionDegraded, domain.SessionClosing},
	domain.SessionConnected:    {domain.SessionDisconnected, domain.SessionClosing},
	domain.SessionDegraded:     {domain.SessionConnecting, domain.SessionClosing},
	domain.SessionClosing:      {domain.SessionDisconnected},
}

// CanTransition reports whether from→to is a legal session transition.
func CanTransition(from, to domain.SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to domain.SessionState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("feed: session %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	return nil
}
