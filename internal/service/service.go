// Package service holds the long-running jobs that connect the market data
// hub, the ledger and the execution coordinator to storage, the bus and
// operator alerts.
package service

import (
	"context"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Feed yields live events for one subscription key until release is called.
type Feed interface {
	Stream(key domain.SubscriptionKey) (<-chan domain.MarketEvent, func(), error)
}

// Alerter raises an operator notification. key separates instances of the
// same event for rate limiting.
type Alerter interface {
	Notify(ctx context.Context, event, key, title, message string) error
}
