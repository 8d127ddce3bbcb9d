package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")

	// Market data.
	ErrConnection     = errors.New("connection error")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrSequenceGap    = errors.New("sequence gap")
	ErrNotAvailable   = errors.New("not available")
	ErrDegraded       = errors.New("session degraded")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownExch    = errors.New("unknown exchange")

	// Indicators. Caller errors, never retried.
	ErrUnknownIndicator = errors.New("unknown indicator")
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidParams    = errors.New("invalid indicator parameters")

	// Execution and ledger.
	ErrRiskRejected        = errors.New("risk rejected")
	ErrSubmissionUncertain = errors.New("submission uncertain")
	ErrInstrumentBlocked   = errors.New("instrument blocked pending reconciliation")
	ErrExchangeRejected    = errors.New("exchange rejected order")
	ErrDuplicateIntent     = errors.New("duplicate intent")
	ErrInvalidIntent       = errors.New("invalid intent")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrDuplicateFill       = errors.New("duplicate fill")
	ErrInvalidFill         = errors.New("invalid fill")
	ErrPositionUnderflow   = errors.New("fill exceeds remaining quantity")
	ErrReconciliationDrift = errors.New("reconciliation drift")
)

// ConnectionError reports a failed handshake or transport failure on one
// exchange session.
type ConnectionError struct {
	Exchange ExchangeID
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// RiskRejectedError carries the reason an intent failed risk evaluation.
type RiskRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RiskRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk rejected: %s", e.Reason)
	}
	return fmt.Sprintf("risk rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RiskRejectedError) Is(target error) bool { return target == ErrRiskRejected }

// InsufficientDataError is returned when a series is shorter than an
// indicator's minimum window.
type InsufficientDataError struct {
	Indicator string
	Need      int
	Have      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d candles, have %d", e.Indicator, e.Need, e.Have)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }
