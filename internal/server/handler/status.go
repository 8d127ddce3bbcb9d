package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// SessionReporter reports market data sessions.
type SessionReporter interface {
	Status() []domain.SessionStatus
	Exchanges() []domain.ExchangeID
	Degraded(exchange domain.ExchangeID) bool
}

// ExecutionReporter reports coordinator state. Nil in hub mode.
type ExecutionReporter interface {
	Uncertain() []domain.IntentRecord
	Blocked() []domain.InstrumentKey
	Pending() map[domain.InstrumentKey]domain.PendingExposure
	Limits() domain.RiskLimits
}

// StatusHandler serves the backend status for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	sessions  SessionReporter
	exec      ExecutionReporter
}

// NewStatusHandler creates a StatusHandler. exec may be nil.
func NewStatusHandler(mode string, startedAt time.Time, sessions SessionReporter, exec ExecutionReporter) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, sessions: sessions, exec: exec}
}

type exchangeStatus struct {
	Exchange domain.ExchangeID      `json:"exchange"`
	Degraded bool                   `json:"degraded"`
	Sessions []domain.SessionStatus `json:"sessions"`
}

type pendingStatus struct {
	Instrument domain.InstrumentKey `json:"instrument"`
	domain.PendingExposure
}

// GetStatus responds with mode, session states and, when trading, the
// coordinator's blocked instruments and pending exposure.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	byExchange := make(map[domain.ExchangeID][]domain.SessionStatus)
	for _, s := range h.sessions.Status() {
		byExchange[s.Exchange] = append(byExchange[s.Exchange], s)
	}
	exchanges := make([]exchangeStatus, 0, len(byExchange))
	for _, id := range h.sessions.Exchanges() {
		exchanges = append(exchanges, exchangeStatus{
			Exchange: id,
			Degraded: h.sessions.Degraded(id),
			Sessions: byExchange[id],
		})
	}

	out := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"exchanges":      exchanges,
	}
	if h.exec != nil {
		pending := make([]pendingStatus, 0)
		for inst, p := range h.exec.Pending() {
			pending = append(pending, pendingStatus{Instrument: inst, PendingExposure: p})
		}
		blocked := h.exec.Blocked()
		if blocked == nil {
			blocked = []domain.InstrumentKey{}
		}
		out["execution"] = map[string]any{
			"blocked":   blocked,
			"uncertain": len(h.exec.Uncertain()),
			"pending":   pending,
			"limits":    h.exec.Limits(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
