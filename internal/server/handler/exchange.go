package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// SessionReopener restarts Degraded market data sessions.
type SessionReopener interface {
	Reopen(exchange domain.ExchangeID) (int, error)
}

// ExchangeHandler serves operator actions on exchange sessions.
type ExchangeHandler struct {
	hub    SessionReopener
	logger *slog.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(hub SessionReopener, logger *slog.Logger) *ExchangeHandler {
	return &ExchangeHandler{hub: hub, logger: logHandler(logger, "exchange")}
}

// Reopen restarts every Degraded session of one exchange.
// POST /api/exchanges/{exchange}/reopen
func (h *ExchangeHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	id := domain.ExchangeID(pathParam(r, "exchange"))
	n, err := h.hub.Reopen(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "sessions reopened", slog.String("exchange", string(id)), slog.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"exchange": id, "reopened": n})
}
