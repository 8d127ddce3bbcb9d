package handler

import (
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/strategy"
)

// StrategyReporter exposes strategy runtime state.
type StrategyReporter interface {
	ListInfo() []strategy.StrategyInfo
	RecentIntents(limit int) []domain.TradeIntent
}

// StrategyHandler serves strategy runtime info. When the reporter is nil
// (hub mode), requests return 501.
type StrategyHandler struct {
	engine StrategyReporter
}

// NewStrategyHandler creates a StrategyHandler. engine may be nil.
func NewStrategyHandler(engine StrategyReporter) *StrategyHandler {
	return &StrategyHandler{engine: engine}
}

// List returns every registered strategy and its most recent intents.
// GET /api/strategies?recent=20
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusNotImplemented, "strategies not running in this mode")
		return
	}
	recent, _ := strconv.Atoi(r.URL.Query().Get("recent"))
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": h.engine.ListInfo(),
		"recent":     h.engine.RecentIntents(recent),
	})
}
