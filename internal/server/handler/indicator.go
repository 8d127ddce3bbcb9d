package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/indicator"
)

// IndicatorSource computes indicators on demand.
type IndicatorSource interface {
	Compute(inst domain.InstrumentKey, tf domain.Timeframe, id string, params indicator.Params) (domain.IndicatorResult, error)
	Results() []domain.IndicatorResult
}

// IndicatorHandler serves indicator values.
type IndicatorHandler struct {
	engine IndicatorSource
	logger *slog.Logger
}

// NewIndicatorHandler creates an IndicatorHandler.
func NewIndicatorHandler(engine IndicatorSource, logger *slog.Logger) *IndicatorHandler {
	return &IndicatorHandler{engine: engine, logger: logHandler(logger, "indicator")}
}

// Compute returns one indicator against the newest closed candle.
// GET /api/indicators/{exchange}/{symbol}/{timeframe}/{indicator}?params=period=14
func (h *IndicatorHandler) Compute(w http.ResponseWriter, r *http.Request) {
	inst, ok := instrumentParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing exchange or symbol")
		return
	}
	tf := domain.Timeframe(pathParam(r, "timeframe"))
	if !tf.Valid() {
		writeError(w, http.StatusBadRequest, "invalid timeframe")
		return
	}
	params, err := indicator.ParseParams(r.URL.Query().Get("params"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Compute(inst, tf, pathParam(r, "indicator"), params)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "compute indicator failed", slog.String("error", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// List returns every cached indicator result.
// GET /api/indicators
func (h *IndicatorHandler) List(w http.ResponseWriter, r *http.Request) {
	results := h.engine.Results()
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Instrument != b.Instrument {
			return a.Instrument.String() < b.Instrument.String()
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		if a.Indicator != b.Indicator {
			return a.Indicator < b.Indicator
		}
		return a.Params < b.Params
	})
	writeJSON(w, http.StatusOK, map[string]any{"indicators": results})
}
