package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// SnapshotSource defines what the market handler requires from the hub. It
// is declared locally so the handler package does not depend on the
// concrete hub.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, key domain.SubscriptionKey) (domain.Snapshot, error)
}

// MarketHandler serves last-known market data.
type MarketHandler struct {
	hub    SnapshotSource
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(hub SnapshotSource, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{hub: hub, logger: logHandler(logger, "market")}
}

// GetSnapshot returns the current snapshot for one key. The channel is
// "ticker", "trades", "orderbook", or "ohlcv" with a tf query parameter.
// GET /api/markets/{exchange}/{symbol}/{channel}?tf=1m
func (h *MarketHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	inst, ok := instrumentParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing exchange or symbol")
		return
	}
	name := pathParam(r, "channel")
	if tf := r.URL.Query().Get("tf"); tf != "" {
		name += ":" + tf
	}
	ch, err := domain.ParseChannel(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.hub.GetSnapshot(r.Context(), domain.SubscriptionKey{Instrument: inst, Channel: ch})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "get snapshot failed",
				slog.String("instrument", inst.String()),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
