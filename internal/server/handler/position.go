package handler

import (
	"net/http"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// PositionSource defines what the position handler requires from the ledger.
type PositionSource interface {
	Snapshot() domain.LedgerSnapshot
}

// PositionHandler serves ledger positions.
type PositionHandler struct {
	ledger PositionSource
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(ledger PositionSource) *PositionHandler {
	return &PositionHandler{ledger: ledger}
}

type listPositionsResponse struct {
	Version             uint64            `json:"version"`
	AvailableCollateral string            `json:"available_collateral"`
	Positions           []domain.Position `json:"positions"`
}

// ListPositions returns the current ledger snapshot. ?open=true omits flat positions.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	snap := h.ledger.Snapshot()
	positions := snap.Sorted()
	if r.URL.Query().Get("open") == "true" {
		open := positions[:0]
		for _, p := range positions {
			if !p.IsFlat() {
				open = append(open, p)
			}
		}
		positions = open
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{
		Version:             snap.Version,
		AvailableCollateral: snap.AvailableCollateral.String(),
		Positions:           positions,
	})
}
