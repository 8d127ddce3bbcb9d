package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// IntentService defines the methods that the intent handler requires from
// the service layer.
type IntentService interface {
	PlaceManual(ctx context.Context, client string, in domain.TradeIntent) (domain.IntentRecord, error)
	Get(ctx context.Context, id string) (domain.IntentRecord, error)
	Cancel(ctx context.Context, id string) (domain.IntentRecord, error)
}

// IntentLister lists the intents the coordinator still tracks.
type IntentLister interface {
	List() []domain.IntentRecord
}

// ClientIDFunc identifies the caller of a request for rate limiting.
type ClientIDFunc func(r *http.Request) string

// IntentHandler serves manual intents.
type IntentHandler struct {
	intents IntentService
	lister  IntentLister
	client  ClientIDFunc
	logger  *slog.Logger
}

// NewIntentHandler creates an IntentHandler.
func NewIntentHandler(intents IntentService, lister IntentLister, client ClientIDFunc, logger *slog.Logger) *IntentHandler {
	if client == nil {
		client = func(r *http.Request) string { return r.RemoteAddr }
	}
	return &IntentHandler{intents: intents, lister: lister, client: client, logger: logHandler(logger, "intent")}
}

// PlaceIntentRequest is the JSON body for POST /api/intents.
type PlaceIntentRequest struct {
	ID             string               `json:"id"`
	Instrument     domain.InstrumentKey `json:"instrument"`
	Side           domain.OrderSide     `json:"side"`
	Quantity       decimal.Decimal      `json:"quantity"`
	Price          decimal.Decimal      `json:"price"`
	Margin         bool                 `json:"margin"`
	Leverage       decimal.Decimal      `json:"leverage"`
	ReferencePrice decimal.Decimal      `json:"reference_price"`
	StrategyID     string               `json:"strategy_id"`
	Reason         string               `json:"reason"`
}

type intentResponse struct {
	Intent domain.IntentRecord `json:"intent"`
	Error  string              `json:"error,omitempty"`
}

// PlaceIntent submits a manual intent through risk evaluation.
// POST /api/intents
func (h *IntentHandler) PlaceIntent(w http.ResponseWriter, r *http.Request) {
	var req PlaceIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Side = domain.OrderSide(strings.ToLower(string(req.Side)))

	rec, err := h.intents.PlaceManual(r.Context(), h.client(r), domain.TradeIntent{
		ID:         req.ID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StrategyID: req.StrategyID,
		Reason:     req.Reason,
		Risk: domain.RiskContext{
			Margin:         req.Margin,
			Leverage:       req.Leverage,
			ReferencePrice: req.ReferencePrice,
		},
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "place intent failed", slog.String("error", err.Error()))
		}
		if rec.Intent.ID == "" {
			writeError(w, status, err.Error())
			return
		}
		// Risk and exchange rejections still produced a record.
		writeJSON(w, status, intentResponse{Intent: rec, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, intentResponse{Intent: rec})
}

// GetIntent returns one intent by id.
// GET /api/intents/{id}
func (h *IntentHandler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing intent id")
		return
	}
	rec, err := h.intents.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{Intent: rec})
}

// ListIntents returns tracked intents, newest first. ?state= filters by state.
// GET /api/intents?state=acked&limit=50&offset=0
func (h *IntentHandler) ListIntents(w http.ResponseWriter, r *http.Request) {
	state := domain.IntentState(r.URL.Query().Get("state"))
	all := h.lister.List()
	out := make([]domain.IntentRecord, 0, len(all))
	for _, rec := range all {
		if state == "" || rec.State == state {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent.CreatedAt.After(out[j].Intent.CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"intents": page(out, parseListOpts(r))})
}

// CancelIntent cancels an acknowledged intent's open order.
// POST /api/intents/{id}/cancel
func (h *IntentHandler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing intent id")
		return
	}
	rec, err := h.intents.Cancel(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, domain.ErrExchangeRejected) {
			status = http.StatusConflict
		}
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "cancel intent failed",
				slog.String("intent_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{Intent: rec})
}
