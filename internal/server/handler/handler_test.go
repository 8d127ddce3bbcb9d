package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/indicator"
)

var (
	discard = slog.New(slog.DiscardHandler)
	btc     = domain.NewInstrumentKey("binance", "BTCUSDT")
)

func do(t *testing.T, pattern string, h http.HandlerFunc, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

type snapshots struct {
	got domain.SubscriptionKey
	err error
}

func (s *snapshots) GetSnapshot(_ context.Context, key domain.SubscriptionKey) (domain.Snapshot, error) {
	s.got = key
	if s.err != nil {
		return domain.Snapshot{}, s.err
	}
	return domain.Snapshot{Key: key, Ticker: &domain.Ticker{Bid: 1, Ask: 2}}, nil
}

func TestMarketSnapshot(t *testing.T) {
	src := &snapshots{}
	h := NewMarketHandler(src, discard)
	const pattern = "GET /api/markets/{exchange}/{symbol}/{channel}"

	rec, body := do(t, pattern, h.GetSnapshot, "GET", "/api/markets/Binance/btcusdt/ticker", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SubscriptionKey{Instrument: btc, Channel: domain.TickerChannel}, src.got)
	assert.NotNil(t, body["ticker"])

	do(t, pattern, h.GetSnapshot, "GET", "/api/markets/binance/BTCUSDT/ohlcv?tf=5m", "")
	assert.Equal(t, domain.OHLCV("5m"), src.got.Channel)

	rec, _ = do(t, pattern, h.GetSnapshot, "GET", "/api/markets/binance/BTCUSDT/funding", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	src.err = fmt.Errorf("x: %w", domain.ErrNotAvailable)
	rec, _ = do(t, pattern, h.GetSnapshot, "GET", "/api/markets/binance/BTCUSDT/orderbook", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type indicators struct{ params indicator.Params }

func (i *indicators) Compute(inst domain.InstrumentKey, tf domain.Timeframe, id string, p indicator.Params) (domain.IndicatorResult, error) {
	i.params = p
	if id != "rsi" {
		return domain.IndicatorResult{}, domain.ErrUnknownIndicator
	}
	return domain.IndicatorResult{Instrument: inst, Timeframe: tf, Indicator: id, Values: map[string]float64{"value": 42}}, nil
}

func (i *indicators) Results() []domain.IndicatorResult {
	return []domain.IndicatorResult{{Instrument: btc, Indicator: "sma"}, {Instrument: btc, Indicator: "ema"}}
}

func TestIndicatorCompute(t *testing.T) {
	src := &indicators{}
	h := NewIndicatorHandler(src, discard)
	const pattern = "GET /api/indicators/{exchange}/{symbol}/{timeframe}/{indicator}"

	rec, body := do(t, pattern, h.Compute, "GET", "/api/indicators/binance/BTCUSDT/1m/rsi?params=period=7", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, indicator.Params{"period": 7}, src.params)
	assert.Equal(t, 42.0, body["values"].(map[string]any)["value"])

	rec, _ = do(t, pattern, h.Compute, "GET", "/api/indicators/binance/BTCUSDT/1m/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, pattern, h.Compute, "GET", "/api/indicators/binance/BTCUSDT/7x/rsi", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = do(t, "GET /api/indicators", h.List, "GET", "/api/indicators", "")
	list := body["indicators"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "ema", list[0].(map[string]any)["indicator"], "sorted")
}

type intents struct {
	placed domain.TradeIntent
	client string
	err    error
	recs   map[string]domain.IntentRecord
}

func (s *intents) PlaceManual(_ context.Context, client string, in domain.TradeIntent) (domain.IntentRecord, error) {
	s.placed, s.client = in, client
	if in.ID == "" {
		in.ID = "generated"
	}
	return domain.IntentRecord{Intent: in, State: domain.IntentRejectedByRisk}, s.err
}

func (s *intents) Get(_ context.Context, id string) (domain.IntentRecord, error) {
	rec, ok := s.recs[id]
	if !ok {
		return domain.IntentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *intents) Cancel(_ context.Context, id string) (domain.IntentRecord, error) {
	rec, ok := s.recs[id]
	if !ok {
		return domain.IntentRecord{}, domain.ErrNotFound
	}
	if rec.State != domain.IntentAcked {
		return rec, domain.ErrInvalidTransition
	}
	rec.State = domain.IntentCancelled
	return rec, nil
}

func (s *intents) List() []domain.IntentRecord {
	out := make([]domain.IntentRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out
}

func TestPlaceIntent(t *testing.T) {
	svc := &intents{}
	h := NewIntentHandler(svc, svc, func(*http.Request) string { return "c1" }, discard)

	rec, body := do(t, "POST /api/intents", h.PlaceIntent, "POST", "/api/intents",
		`{"instrument":"binance:BTCUSDT","side":"BUY","quantity":"0.5","price":"100","strategy_id":"ops"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, btc, svc.placed.Instrument)
	assert.Equal(t, domain.OrderSideBuy, svc.placed.Side)
	assert.True(t, decimal.RequireFromString("0.5").Equal(svc.placed.Quantity))
	assert.Equal(t, "c1", svc.client)
	assert.Equal(t, "generated", body["intent"].(map[string]any)["intent"].(map[string]any)["id"])

	svc.err = &domain.RiskRejectedError{Reason: "max_position_notional"}
	rec, body = do(t, "POST /api/intents", h.PlaceIntent, "POST", "/api/intents", `{"instrument":"binance:BTCUSDT","side":"buy","quantity":"9"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["error"], "max_position_notional")
	assert.NotNil(t, body["intent"], "rejections return the record")

	rec, _ = do(t, "POST /api/intents", h.PlaceIntent, "POST", "/api/intents", `{"instrument":"nocolon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = fmt.Errorf("throttled: %w", domain.ErrRateLimited)
	rec, _ = do(t, "POST /api/intents", h.PlaceIntent, "POST", "/api/intents", `{"instrument":"binance:BTCUSDT","side":"buy","quantity":"1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetListCancelIntent(t *testing.T) {
	now := time.Now()
	svc := &intents{recs: map[string]domain.IntentRecord{
		"a": {Intent: domain.TradeIntent{ID: "a", CreatedAt: now.Add(-time.Minute)}, State: domain.IntentAcked},
		"b": {Intent: domain.TradeIntent{ID: "b", CreatedAt: now}, State: domain.IntentFilled},
	}}
	h := NewIntentHandler(svc, svc, nil, discard)

	rec, _ := do(t, "GET /api/intents/{id}", h.GetIntent, "GET", "/api/intents/a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, "GET /api/intents/{id}", h.GetIntent, "GET", "/api/intents/zz", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, body := do(t, "GET /api/intents", h.ListIntents, "GET", "/api/intents", "")
	list := body["intents"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].(map[string]any)["intent"].(map[string]any)["id"], "newest first")
	_, body = do(t, "GET /api/intents", h.ListIntents, "GET", "/api/intents?state=acked", "")
	assert.Len(t, body["intents"], 1)

	const cancel = "POST /api/intents/{id}/cancel"
	rec, body = do(t, cancel, h.CancelIntent, "POST", "/api/intents/a/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["intent"].(map[string]any)["state"])
	rec, _ = do(t, cancel, h.CancelIntent, "POST", "/api/intents/b/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type sessions struct{ reopened domain.ExchangeID }

func (s *sessions) Status() []domain.SessionStatus {
	return []domain.SessionStatus{{Exchange: "binance", State: domain.SessionDegraded}}
}
func (s *sessions) Exchanges() []domain.ExchangeID     { return []domain.ExchangeID{"binance"} }
func (s *sessions) Degraded(id domain.ExchangeID) bool { return id == "binance" }
func (s *sessions) Reopen(id domain.ExchangeID) (int, error) {
	if id != "binance" {
		return 0, domain.ErrUnknownExch
	}
	s.reopened = id
	return 1, nil
}

func TestStatusAndReopen(t *testing.T) {
	s := &sessions{}
	status := NewStatusHandler("hub", time.Now(), s, nil)
	rec, body := do(t, "GET /api/status", status.GetStatus, "GET", "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hub", body["mode"])
	assert.Nil(t, body["execution"])
	ex := body["exchanges"].([]any)[0].(map[string]any)
	assert.Equal(t, true, ex["degraded"])

	h := NewExchangeHandler(s, discard)
	rec, body = do(t, "POST /api/exchanges/{exchange}/reopen", h.Reopen, "POST", "/api/exchanges/binance/reopen", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["reopened"])
	rec, _ = do(t, "POST /api/exchanges/{exchange}/reopen", h.Reopen, "POST", "/api/exchanges/kraken/reopen", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type ledgerSnap struct{ snap domain.LedgerSnapshot }

func (l ledgerSnap) Snapshot() domain.LedgerSnapshot { return l.snap }

func TestListPositions(t *testing.T) {
	eth := domain.NewInstrumentKey("binance", "ETHUSDT")
	h := NewPositionHandler(ledgerSnap{domain.LedgerSnapshot{
		Version: 3,
		Positions: map[domain.InstrumentKey]domain.Position{
			eth: {Instrument: eth, Kind: domain.PositionSpot, Spot: &domain.SpotDetail{RemainingQuantity: decimal.NewFromInt(1)}},
			btc: {Instrument: btc, Kind: domain.PositionSpot, Spot: &domain.SpotDetail{}},
		},
		AvailableCollateral: decimal.NewFromInt(1000),
	}})

	_, body := do(t, "GET /api/positions", h.ListPositions, "GET", "/api/positions", "")
	assert.Equal(t, 3.0, body["version"])
	assert.Equal(t, "1000", body["available_collateral"])
	list := body["positions"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "binance:BTCUSDT", list[0].(map[string]any)["instrument"])

	_, body = do(t, "GET /api/positions", h.ListPositions, "GET", "/api/positions?open=true", "")
	assert.Len(t, body["positions"], 1)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return fmt.Errorf("refused") },
	}, discard)
	rec, body := do(t, "GET /health", h.HealthCheck, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "postgres": "refused"}, body["dependencies"])

	rec, _ = do(t, "GET /health", NewHealthHandler(nil, discard).HealthCheck, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusAccepted, statusFor(fmt.Errorf("x: %w", domain.ErrSubmissionUncertain)))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrInstrumentBlocked))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
}
