// Package api is the HTTP surface of the terminal: instance lifecycle,
// signal webhooks with optional HMAC verification, and monitor control.
// Signal dispatch is fire-and-forget; the webhook response never waits for
// an order.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quant-terminal/internal/broker"
	"quant-terminal/internal/engine"
	"quant-terminal/pkg/types"
)

// probeTimeout bounds the broker calls behind /balance and /test.
const probeTimeout = 10 * time.Second

// Monitor is the currency-monitor surface the API exposes. Nil disables
// the /monitor endpoints.
type Monitor interface {
	Running() bool
	Pairs() []types.Pair
	AlertedPairs() []types.Pair
	AddPair(ctx context.Context, pair types.Pair) error
	RemovePair(ctx context.Context, pair types.Pair) error
}

// BrokerFactory builds the adapter for a register request; tests inject a
// fake venue here.
type BrokerFactory func(exchange string, creds broker.Credentials) (broker.Client, error)

// Handlers holds the router's dependencies.
type Handlers struct {
	registry     *engine.Registry
	monitor      Monitor
	newBroker    BrokerFactory
	secret       string
	defaultHours []int
	logger       *slog.Logger
}

// NewHandlers wires the handler set. secret enables webhook HMAC checks
// when non-empty; monitor may be nil. defaultHours is the forbidden-hours
// set applied to registrations that leave the field unset.
func NewHandlers(registry *engine.Registry, monitor Monitor, newBroker BrokerFactory, secret string, defaultHours []int, logger *slog.Logger) *Handlers {
	return &Handlers{
		registry:     registry,
		monitor:      monitor,
		newBroker:    newBroker,
		secret:       secret,
		defaultHours: defaultHours,
		logger:       logger.With("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// verifySignature checks the X-Signature header (HMAC-SHA256 hex over the
// raw body) in constant time. With no configured secret, or no header, the
// request passes.
func (h *Handlers) verifySignature(body []byte, header string) bool {
	if h.secret == "" || header == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(header))))
}

// HandleRegister creates or updates an instance. The margin spec comes
// from the payload, falling back to WEBHOOK_MARGIN_AMOUNT_{instance_id}.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	marginSpec := req.MarginAmount
	if marginSpec == "" {
		marginSpec = os.Getenv("WEBHOOK_MARGIN_AMOUNT_" + req.InstanceID)
	}
	if marginSpec == "" {
		writeError(w, http.StatusBadRequest, "margin_amount is required (or WEBHOOK_MARGIN_AMOUNT_%s)", req.InstanceID)
		return
	}
	margin, err := engine.ParseMarginSpec(marginSpec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	client, err := h.newBroker(req.Exchange, broker.Credentials{
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		PrivateKey: req.PrivateKey,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	leverage := decimal.NewFromInt(1)
	if req.Leverage > 0 {
		leverage = decimal.NewFromFloat(req.Leverage)
	}
	// An absent field inherits the configured default; an explicit empty
	// list clears it.
	hours := req.ForbiddenHours
	if hours == nil {
		hours = h.defaultHours
	}
	cfg := engine.InstanceConfig{
		InstanceID:     req.InstanceID,
		Exchange:       client.Name(),
		Symbol:         strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Leverage:       leverage,
		StopLossPct:    decimal.NewFromFloat(req.StopLossRatio),
		TakeProfitPct:  decimal.NewFromFloat(req.TakeProfitRatio),
		Margin:         margin,
		ForbiddenHours: hours,
		StrategyName:   req.StrategyName,
	}

	eng, err := h.registry.Register(r.Context(), cfg, client)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instance_id": req.InstanceID,
		"config":      eng.Config(),
	})
}

// HandleUnregister drops an instance.
func (h *Handlers) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Unregister(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": fmt.Sprintf("instance %s unregistered", id),
	})
}

// HandleInstances lists the registered instances.
func (h *Handlers) HandleInstances(w http.ResponseWriter, r *http.Request) {
	engines := h.registry.List()
	statuses := make([]engine.Status, 0, len(engines))
	for _, eng := range engines {
		statuses = append(statuses, eng.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(statuses),
		"instances": statuses,
	})
}

// HandleBalance returns the instance's free balance.
func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "instance %q not registered", r.PathValue("id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	balance, err := eng.Broker().Balance(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "balance: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": balance,
		"symbol":  eng.Config().Symbol,
	})
}

// decodeSignal reads and validates the signal body after signature
// verification. Returns nil after writing the error response.
func (h *Handlers) decodeSignal(w http.ResponseWriter, r *http.Request) *types.Signal {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return nil
	}
	if !h.verifySignature(body, r.Header.Get("X-Signature")) {
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return nil
	}

	var sig types.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(sig.Signal)) {
	case "buy", "long", "sell", "short", "close":
		return &sig
	default:
		writeError(w, http.StatusBadRequest, "unknown signal %q", sig.Signal)
		return nil
	}
}

// dispatch hands the signal to the engine off the request goroutine.
func (h *Handlers) dispatch(eng *engine.TradingEngine, sig types.Signal) {
	go func() {
		if err := eng.ExecuteSignal(context.Background(), sig); err != nil {
			h.logger.Error("signal execution failed", "error", err)
		}
	}()
}

// HandleWebhook routes a signal: with instance_id to that instance, else
// fan-out to every instance matching the strategy and symbol filters.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	sig := h.decodeSignal(w, r)
	if sig == nil {
		return
	}

	if sig.InstanceID != "" {
		eng, ok := h.registry.Get(sig.InstanceID)
		if !ok {
			writeError(w, http.StatusNotFound, "instance %q not registered", sig.InstanceID)
			return
		}
		h.dispatch(eng, *sig)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "accepted",
			"mode":      "single",
			"instances": []string{sig.InstanceID},
		})
		return
	}

	targets := h.registry.Targets(*sig)
	ids := make([]string, 0, len(targets))
	for _, eng := range targets {
		h.dispatch(eng, *sig)
		ids = append(ids, eng.Config().InstanceID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "accepted",
		"mode":            "broadcast",
		"instances":       ids,
		"broadcast_count": len(ids),
	})
}

// HandleWebhookInstance routes a signal to the path's instance.
func (h *Handlers) HandleWebhookInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eng, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "instance %q not registered", id)
		return
	}

	sig := h.decodeSignal(w, r)
	if sig == nil {
		return
	}
	h.dispatch(eng, *sig)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "accepted",
		"instance_id": id,
	})
}

// HandleReset clears a stop-loss halt.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "instance %q not registered", r.PathValue("id"))
		return
	}
	eng.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleTest probes broker connectivity (balance + quote) without placing
// orders.
func (h *Handlers) HandleTest(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "instance %q not registered", r.PathValue("id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	balance, err := eng.Broker().Balance(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "balance: %v", err)
		return
	}
	price, err := eng.Broker().Quote(ctx, eng.Config().Symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, "quote: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"balance": balance,
		"price":   price,
	})
}

// HandleUpdateConfig applies a partial configuration update in place.
func (h *Handlers) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "instance %q not registered", r.PathValue("id"))
		return
	}

	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	update := engine.ConfigUpdate{
		MarginSpec: req.MarginAmount,
		Symbol:     req.Symbol,
	}
	var updated []string
	if req.MarginAmount != nil {
		updated = append(updated, "margin_amount")
	}
	if req.Symbol != nil {
		updated = append(updated, "symbol")
	}
	if req.StopLossRatio != nil {
		v := decimal.NewFromFloat(*req.StopLossRatio)
		update.StopLossPct = &v
		updated = append(updated, "stop_loss_ratio")
	}
	if req.TakeProfitRatio != nil {
		v := decimal.NewFromFloat(*req.TakeProfitRatio)
		update.TakeProfitPct = &v
		updated = append(updated, "take_profit_ratio")
	}
	if req.Leverage != nil {
		v := decimal.NewFromFloat(*req.Leverage)
		update.Leverage = &v
		updated = append(updated, "leverage")
	}

	cfg, err := eng.UpdateConfig(update)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"updated":        updated,
		"current_config": cfg,
	})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMonitorStatus reports the monitor loop and its pair set.
func (h *Handlers) HandleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": h.monitor.Running(),
		"pairs":   h.monitor.Pairs(),
		"alerted": h.monitor.AlertedPairs(),
	})
}

// HandleMonitorAddPair adds a pair to the live monitor set.
func (h *Handlers) HandleMonitorAddPair(w http.ResponseWriter, r *http.Request) {
	h.mutateMonitorPairs(w, r, func(ctx context.Context, pair types.Pair) error {
		return h.monitor.AddPair(ctx, pair)
	})
}

// HandleMonitorRemovePair removes a pair from the live monitor set.
func (h *Handlers) HandleMonitorRemovePair(w http.ResponseWriter, r *http.Request) {
	h.mutateMonitorPairs(w, r, func(ctx context.Context, pair types.Pair) error {
		return h.monitor.RemovePair(ctx, pair)
	})
}

func (h *Handlers) mutateMonitorPairs(w http.ResponseWriter, r *http.Request, op func(context.Context, types.Pair) error) {
	if h.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor disabled")
		return
	}

	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	pair, err := types.NewPair(req.Symbol, req.Timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := op(r.Context(), pair); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pairs":  h.monitor.Pairs(),
	})
}
