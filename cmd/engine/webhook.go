package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/router"
	"dcaengine/pkg/cli"
)

// webhookPayload is the validated inbound signal shape.
// Authentication and rate limiting belong to the fronting layer and are
// intentionally absent here.
type webhookPayload struct {
	UserID string `json:"user_id"`
	TV     struct {
		Exchange   string          `json:"exchange"`
		Symbol     string          `json:"symbol"`
		Timeframe  string          `json:"timeframe"`
		Action     string          `json:"action"`
		EntryPrice decimal.Decimal `json:"entry_price"`
	} `json:"tv"`
	ExecutionIntent struct {
		Type string `json:"type"`
		Side string `json:"side"`
	} `json:"execution_intent"`
}

type webhookServer struct {
	router *router.Router
	logger core.ILogger
	srv    *http.Server
}

func newWebhookServer(port string, r *router.Router, logger core.ILogger) *webhookServer {
	s := &webhookServer{router: r, logger: logger.WithField("component", "webhook")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleSignal)
	s.srv = &http.Server{Addr: ":" + port, Handler: mux}
	return s
}

func (s *webhookServer) Start() {
	go func() {
		s.logger.Info("webhook server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webhook server failed", "error", err)
		}
	}()
}

func (s *webhookServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *webhookServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	sig, err := payload.toSignal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.router.Route(r.Context(), sig)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(resp.Status),
		"reason": resp.RejectReason,
	})
}

func (p *webhookPayload) toSignal() (core.Signal, error) {
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		return core.Signal{}, err
	}
	if err := cli.ValidateExchange(p.TV.Exchange); err != nil {
		return core.Signal{}, err
	}
	if err := cli.ValidateSymbol(p.TV.Symbol); err != nil {
		return core.Signal{}, err
	}
	if err := cli.ValidateTimeframe(p.TV.Timeframe); err != nil {
		return core.Signal{}, err
	}

	intentType := core.IntentSignal
	if p.ExecutionIntent.Type == string(core.IntentExit) {
		intentType = core.IntentExit
	}

	// The intent side falls back to the action's natural side when the
	// payload omits it: a buy opens/extends a long, a sell a short.
	side := core.Side(p.ExecutionIntent.Side)
	if side != core.SideLong && side != core.SideShort {
		if p.TV.Action == string(core.ActionBuy) {
			side = core.SideLong
		} else {
			side = core.SideShort
		}
	}

	return core.Signal{
		UserID:     userID,
		Exchange:   p.TV.Exchange,
		Symbol:     p.TV.Symbol,
		Timeframe:  p.TV.Timeframe,
		Action:     core.OrderAction(p.TV.Action),
		EntryPrice: p.TV.EntryPrice,
		IntentType: intentType,
		IntentSide: side,
	}, nil
}
