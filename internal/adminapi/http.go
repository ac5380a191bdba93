package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"dcaengine/internal/core"
)

// HTTPServer serves the admin operations over HTTP/JSON. Authentication
// uses a comma-separated allowlist
// of API keys, presented by the caller in the X-API-Key header. An empty
// allowlist disables the server's mutating routes entirely rather than
// running open.
type HTTPServer struct {
	svc     *Service
	apiKeys map[string]struct{}
	health  core.IHealthMonitor
	logger  core.ILogger
	srv     *http.Server
}

// NewHTTPServer builds the admin HTTP server. apiKeys is the
// comma-separated allowlist (config exchanges.<name>.grpc_api_keys reuses
// the same format).
func NewHTTPServer(addr string, svc *Service, apiKeys string, health core.IHealthMonitor, logger core.ILogger) *HTTPServer {
	keys := make(map[string]struct{})
	for _, k := range strings.Split(apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	s := &HTTPServer{
		svc:     svc,
		apiKeys: keys,
		health:  health,
		logger:  logger.WithField("component", "admin_http"),
	}
	s.srv = &http.Server{Addr: addr, Handler: s.routes()}
	return s
}

func (s *HTTPServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/health", s.handleHealth)
	mux.HandleFunc("POST /admin/groups/{id}/block", s.auth(s.groupFlagHandler(true)))
	mux.HandleFunc("POST /admin/groups/{id}/unblock", s.auth(s.groupFlagHandler(false)))
	mux.HandleFunc("POST /admin/groups/{id}/skip-once", s.auth(s.handleSkipOnce))
	mux.HandleFunc("POST /admin/groups/{id}/exit", s.auth(s.handleManualExit))
	mux.HandleFunc("POST /admin/users/{id}/force-stop", s.auth(s.handleForceStop))
	mux.HandleFunc("POST /admin/users/{id}/force-start", s.auth(s.handleForceStart))
	mux.HandleFunc("POST /admin/queued/{id}/promote", s.auth(s.handlePromote))
	mux.HandleFunc("DELETE /admin/queued/{id}", s.auth(s.handleRemoveQueued))
	return mux
}

// Start begins serving in the background.
func (s *HTTPServer) Start() {
	go func() {
		s.logger.Info("admin http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin http server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the routed handler (test hook).
func (s *HTTPServer) Handler() http.Handler {
	return s.routes()
}

func (s *HTTPServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			http.Error(w, "admin api disabled: no api keys configured", http.StatusForbidden)
			return
		}
		key := r.Header.Get("X-API-Key")
		if _, ok := s.apiKeys[key]; !ok {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type opResult struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
}

func (s *HTTPServer) groupFlagHandler(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid group id"})
			return
		}
		if err := s.svc.risk.SetGroupBlocked(r.Context(), id, blocked); err != nil {
			writeJSON(w, http.StatusInternalServerError, opResult{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, opResult{OK: true})
	}
}

func (s *HTTPServer) handleSkipOnce(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid group id"})
		return
	}
	if err := s.svc.risk.SkipOnce(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, opResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, opResult{OK: true})
}

func (s *HTTPServer) handleManualExit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid group id"})
		return
	}
	resp := s.svc.exiter.ManualExit(r.Context(), id)
	writeJSON(w, http.StatusOK, opResult{OK: resp.Status == core.ResponseExited, Status: string(resp.Status), Error: resp.RejectReason})
}

func (s *HTTPServer) handleForceStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid user id"})
		return
	}
	if err := s.svc.risk.ForceStopEngine(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, opResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, opResult{OK: true})
}

func (s *HTTPServer) handleForceStart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid user id"})
		return
	}
	if err := s.svc.risk.ForceStartEngine(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, opResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, opResult{OK: true})
}

func (s *HTTPServer) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid signal id"})
		return
	}
	if err := s.svc.queue.PromoteSpecific(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, opResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, opResult{OK: true})
}

func (s *HTTPServer) handleRemoveQueued(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, opResult{Error: "invalid signal id"})
		return
	}
	if err := s.svc.queue.RemoveQueued(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, opResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, opResult{OK: true})
}

// handleHealth reports the same serving status the gRPC health endpoint
// exposes, rendered as protojson so both transports agree byte-for-byte
// on vocabulary.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.health != nil && !s.health.IsHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	body, err := protojson.Marshal(&healthpb.HealthCheckResponse{Status: status})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if status != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}
