package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

const defaultPageSize = 100

// StatusReporter is the slice of the flow engine the API needs.
type StatusReporter interface {
	Status() domain.EngineStatus
}

// Server serves the REST API, the websocket stream and Prometheus metrics.
type Server struct {
	Addr    string
	Storage ports.Storage
	Engine  StatusReporter
	Hub     *Hub

	logger *slog.Logger
	srv    *http.Server
}

// NewServer wires the API against the store and the engine.
func NewServer(addr string, storage ports.Storage, engine StatusReporter, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:    addr,
		Storage: storage,
		Engine:  engine,
		Hub:     hub,
		logger:  logger,
	}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.Hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/flows", s.handleListFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows/search", s.handleSearchFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows/{id}", s.handleGetFlow).Methods(http.MethodGet)
	api.HandleFunc("/threats", s.handleListThreats).Methods(http.MethodGet)
	api.HandleFunc("/threats/{id}/dismiss", s.handleDismissThreat).Methods(http.MethodPost)

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           otelhttp.NewHandler(s.Routes(), "netinsight-server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("web server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("web server shutdown error", "error", err)
		}
		s.Hub.Close()
	}()

	s.logger.Info("web server listening", "addr", s.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Handlers ---

type statusResponse struct {
	Engine   domain.EngineStatus  `json:"engine"`
	Database domain.DatabaseStats `json:"database"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbStats, err := s.Storage.GetDatabaseStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Engine:   s.Engine.Status(),
		Database: dbStats,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.Storage.GetAllDevices(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.Storage.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if device == nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	filter, err := flowFilterFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	flows, err := s.Storage.GetFlows(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.Storage.GetFlow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if flow == nil {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleSearchFlows(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	limit := intQuery(r, "limit", defaultPageSize)
	flows, err := s.Storage.SearchFlows(r.Context(), term, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ThreatFilter{
		ActiveOnly: q.Get("active") == "true",
		Type:       domain.ThreatType(q.Get("type")),
		Severity:   q.Get("severity"),
		DeviceID:   q.Get("device_id"),
		Limit:      intQuery(r, "limit", defaultPageSize),
		Offset:     intQuery(r, "offset", 0),
	}
	threats, err := s.Storage.GetThreats(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threats)
}

func (s *Server) handleDismissThreat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Storage.DismissThreat(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed", "id": id})
}

// --- Helpers ---

// flowFilterFromQuery maps query parameters onto a FlowFilter. The limit
// defaults to defaultPageSize so a bare /api/flows returns recent traffic.
func flowFilterFromQuery(r *http.Request) (domain.FlowFilter, error) {
	q := r.URL.Query()
	filter := domain.FlowFilter{
		DeviceID:        q.Get("device_id"),
		Status:          q.Get("status"),
		Protocol:        q.Get("protocol"),
		SourceIP:        q.Get("source_ip"),
		DestIP:          q.Get("dest_ip"),
		ThreatLevel:     q.Get("threat_level"),
		Country:         q.Get("country"),
		City:            q.Get("city"),
		Application:     q.Get("application"),
		SNIContains:     q.Get("sni"),
		ConnectionState: q.Get("state"),
		Limit:           intQuery(r, "limit", defaultPageSize),
		Offset:          intQuery(r, "offset", 0),
	}
	filter.StartTime = int64(intQuery(r, "start", 0))
	filter.EndTime = int64(intQuery(r, "end", 0))
	filter.MinBytes = int64(intQuery(r, "min_bytes", 0))
	filter.MaxRetransmissions = intQuery(r, "max_retransmissions", 0)

	var err error
	if filter.MinRTTMs, err = floatQuery(r, "min_rtt"); err != nil {
		return filter, err
	}
	if filter.MaxRTTMs, err = floatQuery(r, "max_rtt"); err != nil {
		return filter, err
	}
	if filter.MaxJitterMs, err = floatQuery(r, "max_jitter"); err != nil {
		return filter, err
	}
	return filter, filter.Validate()
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func floatQuery(r *http.Request, key string) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request failed", "status", status, "error", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
