package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"PerpClearing/internal/observability"
	"PerpClearing/internal/query"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultPageLimit = 100

// HTTPServer serves the read API from the projection tables. The write
// path is NATS only; this surface never touches the core.
type HTTPServer struct {
	queries *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	server  *http.Server
	log     zerolog.Logger
}

func NewHTTPServer(
	addr string,
	queries *query.QueryService,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *HTTPServer {
	s := &HTTPServer{
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.ReadinessHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/users/{user_id}/balance", s.handleBalance).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user_id}/settlements", s.handleSettlements).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user_id}/journal", s.handleJournal).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{market_id}/pools", s.handlePools).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{market_id}/funding", s.handleFundingRates).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{market_id}/funding/latest", s.handleLatestFunding).Methods(http.MethodGet)
	v1.HandleFunc("/admin/integrity", s.handleIntegrity).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- handlers ---

func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	resp, err := s.queries.GetBalance(r.Context(), userID)
	if err != nil {
		s.writeError(w, "balance", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "balance", resp)
}

func (s *HTTPServer) handleSettlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	var marketID *string
	if m := r.URL.Query().Get("market"); m != "" {
		marketID = &m
	}

	resp, err := s.queries.GetSettlements(r.Context(), userID, marketID,
		queryLimit(r), queryCursor(r, "after_sequence"))
	if err != nil {
		s.writeError(w, "settlements", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "settlements", resp)
}

func (s *HTTPServer) handleJournal(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	resp, err := s.queries.GetJournalHistory(r.Context(), userID,
		queryLimit(r), queryCursor(r, "after_sequence"))
	if err != nil {
		s.writeError(w, "journal", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "journal", resp)
}

func (s *HTTPServer) handlePools(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market_id"]

	resp, err := s.queries.GetPools(r.Context(), marketID)
	if err != nil {
		s.writeError(w, "pools", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "pools", resp)
}

func (s *HTTPServer) handleFundingRates(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market_id"]

	resp, err := s.queries.GetFundingRates(r.Context(), marketID,
		queryLimit(r), queryCursor(r, "before_time"))
	if err != nil {
		s.writeError(w, "funding_rates", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "funding_rates", resp)
}

func (s *HTTPServer) handleLatestFunding(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market_id"]

	resp, err := s.queries.GetLatestFunding(r.Context(), marketID)
	if err != nil {
		s.writeError(w, "funding_latest", http.StatusInternalServerError, err)
		return
	}
	if resp == nil {
		s.writeError(w, "funding_latest", http.StatusNotFound, nil)
		return
	}
	s.writeJSON(w, "funding_latest", resp)
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, "integrity", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "integrity", report)
}

// --- helpers ---

func (s *HTTPServer) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		s.writeError(w, name, http.StatusBadRequest, err)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultPageLimit
}

func queryCursor(r *http.Request, name string) *int64 {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, endpoint string, v interface{}) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, endpoint string, status int, err error) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
	if err != nil {
		s.log.Warn().Err(err).Str("endpoint", endpoint).Int("status", status).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := http.StatusText(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// NewMetricsServer serves Prometheus metrics on its own listener so
// scrapes never contend with API traffic.
func NewMetricsServer(addr string) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: m}
}
