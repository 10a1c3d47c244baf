// Admin HTTP surface: status JSON and Prometheus metrics
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"epmon/internal/alerting"
	"epmon/internal/analytics"
	"epmon/internal/bus"
	"epmon/internal/engine"
	"epmon/internal/recorder"
	"epmon/internal/sau"
)

// Server exposes monitor state for operators and scrapers. All state
// endpoints are read-only except alert acknowledgement and the simulator
// controls.
type Server struct {
	Agg       *engine.Aggregator
	Eval      *alerting.Evaluator
	Rec       *recorder.Recorder
	Lean      *analytics.LeanAssist
	Bus       *bus.Receiver
	Gen       *sau.Generator // nil when no simulated SAU is attached
	FlightDir string

	mux *http.ServeMux
}

func (s *Server) routes() {
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/alerts", s.handleAlerts)
	s.mux.HandleFunc("/alerts/ack", s.handleAck)
	s.mux.HandleFunc("/lean", s.handleLean)
	s.mux.HandleFunc("/flights", s.handleFlights)
	s.mux.HandleFunc("/flight", s.handleActiveFlight)
	s.mux.HandleFunc("/bus", s.handleBus)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/toggle-chaos", s.handleToggleChaos)
	s.mux.HandleFunc("/engine/start", s.handleEngineStart)
	s.mux.HandleFunc("/engine/stop", s.handleEngineStop)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.routes()
	srv := &http.Server{Addr: addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler {
	if s.mux == nil {
		s.routes()
	}
	return s.mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Agg.Latest()
	if !ok {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"events":  s.Eval.Events(),
		"current": s.Eval.Current(),
	})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" || !s.Eval.Acknowledge(id) {
		http.Error(w, "unknown alert id", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLean(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Lean.Result())
}

func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	flights, err := recorder.List(s.FlightDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, flights)
}

func (s *Server) handleActiveFlight(w http.ResponseWriter, r *http.Request) {
	f, ok := s.Rec.ActiveFlight()
	if !ok {
		http.Error(w, "no active flight", http.StatusNotFound)
		return
	}
	writeJSON(w, f)
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Bus.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"bus":              s.Bus.Stats(),
		"recorder_dropped": s.Rec.Dropped(),
	}
	if f, ok := s.Rec.ActiveFlight(); ok {
		health["flight_id"] = f.ID
	}
	if s.Gen != nil {
		health["engine_running"] = s.Gen.Running()
		health["chaos"] = s.Gen.Chaos()
	}
	writeJSON(w, health)
}

func (s *Server) handleToggleChaos(w http.ResponseWriter, r *http.Request) {
	if s.Gen == nil {
		http.Error(w, "no simulator attached", http.StatusNotFound)
		return
	}
	next := !s.Gen.Chaos()
	s.Gen.SetChaos(next)
	writeJSON(w, map[string]any{"chaos": next})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if s.Gen == nil {
		http.Error(w, "no simulator attached", http.StatusNotFound)
		return
	}
	s.Gen.Start(time.Now().UTC())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if s.Gen == nil {
		http.Error(w, "no simulator attached", http.StatusNotFound)
		return
	}
	s.Gen.Stop()
	w.WriteHeader(http.StatusNoContent)
}
