// Package bridge serves the local operator surface: a JSON snapshot API, a
// websocket event stream, and the action endpoints the dispatch desk and
// driver UIs call. The bridge binds to loopback; it is a UI seam, not a
// mesh-facing surface.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/dispatch"
	"github.com/emergance/emergance/internal/protocol"
)

// Server is the local HTTP bridge.
type Server struct {
	svc     *dispatch.Service
	log     *zap.Logger
	pings   *originPings
	upgrade websocket.Upgrader
}

// NewServer builds the bridge over the dispatch service.
func NewServer(svc *dispatch.Service, log *zap.Logger) *Server {
	return &Server{
		svc:   svc,
		log:   log,
		pings: newOriginPings(time.Now),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local UIs load from file:// or localhost; the bridge is
			// loopback-only so origin enforcement adds nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the bridge's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("POST /api/sos", s.handleTriggerSOS)
	mux.HandleFunc("POST /api/incidents/{id}/status", s.handleIncidentStatus)
	mux.HandleFunc("POST /api/incidents/{id}/reassign", s.handleReassign)
	mux.HandleFunc("POST /api/responders/{id}/availability", s.handleResponderAvailability)
	mux.HandleFunc("GET /api/offers", s.handleListOffers)
	mux.HandleFunc("POST /api/offers/{id}/respond", s.handleOfferRespond)
	mux.HandleFunc("POST /api/driver/state", s.handleDriverState)
	mux.HandleFunc("GET /api/origin-pings", s.handleListOriginPings)
	mux.HandleFunc("POST /api/origin-pings", s.handleAddOriginPing)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve runs the bridge until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("bridge listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// streamMessage frames everything sent over the websocket.
type streamMessage struct {
	Kind     string             `json:"kind"`
	Snapshot *dispatch.Snapshot `json:"snapshot,omitempty"`
	Event    *dispatch.Event    `json:"event,omitempty"`
}

// handleStream upgrades to a websocket, sends one full snapshot, then
// relays state-change events until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	defer conn.Close()

	snap, err := s.svc.Snapshot()
	if err != nil {
		s.log.Warn("stream snapshot failed", zap.Error(err))
		return
	}
	if err := conn.WriteJSON(streamMessage{Kind: "snapshot", Snapshot: snap}); err != nil {
		return
	}

	events, cancel := s.svc.Subscribe()
	defer cancel()

	// Reader goroutine only to detect the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(streamMessage{Kind: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

type sosRequest struct {
	Category string `json:"category"`
	Notes    string `json:"notes"`
}

func (s *Server) handleTriggerSOS(w http.ResponseWriter, r *http.Request) {
	var req sosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Category == "" {
		req.Category = "EMERGENCY"
	}
	inc, err := s.svc.TriggerSOS(r.Context(), req.Category, req.Notes)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inc)
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	status := protocol.IncidentStatus(req.Status)
	switch status {
	case protocol.IncidentReceived, protocol.IncidentAssigned, protocol.IncidentResolved,
		protocol.IncidentCancelled, protocol.IncidentUnassignedRetry:
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status " + req.Status})
		return
	}
	if err := s.svc.ManualStatusUpdate(r.PathValue("id"), status, req.Reason); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ManualReassign(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleResponderAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.SetResponderAvailability(r.PathValue("id"), req.Status); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.PendingOffers())
}

type offerResponse struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

func (s *Server) handleOfferRespond(w http.ResponseWriter, r *http.Request) {
	var req offerResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.RespondToOffer(r.PathValue("id"), req.Accept, req.Reason); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type driverStateRequest struct {
	OnDuty     bool `json:"onDuty"`
	BatteryPct int  `json:"batteryPct"`
}

func (s *Server) handleDriverState(w http.ResponseWriter, r *http.Request) {
	var req driverStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.svc.SetDriverState(req.OnDuty, req.BatteryPct)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOriginPings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pings.list())
}

func (s *Server) handleAddOriginPing(w http.ResponseWriter, r *http.Request) {
	var ping OriginPing
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pings.add(ping); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
