package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/telephony"
)

// Server exposes the telephony media-stream WebSocket endpoint plus health
type Server struct {
	logger       *logrus.Logger
	orchestrator *Orchestrator
	upgrader     websocket.Upgrader
	httpServer   *http.Server
}

// NewServer creates the inbound call server
func NewServer(logger *logrus.Logger, orchestrator *Orchestrator, listenAddr string, metricsCfg config.MetricsConfig) *Server {
	s := &Server{
		logger:       logger,
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers connect server-to-server without an Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/media", s.handleMedia)
	mux.HandleFunc("/healthz", s.handleHealth)
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving inbound connections
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Media stream server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and hangs up live calls
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.orchestrator.Shutdown()
	return err
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Media stream upgrade failed")
		return
	}

	stream := telephony.NewWSMediaStream(
		s.logger.WithField("remote", r.RemoteAddr), conn, 5*time.Second)

	// The request context dies when this handler returns, so the call runs
	// on its own context; the session time budget bounds its lifetime
	if err := s.orchestrator.HandleStream(context.Background(), stream); err != nil {
		s.logger.WithError(err).Debug("Call finished with error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": s.orchestrator.ActiveCalls(),
	})
}
