package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/couchmirror/internal/mirror"
)

// StatusSource is satisfied by *mirror.Orchestrator.
type StatusSource interface {
	Status() mirror.Status
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on /v1/admin routes.
	Token string
	// WriteTimeout bounds a single websocket frame write.
	WriteTimeout time.Duration
}

type Server struct {
	status   StatusSource
	progress *mirror.ProgressHub
	cfg      ServerConfig
	log      zerolog.Logger
}

func NewServer(status StatusSource, progress *mirror.ProgressHub, log zerolog.Logger) *Server {
	return NewServerWithConfig(status, progress, ServerConfig{}, log)
}

func NewServerWithConfig(status StatusSource, progress *mirror.ProgressHub, cfg ServerConfig, log zerolog.Logger) *Server {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		status:   status,
		progress: progress,
		cfg:      cfg,
		log:      log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}

	var handler func(http.ResponseWriter, *http.Request, string)
	switch {
	case r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet:
		handler = s.handleAdminStatus
	case r.URL.Path == "/v1/admin/progress" && r.Method == http.MethodGet:
		handler = s.handleAdminProgress
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}
	handler(w, r, correlationID)
}

// handleHealth reports liveness. A pipeline that reached FATAL is reported
// as unavailable so a supervisor can restart it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.status != nil {
		phase := s.status.Status().Phase
		if phase == mirror.PhaseFatal.String() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "fatal", "phase": phase})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "phase": phase})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "pipeline not started", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

// handleAdminProgress upgrades to a websocket and streams progress events
// until the client goes away or the hub closes.
func (s *Server) handleAdminProgress(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "progress stream disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("progress websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := s.progress.Subscribe()
	defer unsubscribe()

	// The client sends nothing; CloseRead handles control frames and cancels
	// ctx once the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	if s.status != nil {
		snapshot := s.status.Status()
		hello := mirror.ProgressEvent{Type: "status", Phase: snapshot.Phase, Seq: snapshot.LastSeq, Timestamp: time.Now().UTC()}
		if err := s.writeEvent(ctx, conn, hello); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "progress stream closed")
				return
			}
			if err := s.writeEvent(ctx, conn, event); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug().Err(err).Str("correlation_id", correlationID).Msg("progress websocket write failed")
				}
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, event mirror.ProgressEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.Token)) == 1
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
