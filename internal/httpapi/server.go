// Package httpapi is the caller-facing HTTP surface: the /ask entrypoint,
// the progress event streams, and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/models"
	"github.com/marq-ai/marq/internal/orchestrator"
	"github.com/marq-ai/marq/internal/session"
	"github.com/marq-ai/marq/internal/streaming"
)

// Server hosts the HTTP API.
type Server struct {
	engine   *orchestrator.Engine
	sessions *session.Manager
	events   *streaming.Manager
	auth     *Middleware
	logger   *zap.Logger
	srv      *http.Server
}

func NewServer(cfg config.ServiceConfig, engine *orchestrator.Engine, sessions *session.Manager, events *streaming.Manager, auth *Middleware, logger *zap.Logger) *Server {
	s := &Server{
		engine:   engine,
		sessions: sessions,
		events:   events,
		auth:     auth,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ask", s.auth.Wrap(http.HandlerFunc(s.handleAsk)))

	sh := &streamHandler{mgr: events, logger: logger}
	mux.Handle("/stream/sse", s.auth.Wrap(http.HandlerFunc(sh.handleSSE)))
	mux.Handle("/stream/ws", s.auth.Wrap(http.HandlerFunc(sh.handleWS)))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	QueryID   string `json:"query_id,omitempty"`
}

type askResponse struct {
	QueryID   string              `json:"query_id"`
	SessionID string              `json:"session_id,omitempty"`
	Answer    models.AnswerPacket `json:"answer"`
}

// handleAsk runs one question through the whole pipeline synchronously.
// POST /ask
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, `{"error":"question required"}`, http.StatusBadRequest)
		return
	}

	var history []models.Message
	sessionID := ""
	if s.sessions != nil {
		sess, err := s.sessions.GetOrCreate(r.Context(), req.SessionID)
		if err != nil {
			s.logger.Warn("Session load failed, continuing without history", zap.Error(err))
		} else {
			history = sess.History
			sessionID = sess.ID
		}
	}

	queryID, answer := s.engine.HandleUserQuery(r.Context(), req.QueryID, req.Question, history)

	if s.sessions != nil && sessionID != "" {
		if err := s.sessions.AppendExchange(r.Context(), sessionID, req.Question, answer.Text); err != nil {
			s.logger.Warn("Recording exchange failed", zap.Error(err))
		}
	}
	if s.events != nil {
		s.events.Forget(queryID)
	}

	writeJSON(w, http.StatusOK, askResponse{
		QueryID:   queryID,
		SessionID: sessionID,
		Answer:    answer,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
