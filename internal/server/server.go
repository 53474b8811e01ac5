// Package server exposes the memory engine over HTTP. Handlers are
// thin: decode, find the session, call one session method, encode.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/jsonx"
	"github.com/narrative-memory-engine/internal/session"
)

// Server holds the HTTP handlers over the session registry.
type Server struct {
	registry *session.Registry
	logger   *zap.Logger
}

// NewServer creates the HTTP layer.
func NewServer(registry *session.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, logger: logger.Named("server")}
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/initialize", s.handleInitialize).Methods("POST")
	r.HandleFunc("/enhance_prompt", s.handleEnhancePrompt).Methods("POST")
	r.HandleFunc("/update_memory", s.handleUpdateMemory).Methods("POST")
	r.HandleFunc("/process_conversation", s.handleProcessConversation).Methods("POST")
	r.HandleFunc("/edit_turn", s.handleEditTurn).Methods("POST")
	r.HandleFunc("/sync_conversation", s.handleSyncConversation).Methods("POST")

	r.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}/stats", s.handleSessionStats).Methods("GET")
	r.HandleFunc("/sessions/{id}/reset", s.handleSessionReset).Methods("POST")
	r.HandleFunc("/sessions/{id}/export", s.handleSessionExport).Methods("GET")
	r.HandleFunc("/sessions/{id}/search", s.handleSessionSearch).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.handleSessionDelete).Methods("DELETE")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// decode parses the request body into v, false on malformed input.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := jsonx.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// sessionFor resolves the session, creating it on first touch. A bad
// session ID responds 400 and returns nil.
func (s *Server) sessionFor(w http.ResponseWriter, id string) *session.Session {
	sess, err := s.registry.GetOrCreate(id)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	return sess
}

// existingSession resolves a session that must already exist, from a
// path variable. Responds 404 and returns nil when unknown.
func (s *Server) existingSession(w http.ResponseWriter, r *http.Request) *session.Session {
	id := mux.Vars(r)["id"]
	sess, ok := s.registry.Get(id)
	if ok {
		return sess
	}
	// known on disk counts as existing
	for _, known := range s.registry.List() {
		if known == id {
			return s.sessionFor(w, id)
		}
	}
	s.respondError(w, http.StatusNotFound, "session not found")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
