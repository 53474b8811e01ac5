package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/narrative-memory-engine/internal/memory"
	"github.com/narrative-memory-engine/internal/search"
	"github.com/narrative-memory-engine/internal/window"
)

type initializeRequest struct {
	SessionID     string `json:"session_id"`
	CharacterInfo string `json:"character_card"`
	WorldInfo     string `json:"world_info"`
}

type initializeResponse struct {
	Status    string        `json:"status"`
	SessionID string        `json:"session_id"`
	Counts    memory.Counts `json:"counts"`
	Warnings  []string      `json:"warnings,omitempty"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess := s.sessionFor(w, req.SessionID)
	if sess == nil {
		return
	}

	counts, warnings, err := sess.Initialize(r.Context(), req.CharacterInfo, req.WorldInfo)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, initializeResponse{
		Status:    "initialized",
		SessionID: sess.ID,
		Counts:    counts,
		Warnings:  warnings,
	})
}

type enhancePromptRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"user_input"`
	Depth     int    `json:"depth,omitempty"`
	MaxLength int    `json:"max_context_length,omitempty"`
}

type enhancePromptResponse struct {
	SessionID string              `json:"session_id"`
	Context   string              `json:"enhanced_context"`
	Entities  []string            `json:"entities_found"`
	Stats     memory.ContextStats `json:"context_stats"`
	Cached    bool                `json:"cached"`
}

func (s *Server) handleEnhancePrompt(w http.ResponseWriter, r *http.Request) {
	var req enhancePromptRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess := s.sessionFor(w, req.SessionID)
	if sess == nil {
		return
	}

	res, cached := sess.EnhancePrompt(req.Prompt, req.Depth, req.MaxLength)
	s.respondJSON(w, http.StatusOK, enhancePromptResponse{
		SessionID: sess.ID,
		Context:   res.Context,
		Entities:  res.Entities,
		Stats:     res.Stats,
		Cached:    cached,
	})
}

type turnRequest struct {
	SessionID   string `json:"session_id"`
	UserInput   string `json:"user_input"`
	LLMResponse string `json:"llm_response"`
}

type updateMemoryResponse struct {
	Status   string        `json:"status"`
	Counts   memory.Counts `json:"counts"`
	Warnings []string      `json:"warnings,omitempty"`
}

// handleUpdateMemory commits one exchange immediately, for hosts that
// manage their own turn lifecycle.
func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess := s.sessionFor(w, req.SessionID)
	if sess == nil {
		return
	}

	counts, warnings, err := sess.UpdateImmediate(r.Context(), req.UserInput, req.LLMResponse)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, updateMemoryResponse{
		Status:   "updated",
		Counts:   counts,
		Warnings: warnings,
	})
}

// handleProcessConversation feeds one exchange through the sliding
// window; the turn one delay behind the tail is what actually commits.
func (s *Server) handleProcessConversation(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess := s.sessionFor(w, req.SessionID)
	if sess == nil {
		return
	}

	res := sess.ProcessTurn(r.Context(), req.UserInput, req.LLMResponse)
	s.respondJSON(w, http.StatusOK, processConversationResponse{
		TurnResult: res,
		WindowSize: sess.Stats().Window.CurrentSize,
	})
}

type processConversationResponse struct {
	window.TurnResult
	WindowSize int `json:"window_size"`
}

type editTurnRequest struct {
	SessionID   string  `json:"session_id"`
	TurnID      string  `json:"turn_id"`
	UserInput   *string `json:"user_input,omitempty"`
	LLMResponse *string `json:"llm_response,omitempty"`
}

func (s *Server) handleEditTurn(w http.ResponseWriter, r *http.Request) {
	var req editTurnRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TurnID == "" {
		s.respondError(w, http.StatusBadRequest, "turn_id is required")
		return
	}
	sess := s.sessionFor(w, req.SessionID)
	if sess == nil {
		return
	}

	// out-of-window edits are a success with action "ignored"
	res := sess.EditTurn(req.TurnID, req.UserInput, req.LLMResponse)
	s.respondJSON(w, http.StatusOK, res)
}

type syncConversationRequest struct {
	SessionID string                `json:"session_id"`
	Turns     []window.ExternalTurn `json:"tavern_history"`
}

func (s *Server) handleSyncConversation(w http.ResponseWriter, r *http.Request) {
	var req syncConversationRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess := s.sessionFor(w, req.SessionID)
	if sess == nil {
		return
	}

	res := sess.SyncConversation(req.Turns)
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.registry.List(),
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sess := s.existingSession(w, r)
	if sess == nil {
		return
	}
	s.respondJSON(w, http.StatusOK, sess.Stats())
}

type resetRequest struct {
	KeepCharacterData bool `json:"keep_character_data"`
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	sess := s.existingSession(w, r)
	if sess == nil {
		return
	}
	var req resetRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	sess.Reset(req.KeepCharacterData)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "reset",
		"keep_character_data": req.KeepCharacterData,
	})
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	sess := s.existingSession(w, r)
	if sess == nil {
		return
	}

	data, err := sess.ExportGraph()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, exportResponse{
		SessionID:  sess.ID,
		ExportedAt: time.Now().UTC(),
		Graph:      json.RawMessage(data),
	})
}

type exportResponse struct {
	SessionID  string          `json:"session_id"`
	ExportedAt time.Time       `json:"exported_at"`
	Graph      json.RawMessage `json:"graph"`
}

type searchResponse struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

func (s *Server) handleSessionSearch(w http.ResponseWriter, r *http.Request) {
	sess := s.existingSession(w, r)
	if sess == nil {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	results := sess.Search(query, limit)
	if results == nil {
		results = []search.Result{}
	}
	s.respondJSON(w, http.StatusOK, searchResponse{Query: query, Results: results})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Remove(id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": id})
}
