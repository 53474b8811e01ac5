package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narrative-memory-engine/internal/config"
	"github.com/narrative-memory-engine/internal/jsonx"
	"github.com/narrative-memory-engine/internal/session"
	"github.com/narrative-memory-engine/internal/storage"
)

func newTestRouter(t *testing.T) *mux.Router {
	logger := zaptest.NewLogger(t)
	store, err := storage.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	registry, err := session.NewRegistry(config.DefaultConfig(), store, nil, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	router := mux.NewRouter()
	NewServer(registry, logger).SetupRoutes(router)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, jsonx.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestInitializeThenEnhancePrompt(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/initialize", map[string]string{
		"session_id":     "story-1",
		"character_card": "Kael is a level 3 human warrior. Kael wields an iron sword.",
		"world_info":     "Kael arrives at the saltmere harbor.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var init struct {
		Status string `json:"status"`
		Counts struct {
			NodesUpserted int `json:"nodes_updated"`
		} `json:"counts"`
	}
	decodeBody(t, rec, &init)
	assert.Equal(t, "initialized", init.Status)
	assert.Greater(t, init.Counts.NodesUpserted, 0)

	rec = doJSON(t, router, http.MethodPost, "/enhance_prompt", map[string]string{
		"session_id": "story-1",
		"user_input": "What is Kael carrying?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var enhance struct {
		Context  string   `json:"enhanced_context"`
		Entities []string `json:"entities_found"`
	}
	decodeBody(t, rec, &enhance)
	assert.Contains(t, enhance.Context, "kael")
	assert.Contains(t, enhance.Entities, "kael")
}

func TestUpdateMemoryImmediate(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/update_memory", map[string]string{
		"session_id":   "story-2",
		"user_input":   "Mira is a mage.",
		"llm_response": "Mira nods and studies her spellbook.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Counts struct {
			NodesUpserted int `json:"nodes_updated"`
		} `json:"counts"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "updated", body.Status)
	assert.Greater(t, body.Counts.NodesUpserted, 0)

	rec = doJSON(t, router, http.MethodGet, "/sessions/story-2/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Memory struct {
			BufferedTurns int `json:"buffered_turns"`
			GraphNodes    int `json:"graph_nodes"`
		} `json:"memory"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Memory.BufferedTurns)
	assert.Greater(t, stats.Memory.GraphNodes, 0)
}

func TestProcessConversationDelaysCommit(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/process_conversation", map[string]string{
		"session_id":   "story-3",
		"user_input":   "Varn is a thief.",
		"llm_response": "Varn slips into the shadows.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var first struct {
		TurnID          string `json:"turn_id"`
		TargetProcessed bool   `json:"target_processed"`
	}
	decodeBody(t, rec, &first)
	assert.False(t, first.TargetProcessed)
	assert.NotEmpty(t, first.TurnID)

	rec = doJSON(t, router, http.MethodPost, "/process_conversation", map[string]string{
		"session_id":   "story-3",
		"user_input":   "Varn waits.",
		"llm_response": "Nothing happens.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var second struct {
		TargetProcessed bool `json:"target_processed"`
	}
	decodeBody(t, rec, &second)
	assert.False(t, second.TargetProcessed)

	// the third turn pushes the first past the delay horizon
	rec = doJSON(t, router, http.MethodPost, "/process_conversation", map[string]string{
		"session_id":   "story-3",
		"user_input":   "Varn listens at the door.",
		"llm_response": "Muffled voices argue inside.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var third struct {
		TargetProcessed bool `json:"target_processed"`
		TargetSequence  int  `json:"target_sequence"`
		WindowSize      int  `json:"window_size"`
	}
	decodeBody(t, rec, &third)
	assert.True(t, third.TargetProcessed)
	assert.Equal(t, 1, third.TargetSequence)
	assert.Equal(t, 3, third.WindowSize)
}

func TestEditTurnOutOfWindowIgnored(t *testing.T) {
	router := newTestRouter(t)
	text := "rewritten"

	rec := doJSON(t, router, http.MethodPost, "/edit_turn", map[string]interface{}{
		"session_id": "story-4",
		"turn_id":    "00000000-0000-0000-0000-000000000000",
		"user_input": text,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Action string `json:"action"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "ignored", body.Action)
}

func TestSyncConversation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/process_conversation", map[string]string{
		"session_id":   "story-5",
		"user_input":   "u1",
		"llm_response": "a1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var first struct {
		TurnID string `json:"turn_id"`
	}
	decodeBody(t, rec, &first)

	rec = doJSON(t, router, http.MethodPost, "/sync_conversation", map[string]interface{}{
		"session_id": "story-5",
		"tavern_history": []map[string]string{
			{"turn_id": first.TurnID, "user_input": "u1", "assistant_response": "a1"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Synced            int `json:"synced"`
		ConflictsDetected int `json:"conflicts_detected"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Synced)
	assert.Equal(t, 0, body.ConflictsDetected)
}

func TestSessionSearch(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/update_memory", map[string]string{
		"session_id":   "story-6",
		"user_input":   "Mira is a mage.",
		"llm_response": "Indeed.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions/story-6/search?q=mira", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []struct {
			ID string `json:"node_id"`
		} `json:"results"`
	}
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body.Results)
	assert.Equal(t, "mira", body.Results[0].ID)

	rec = doJSON(t, router, http.MethodGet, "/sessions/story-6/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionResetAndDelete(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/update_memory", map[string]string{
		"session_id":   "story-7",
		"user_input":   "Mira is a mage.",
		"llm_response": "Indeed.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/sessions/story-7/reset", map[string]bool{
		"keep_character_data": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions/story-7/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Memory struct {
			GraphNodes int `json:"graph_nodes"`
		} `json:"memory"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, 0, stats.Memory.GraphNodes)

	rec = doJSON(t, router, http.MethodDelete, "/sessions/story-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions", nil)
	var list struct {
		Sessions []string `json:"sessions"`
	}
	decodeBody(t, rec, &list)
	assert.NotContains(t, list.Sessions, "story-7")
}

func TestUnknownSessionStats(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/sessions/nope/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/update_memory", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportGraph(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/update_memory", map[string]string{
		"session_id":   "story-8",
		"user_input":   "Kael is a warrior.",
		"llm_response": "He stands ready.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions/story-8/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, jsonx.Valid(rec.Body.Bytes()))
	assert.Contains(t, rec.Body.String(), "kael")
}

func TestImplicitSessionCreation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/enhance_prompt", map[string]string{
		"session_id": "fresh",
		"user_input": "hello there",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions", nil)
	var list struct {
		Sessions []string `json:"sessions"`
	}
	decodeBody(t, rec, &list)
	assert.Contains(t, list.Sessions, "fresh")
}
