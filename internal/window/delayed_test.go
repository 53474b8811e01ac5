package window

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narrative-memory-engine/internal/extract"
	"github.com/narrative-memory-engine/internal/memory"
)

type stubExtractor struct {
	calls []extract.Input
	plan  *extract.Plan
	err   error
}

func (s *stubExtractor) Analyze(_ context.Context, in extract.Input) (*extract.Plan, error) {
	s.calls = append(s.calls, in)
	if s.err != nil {
		return nil, s.err
	}
	return s.plan, nil
}

func newTestManager(t *testing.T, ex extract.Extractor) (*Manager, *memory.Facade) {
	logger := zaptest.NewLogger(t)
	fac := memory.NewFacade(10, nil, logger)
	w := NewSlidingWindow(4, 1, logger)
	return NewManager(w, ex, extract.NewValidator(logger), fac, logger), fac
}

func TestManagerDelaysProcessing(t *testing.T) {
	stub := &stubExtractor{plan: &extract.Plan{
		NodesToUpsert: []extract.NodeUpsert{{ID: "mira", Type: "character", Attrs: map[string]interface{}{"name": "Mira"}}},
	}}
	m, fac := newTestManager(t, stub)

	res := m.OnNewTurn(context.Background(), "u1", "a1")
	assert.False(t, res.TargetProcessed)
	res = m.OnNewTurn(context.Background(), "u2", "a2")
	assert.False(t, res.TargetProcessed)
	assert.Empty(t, stub.calls)
	assert.Equal(t, 0, fac.Stats().BufferedTurn)

	// the third turn pushes the first past the delay horizon
	res = m.OnNewTurn(context.Background(), "u3", "a3")
	assert.True(t, res.TargetProcessed)
	assert.Equal(t, 1, res.TargetSequence)
	assert.Equal(t, 1, res.Counts.NodesUpserted)

	// the lagging turn, not the fresh one, was analyzed and buffered
	require.Len(t, stub.calls, 1)
	assert.Equal(t, "u1", stub.calls[0].UserText)
	assert.Equal(t, 1, fac.Stats().BufferedTurn)
	assert.Equal(t, 1, fac.Stats().GraphNodes)

	// the fourth commits the second; the newest two stay uncommitted
	res = m.OnNewTurn(context.Background(), "u4", "a4")
	assert.True(t, res.TargetProcessed)
	assert.Equal(t, 2, res.TargetSequence)
	info := m.WindowInfo()
	assert.Equal(t, 2, info.Processed)
	assert.Equal(t, 2, info.Unprocessed)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Skipped)
}

func TestManagerAnalysisFailureLeavesTurnUnprocessed(t *testing.T) {
	stub := &stubExtractor{err: errors.New("model unreachable")}
	m, fac := newTestManager(t, stub)

	m.OnNewTurn(context.Background(), "u1", "a1")
	m.OnNewTurn(context.Background(), "u2", "a2")
	res := m.OnNewTurn(context.Background(), "u3", "a3")

	assert.False(t, res.TargetProcessed)
	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, 0, fac.Stats().BufferedTurn)
	assert.Equal(t, 1, m.Stats().Failed)
}

func TestManagerEditReopensProcessing(t *testing.T) {
	stub := &stubExtractor{plan: &extract.Plan{
		NodesToUpsert: []extract.NodeUpsert{{ID: "kael", Type: "character"}},
	}}
	m, _ := newTestManager(t, stub)

	first := m.OnNewTurn(context.Background(), "u1", "a1")
	m.OnNewTurn(context.Background(), "u2", "a2")
	m.OnNewTurn(context.Background(), "u3", "a3")
	require.Len(t, stub.calls, 1)

	newUser := "u1 rewritten"
	edit := m.OnTurnEdited(first.TurnID, &newUser, nil)
	assert.Equal(t, "updated", edit.Action)

	res, ok := m.ProcessPending(context.Background())
	require.True(t, ok)
	assert.True(t, res.TargetProcessed)
	require.Len(t, stub.calls, 2)
	assert.Equal(t, "u1 rewritten", stub.calls[1].UserText)

	// nothing left to process
	_, ok = m.ProcessPending(context.Background())
	assert.False(t, ok)
}

func TestManagerEditOutOfWindowIgnored(t *testing.T) {
	m, _ := newTestManager(t, &stubExtractor{plan: &extract.Plan{}})

	text := "whatever"
	edit := m.OnTurnEdited("f3b9c2d0-0000-0000-0000-000000000000", &text, nil)
	assert.Equal(t, "ignored", edit.Action)
}

func TestManagerRecentContextExcludesTargetAndNewer(t *testing.T) {
	stub := &stubExtractor{plan: &extract.Plan{}}
	m, _ := newTestManager(t, stub)

	m.OnNewTurn(context.Background(), "u1", "a1")
	m.OnNewTurn(context.Background(), "u2", "a2")
	m.OnNewTurn(context.Background(), "u3", "a3") // commits u1, no earlier context
	m.OnNewTurn(context.Background(), "u4", "a4") // commits u2, context is u1

	require.Len(t, stub.calls, 2)
	assert.Equal(t, "", stub.calls[0].RecentContext)
	assert.Equal(t, "user: u1\nassistant: a1", stub.calls[1].RecentContext)
	assert.Equal(t, "u2", stub.calls[1].UserText)
}
