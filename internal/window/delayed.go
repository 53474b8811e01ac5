package window

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/extract"
	"github.com/narrative-memory-engine/internal/memory"
)

// recentContextTurns is how much window tail the extractor sees.
const recentContextTurns = 3

// UpdateStats counts processing outcomes across the session lifetime.
type UpdateStats struct {
	Attempted  int `json:"attempted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// TurnResult reports one OnNewTurn trigger.
type TurnResult struct {
	TurnID          string         `json:"turn_id"`
	Sequence        int            `json:"sequence"`
	TargetProcessed bool           `json:"target_processed"`
	TargetSequence  int            `json:"target_sequence,omitempty"`
	Counts          memory.Counts  `json:"counts"`
	Warnings        []string       `json:"warnings,omitempty"`
}

// EditResult reports one OnTurnEdited call. Action is "updated",
// "ignored" (out of window) or "failed".
type EditResult struct {
	Action string `json:"action"`
	TurnID string `json:"turn_id"`
}

// Manager drives the delayed-update cycle: every new turn enters the
// window and any turn that fell behind the delay horizon gets
// extracted, validated and committed to the graph. One Manager per
// session; its mutex serializes the whole cycle so extraction never
// races an edit or a sync.
type Manager struct {
	mu        sync.Mutex
	window    *SlidingWindow
	resolver  *Resolver
	extractor extract.Extractor
	validator *extract.Validator
	facade    *memory.Facade
	stats     UpdateStats
	logger    *zap.Logger
}

// NewManager wires the window cycle for one session.
func NewManager(w *SlidingWindow, ex extract.Extractor, val *extract.Validator, fac *memory.Facade, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("window.manager")
	m := &Manager{
		window:    w,
		extractor: ex,
		validator: val,
		facade:    fac,
		logger:    logger,
	}
	m.resolver = newResolver(w, logger)
	return m
}

// OnNewTurn appends the exchange to the window and commits every turn
// the append pushed past the delay horizon, oldest first. Normally that
// is a single turn; edits and earlier failures can leave more than one
// pending. The new turn itself is never committed here.
func (m *Manager) OnNewTurn(ctx context.Context, user, assistant string) TurnResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := m.window.Append(user, assistant)
	m.resolver.track(turn)
	res := TurnResult{TurnID: turn.ID, Sequence: turn.Sequence}

	processed := false
	for {
		target := m.window.PickProcessingTarget()
		if target == nil {
			break
		}
		res.TargetSequence = target.Sequence
		counts, warnings, ok := m.processTarget(ctx, target)
		res.Counts.NodesUpserted += counts.NodesUpserted
		res.Counts.EdgesAdded += counts.EdgesAdded
		res.Counts.NodesDeleted += counts.NodesDeleted
		res.Counts.EdgesDeleted += counts.EdgesDeleted
		res.Warnings = append(res.Warnings, warnings...)
		res.TargetProcessed = ok
		if !ok {
			// left unprocessed for the next trigger
			return res
		}
		processed = true
	}
	if !processed {
		m.stats.Skipped++
		m.logger.Debug("no processing target yet", zap.Int("window_size", m.window.Len()))
	}
	return res
}

// ProcessPending processes the current target without appending a new
// turn. Used after an edit re-opens an already-landed turn.
func (m *Manager) ProcessPending(ctx context.Context) (TurnResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.window.PickProcessingTarget()
	if target == nil {
		return TurnResult{}, false
	}
	counts, warnings, ok := m.processTarget(ctx, target)
	return TurnResult{
		TurnID:          target.ID,
		Sequence:        target.Sequence,
		TargetSequence:  target.Sequence,
		TargetProcessed: ok,
		Counts:          counts,
		Warnings:        warnings,
	}, true
}

func (m *Manager) processTarget(ctx context.Context, target *Turn) (memory.Counts, []string, bool) {
	m.stats.Attempted++

	in := extract.Input{
		UserText:      target.UserInput,
		AssistantText: target.AssistantResponse,
		Graph:         m.facade.GraphClone(),
		RecentContext: m.recentContext(target),
	}

	plan, err := m.extractor.Analyze(ctx, in)
	if err != nil {
		m.stats.Failed++
		m.window.MarkProcessed(target.ID, false)
		m.logger.Warn("turn analysis failed",
			zap.Int("sequence", target.Sequence), zap.Error(err))
		return memory.Counts{}, []string{fmt.Sprintf("analysis failed: %v", err)}, false
	}

	validated, warnings := m.validator.Validate(plan, in.Graph)
	counts, applyWarnings := m.facade.Apply(validated)
	warnings = append(warnings, applyWarnings...)

	// the pair enters hot memory only once its facts landed
	m.facade.RecordTurn(target.UserInput, target.AssistantResponse)
	m.window.MarkProcessed(target.ID, true)
	m.stats.Successful++
	m.logger.Debug("turn committed",
		zap.Int("sequence", target.Sequence),
		zap.Int("operations", counts.Total()),
		zap.Int("warnings", len(warnings)))
	return counts, warnings, true
}

// recentContext formats the window turns older than the target.
func (m *Manager) recentContext(target *Turn) string {
	var lines []string
	for _, t := range m.window.Recent(recentContextTurns + m.window.Delay() + 2) {
		if t.Sequence >= target.Sequence {
			continue
		}
		lines = append(lines, "user: "+t.UserInput, "assistant: "+t.AssistantResponse)
	}
	return strings.Join(lines, "\n")
}

// OnTurnEdited rewrites a turn still inside the window and re-opens it
// for processing. Edits to turns that already slid out are ignored.
func (m *Manager) OnTurnEdited(turnID string, user, assistant *string) EditResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.window.Contains(turnID) {
		m.logger.Debug("edit ignored, turn out of window", zap.String("turn_id", turnID))
		return EditResult{Action: "ignored", TurnID: turnID}
	}
	if !m.window.Update(turnID, user, assistant) {
		return EditResult{Action: "failed", TurnID: turnID}
	}
	m.resolver.track(m.window.GetByID(turnID))
	return EditResult{Action: "updated", TurnID: turnID}
}

// Sync reconciles the window against the host's conversation records.
func (m *Manager) Sync(records []ExternalTurn) SyncResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.Sync(records)
}

// WindowInfo returns the window shape under the manager lock.
func (m *Manager) WindowInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.Info()
}

// Stats returns a copy of the processing counters.
func (m *Manager) Stats() UpdateStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SyncStats returns the accumulated reconciliation totals.
func (m *Manager) SyncStats() SyncTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.totals
}

// SetExtractor swaps the analysis backend, for config reloads and tests.
func (m *Manager) SetExtractor(ex extract.Extractor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractor = ex
}
