package window

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// maxNewTurnAge bounds how stale an unseen host record may be and still
// enter the window during a sync.
const maxNewTurnAge = 24 * time.Hour

// ExternalTurn is one conversation record as reported by the host.
type ExternalTurn struct {
	ID        string     `json:"turn_id"`
	Sequence  *int       `json:"sequence,omitempty"`
	User      string     `json:"user_input"`
	Assistant string     `json:"assistant_response"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Synced            int `json:"synced"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
	OutOfWindow       int `json:"out_of_window"`
	NewTurns          int `json:"new_turns"`
	UpdatedTurns      int `json:"updated_turns"`
	DeletedTurns      int `json:"deleted_turns"`
}

// SyncTotals accumulates reconciliation outcomes across the session.
type SyncTotals struct {
	Syncs             int `json:"syncs"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
	NewTurns          int `json:"new_turns"`
	UpdatedTurns      int `json:"updated_turns"`
}

// snapshot is what the resolver remembers about a turn it has seen.
type snapshot struct {
	TurnID      string
	Sequence    int
	ContentHash string
	CreatedAt   time.Time
	Version     int
}

// Resolver reconciles the window against the host's view of the
// conversation: edits the host made behind our back, records we never
// saw, records the host dropped. The graph is never touched here;
// updated turns re-enter processing through the normal delayed cycle.
// Callers hold the Manager lock.
type Resolver struct {
	window    *SlidingWindow
	snapshots map[string]*snapshot
	totals    SyncTotals
	logger    *zap.Logger
}

func newResolver(w *SlidingWindow, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		window:    w,
		snapshots: make(map[string]*snapshot),
		logger:    logger.Named("window.resolver"),
	}
}

// contentHash fingerprints an exchange. The separator keeps
// ("ab","c") and ("a","bc") distinct.
func contentHash(user, assistant string) string {
	sum := sha256.Sum256([]byte(user + "\x1e" + assistant))
	return hex.EncodeToString(sum[:8])
}

// track refreshes the stored snapshot for a window turn.
func (r *Resolver) track(t *Turn) {
	if t == nil {
		return
	}
	r.snapshots[t.ID] = &snapshot{
		TurnID:      t.ID,
		Sequence:    t.Sequence,
		ContentHash: contentHash(t.UserInput, t.AssistantResponse),
		CreatedAt:   t.Timestamp,
		Version:     t.Version,
	}
}

// Sync walks the host records against the window. Records for turns
// that already slid out are counted and otherwise ignored; divergent
// in-window records take the host content; unseen fresh records enter
// the window as new turns; window turns absent from the host are
// counted as deleted but kept, their facts may already be in the graph.
func (r *Resolver) Sync(records []ExternalTurn) SyncResult {
	var res SyncResult
	lo, _, hasBounds := r.window.SequenceBounds()

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ID != "" {
			seen[rec.ID] = struct{}{}
		}

		t := r.window.GetByID(rec.ID)
		if t == nil {
			if hasBounds && rec.Sequence != nil && *rec.Sequence < lo {
				// slid out already; nothing to reconcile
				res.OutOfWindow++
				continue
			}
			if rec.User == "" && rec.Assistant == "" {
				continue
			}
			if rec.Timestamp != nil && time.Since(*rec.Timestamp) > maxNewTurnAge {
				r.logger.Debug("stale host record skipped", zap.String("turn_id", rec.ID))
				continue
			}
			nt := r.window.Append(rec.User, rec.Assistant)
			if rec.ID != "" {
				// keep the host's ID so the next sync matches it
				nt.ID = rec.ID
			}
			r.track(nt)
			res.NewTurns++
			res.Synced++
			continue
		}

		theirs := contentHash(rec.User, rec.Assistant)
		ours := contentHash(t.UserInput, t.AssistantResponse)
		if theirs == ours {
			res.Synced++
			continue
		}

		// the host record is authoritative for divergent content; its
		// timestamp is the original send time, not the edit time
		res.ConflictsDetected++
		user, assistant := rec.User, rec.Assistant
		r.window.Update(t.ID, &user, &assistant)
		r.track(t)
		res.ConflictsResolved++
		res.UpdatedTurns++
		res.Synced++
	}

	for _, t := range r.window.AllTurns() {
		if _, ok := seen[t.ID]; !ok {
			res.DeletedTurns++
		}
	}

	// drop snapshots of evicted turns
	for id := range r.snapshots {
		if !r.window.Contains(id) {
			delete(r.snapshots, id)
		}
	}

	r.totals.Syncs++
	r.totals.ConflictsDetected += res.ConflictsDetected
	r.totals.ConflictsResolved += res.ConflictsResolved
	r.totals.NewTurns += res.NewTurns
	r.totals.UpdatedTurns += res.UpdatedTurns

	r.logger.Info("conversation synced",
		zap.Int("records", len(records)),
		zap.Int("synced", res.Synced),
		zap.Int("conflicts_detected", res.ConflictsDetected),
		zap.Int("conflicts_resolved", res.ConflictsResolved),
		zap.Int("new_turns", res.NewTurns),
		zap.Int("deleted_turns", res.DeletedTurns))
	return res
}
