// ABOUTME: Mirrors task graph events into the snapshot store
// ABOUTME: Persistence is best effort; failures are logged, never propagated

package store

import (
	"log/slog"

	"github.com/teamwire/teamwire/internal/orchestrator"
)

// Mirror writes every task graph change through to a SQLiteStore. It plugs
// into the graph as its events sink, so the in-memory graph stays the source
// of truth and the store trails it.
type Mirror struct {
	store  *SQLiteStore
	logger *slog.Logger
}

// NewMirror creates a task graph events sink backed by the store.
func NewMirror(store *SQLiteStore, logger *slog.Logger) *Mirror {
	return &Mirror{store: store, logger: logger}
}

func (m *Mirror) TaskCreated(t *orchestrator.Task) { m.save(t) }
func (m *Mirror) TaskUpdated(t *orchestrator.Task) { m.save(t) }

// TaskUnblocked persists the flipped status; the graph already emitted the
// transition as an update for its other listeners.
func (m *Mirror) TaskUnblocked(t *orchestrator.Task) { m.save(t) }

func (m *Mirror) TaskDeleted(id string) {
	if err := m.store.DeleteTask(id); err != nil {
		m.logger.Error("failed to delete persisted task", "task_id", id, "error", err)
	}
}

func (m *Mirror) save(t *orchestrator.Task) {
	if err := m.store.SaveTask(t); err != nil {
		m.logger.Error("failed to persist task", "task_id", t.ID, "error", err)
	}
}
