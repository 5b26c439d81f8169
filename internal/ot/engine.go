package ot

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/threadline/collab/internal/protocol"
)

const (
	// DefaultConflictWindow bounds how far back an edit is transformed
	// against concurrent edits from other users.
	DefaultConflictWindow = 5 * time.Second

	// DefaultMaxHistory caps retained entries per resource.
	DefaultMaxHistory = 1000
)

// Edit is one accepted collaborative edit, transformed and ready for
// broadcast.
type Edit struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id"`
	UserName     string                `json:"user_name"`
	ResourceID   string                `json:"resource_id"`
	ResourceType protocol.ResourceType `json:"resource_type"`
	Operation    Operation             `json:"operation"`
	Timestamp    time.Time             `json:"timestamp"`
	Cursor       *protocol.CursorRange `json:"cursor,omitempty"`
}

// HistoryEntry is an append-only record of an accepted edit.
type HistoryEntry struct {
	ID           string                `json:"id"`
	ResourceID   string                `json:"resource_id"`
	ResourceType protocol.ResourceType `json:"resource_type"`
	UserID       string                `json:"user_id"`
	UserName     string                `json:"user_name"`
	Operation    Operation             `json:"operation"`
	Timestamp    time.Time             `json:"timestamp"`
}

type historyKey struct {
	resourceID   string
	resourceType protocol.ResourceType
}

// Engine transforms candidate edits against concurrently-arrived edits on
// the same resource and maintains the bounded per-resource history. The
// history is private to one process; convergence across processes comes
// from every replica running the same transform.
type Engine struct {
	clock          clockwork.Clock
	conflictWindow time.Duration
	maxHistory     int

	mutex   sync.Mutex
	history map[historyKey][]*HistoryEntry
}

func NewEngine(clock clockwork.Clock) *Engine {
	return &Engine{
		clock:          clock,
		conflictWindow: DefaultConflictWindow,
		maxHistory:     DefaultMaxHistory,
		history:        make(map[historyKey][]*HistoryEntry),
	}
}

// ApplyEdit transforms edit.Operation sequentially against every history
// entry for the same resource authored by a different user within the
// trailing conflict window, oldest to newest, then appends the result to
// history and returns it for broadcast. Edits from the same user are never
// transformed against each other. ID and timestamp are assigned only when
// absent, so remote edits keep their origin identity and the equal-position
// tie-break stays stable across replicas.
func (e *Engine) ApplyEdit(edit Edit) (Edit, error) {
	if edit.UserID == "" {
		return Edit{}, ErrMissingUser
	}
	if edit.ResourceID == "" {
		return Edit{}, ErrMissingResource
	}

	now := e.clock.Now().UTC()
	if edit.Timestamp.IsZero() {
		edit.Timestamp = now
	}
	if edit.ID == "" {
		edit.ID = NewEditID(edit.UserID, edit.ResourceID, edit.Timestamp, uuid.NewString())
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	key := historyKey{resourceID: edit.ResourceID, resourceType: edit.ResourceType}
	cutoff := now.Add(-e.conflictWindow)

	op := edit.Operation
	for _, entry := range e.history[key] {
		if entry.UserID == edit.UserID {
			continue
		}
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		op = Transform(op, entry.Operation, editBefore(edit, entry))
	}
	edit.Operation = op

	entries := append(e.history[key], &HistoryEntry{
		ID:           edit.ID,
		ResourceID:   edit.ResourceID,
		ResourceType: edit.ResourceType,
		UserID:       edit.UserID,
		UserName:     edit.UserName,
		Operation:    edit.Operation,
		Timestamp:    edit.Timestamp,
	})

	// Trim oldest-first, but never an entry still inside the conflict
	// window: a later edit may still need it.
	for len(entries) > e.maxHistory && entries[0].Timestamp.Before(cutoff) {
		entries = entries[1:]
	}
	e.history[key] = entries

	return edit, nil
}

// GetEditHistory returns up to limit of the most recent entries for a
// resource in chronological order. A non-positive limit returns everything.
func (e *Engine) GetEditHistory(resourceID string, resourceType protocol.ResourceType, limit int) []*HistoryEntry {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	entries := e.history[historyKey{resourceID: resourceID, resourceType: resourceType}]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]*HistoryEntry, len(entries))
	for i, entry := range entries {
		copied := *entry
		out[i] = &copied
	}
	return out
}

// editBefore orders an edit against a history entry by (timestamp, user,
// id). Every replica computes the same order, so equal-position inserts
// converge regardless of arrival order.
func editBefore(edit Edit, entry *HistoryEntry) bool {
	if !edit.Timestamp.Equal(entry.Timestamp) {
		return edit.Timestamp.Before(entry.Timestamp)
	}
	if edit.UserID != entry.UserID {
		return edit.UserID < entry.UserID
	}
	return edit.ID < entry.ID
}
