package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadline/collab/internal/protocol"
)

const (
	// DefaultLocalExpiry is how long an entry survives without a refresh
	// before its per-entry timer removes it.
	DefaultLocalExpiry = 30 * time.Second

	// DefaultActiveWindow bounds how stale an entry may be and still be
	// reported by Active queries.
	DefaultActiveWindow = 2 * time.Minute

	// DefaultPurgeAfter is the hard cutoff after which entries are deleted
	// from the store regardless of timers.
	DefaultPurgeAfter = 5 * time.Minute
)

// Info is one user's presence on one resource.
type Info struct {
	UserID       string                  `json:"user_id"`
	UserName     string                  `json:"user_name"`
	ResourceID   string                  `json:"resource_id"`
	ResourceType protocol.ResourceType   `json:"resource_type"`
	Status       protocol.PresenceStatus `json:"status"`
	Cursor       *protocol.CursorRange   `json:"cursor,omitempty"`
	LastSeen     time.Time               `json:"last_seen"`
}

type presenceKey struct {
	userID     string
	resourceID string
}

type entry struct {
	info  Info
	timer clockwork.Timer
}

// Tracker answers "who is here" queries. Entries are unique per
// (userID, resourceID); a new signal replaces, never appends.
type Tracker struct {
	clock        clockwork.Clock
	logger       *zap.Logger
	localExpiry  time.Duration
	activeWindow time.Duration
	purgeAfter   time.Duration

	mutex   sync.Mutex
	entries map[presenceKey]*entry
	stopped bool
	done    chan struct{}
}

func NewTracker(clock clockwork.Clock, logger *zap.Logger) *Tracker {
	t := &Tracker{
		clock:        clock,
		logger:       logger.Named("presence"),
		localExpiry:  DefaultLocalExpiry,
		activeWindow: DefaultActiveWindow,
		purgeAfter:   DefaultPurgeAfter,
		entries:      make(map[presenceKey]*entry),
		done:         make(chan struct{}),
	}
	go t.janitor()
	return t
}

// janitor sweeps out entries past the hard cutoff even when no writes
// arrive to trigger an opportunistic purge.
func (t *Tracker) janitor() {
	ticker := t.clock.NewTicker(t.purgeAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			t.Purge()
		case <-t.done:
			return
		}
	}
}

// Upsert stores or refreshes an entry and (re)arms its expiry timer.
// LastSeen is stamped with the receiving side's clock so expiry does not
// depend on remote clocks.
func (t *Tracker) Upsert(info Info) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.stopped {
		return
	}

	info.LastSeen = t.clock.Now().UTC()
	key := presenceKey{userID: info.UserID, resourceID: info.ResourceID}

	if existing, ok := t.entries[key]; ok {
		existing.timer.Stop()
	}

	timer := t.clock.AfterFunc(t.localExpiry, func() {
		t.expire(key)
	})
	t.entries[key] = &entry{info: info, timer: timer}

	t.purgeLocked()
}

// Remove deletes the entry for (userID, resourceID) and cancels its timer.
func (t *Tracker) Remove(userID, resourceID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	key := presenceKey{userID: userID, resourceID: resourceID}
	if existing, ok := t.entries[key]; ok {
		existing.timer.Stop()
		delete(t.entries, key)
	}
}

// Active returns copies of every entry on the resource whose LastSeen is
// inside the active window. Filtering out the local user is the caller's
// responsibility.
func (t *Tracker) Active(resourceID string, resourceType protocol.ResourceType) []*Info {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	cutoff := t.clock.Now().Add(-t.activeWindow)

	var active []*Info
	for _, e := range t.entries {
		if e.info.ResourceID != resourceID || e.info.ResourceType != resourceType {
			continue
		}
		if e.info.LastSeen.Before(cutoff) {
			continue
		}
		copied := e.info
		active = append(active, &copied)
	}
	return active
}

// Purge deletes entries past the hard cutoff. Upsert also purges
// opportunistically; this exists for periodic sweeps.
func (t *Tracker) Purge() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.purgeLocked()
}

// Stop cancels every pending expiry timer and the purge sweep. The
// tracker accepts no new entries afterwards.
func (t *Tracker) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *Tracker) expire(key presenceKey) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return
	}
	// A refresh may have re-armed a new timer for this key after this
	// callback was already scheduled.
	if t.clock.Now().Sub(e.info.LastSeen) < t.localExpiry {
		return
	}

	delete(t.entries, key)
	t.logger.Debug("presence expired",
		zap.String("user_id", key.userID),
		zap.String("resource_id", key.resourceID))
}

func (t *Tracker) purgeLocked() {
	cutoff := t.clock.Now().Add(-t.purgeAfter)
	for key, e := range t.entries {
		if e.info.LastSeen.Before(cutoff) {
			e.timer.Stop()
			delete(t.entries, key)
		}
	}
}
