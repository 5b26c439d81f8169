package transport

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const rateWindowSize = 60 * time.Second

// Metrics is a point-in-time snapshot of connection health.
type Metrics struct {
	MessagesPerSecond float64       `json:"messages_per_second"`
	Uptime            time.Duration `json:"uptime"`
	ReconnectCount    int           `json:"reconnect_count"`
}

// rateWindow counts events over a trailing window.
type rateWindow struct {
	clock   clockwork.Clock
	mutex   sync.Mutex
	window  time.Duration
	samples []time.Time
}

func newRateWindow(clock clockwork.Clock) *rateWindow {
	return &rateWindow{clock: clock, window: rateWindowSize}
}

func (r *rateWindow) record() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.samples = append(r.samples, r.clock.Now())
	r.pruneLocked()
}

func (r *rateWindow) perSecond() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.pruneLocked()
	return float64(len(r.samples)) / r.window.Seconds()
}

func (r *rateWindow) pruneLocked() {
	cutoff := r.clock.Now().Add(-r.window)
	kept := r.samples[:0]
	for _, sample := range r.samples {
		if !sample.Before(cutoff) {
			kept = append(kept, sample)
		}
	}
	r.samples = kept
}
