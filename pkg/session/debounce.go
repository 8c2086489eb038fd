package session

import (
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// DefaultPrefsDelay is the quiet period before a preference write.
const DefaultPrefsDelay = 2 * time.Second

// Debouncer coalesces preference patches. Every Add resets the timer; when
// it fires, all patches merged since the last write are handed to the
// flush function in one call.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	flush   func(worlddb.Prefs)
	pending worlddb.Prefs
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewDebouncer returns a debouncer that calls flush delay after the last Add.
func NewDebouncer(delay time.Duration, flush func(worlddb.Prefs)) *Debouncer {
	if delay <= 0 {
		delay = DefaultPrefsDelay
	}
	return &Debouncer{delay: delay, flush: flush}
}

// Add merges patch into the pending write and restarts the quiet period.
func (d *Debouncer) Add(patch worlddb.Prefs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.pending == nil {
		d.pending = worlddb.Prefs{}
	}
	d.pending.Merge(patch)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	d.flush(batch)
}

// Flush writes any pending patch now and cancels the timer. Later Adds are
// ignored once stop is set.
func (d *Debouncer) Flush(stop bool) {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	batch := d.pending
	d.pending = nil
	if stop {
		d.stopped = true
	}
	d.mu.Unlock()
	if batch != nil {
		d.flush(batch)
	}
}

// Pending reports whether a write is waiting for its quiet period.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}
