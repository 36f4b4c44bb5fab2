package watcher

import (
	"sync"
	"time"
)

// Debouncer runs a callback for a key once that key has been quiet for the
// configured delay. Rescheduling a key replaces its timer, so at most one
// timer is live per key.
type Debouncer struct {
	delay time.Duration
	fire  func(key string, gen uint64)

	mu     sync.Mutex
	timers map[string]debounceTimer
	gen    uint64
}

type debounceTimer struct {
	t   *time.Timer
	gen uint64
}

// NewDebouncer creates a debouncer that calls fire with the key and the
// generation returned by the Schedule call that armed the timer.
func NewDebouncer(delay time.Duration, fire func(key string, gen uint64)) *Debouncer {
	return &Debouncer{delay: delay, fire: fire, timers: make(map[string]debounceTimer)}
}

// Schedule restarts the quiet period for key and returns the generation the
// callback will carry. Generations increase across all keys.
func (d *Debouncer) Schedule(key string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.timers[key]; ok {
		prev.t.Stop()
	}
	d.gen++
	gen := d.gen
	d.timers[key] = debounceTimer{gen: gen, t: time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cur, ok := d.timers[key]
		live := ok && cur.gen == gen
		if live {
			delete(d.timers, key)
		}
		d.mu.Unlock()

		if live {
			d.fire(key, gen)
		}
	})}
	return gen
}

// Cancel drops the pending timer for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.timers[key]; ok {
		cur.t.Stop()
		delete(d.timers, key)
	}
}

// CancelAll drops every pending timer.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cur := range d.timers {
		cur.t.Stop()
		delete(d.timers, key)
	}
}

// Pending returns the number of keys with a live timer.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
