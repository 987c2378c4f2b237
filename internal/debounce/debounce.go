// Package debounce collapses bursts of input into a single emission.
package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the search debounce window
const DefaultDelay = 300 * time.Millisecond

// Debouncer emits the last value set after delay has passed without a
// further Set. Each Set restarts the window. Emissions run on the timer
// goroutine, never concurrently with each other.
type Debouncer[T any] struct {
	delay time.Duration
	emit  func(T)

	mu      sync.Mutex
	emitMu  sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	value   T
}

// New creates a Debouncer; a non-positive delay means DefaultDelay
func New[T any](delay time.Duration, emit func(T)) *Debouncer[T] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer[T]{delay: delay, emit: emit}
}

// Set records v and restarts the window
func (d *Debouncer[T]) Set(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = v
	d.pending = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Confirm emits the pending value now (e.g. the user pressed enter).
// It returns false when nothing was pending.
func (d *Debouncer[T]) Confirm() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	v := d.value
	d.pending = false
	d.mu.Unlock()

	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.emit(v)
	return true
}

// Pending reports whether a value is waiting for its window to close
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop drops any pending value without emitting it
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	// a Set, Confirm or Stop after this timer was armed wins
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	v := d.value
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.emit(v)
}
