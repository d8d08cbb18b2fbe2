// Package ratelimit implements a per-key fixed-window admission counter.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// FixedWindow admits at most limit calls per key within each window. The
// window for a key starts on its first admitted call and restarts once
// window has elapsed since that start.
type FixedWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*window
	now     func() time.Time

	janitorEvery time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// Option customises a FixedWindow.
type Option func(*FixedWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *FixedWindow) {
		if now != nil {
			f.now = now
		}
	}
}

// WithJanitorInterval sets how often stale keys are swept. Zero disables the
// janitor goroutine.
func WithJanitorInterval(d time.Duration) Option {
	return func(f *FixedWindow) { f.janitorEvery = d }
}

// NewFixedWindow builds a limiter. A limit <= 0 admits everything.
func NewFixedWindow(limit int, win time.Duration, opts ...Option) *FixedWindow {
	if win <= 0 {
		win = time.Minute
	}
	f := &FixedWindow{
		limit:        limit,
		window:       win,
		entries:      make(map[string]*window),
		now:          time.Now,
		janitorEvery: 5 * time.Minute,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.janitorEvery > 0 && f.limit > 0 {
		go f.janitor()
	}
	return f
}

// Limit reports the configured per-window limit.
func (f *FixedWindow) Limit() int { return f.limit }

// Window reports the window length.
func (f *FixedWindow) Window() time.Duration { return f.window }

// Admit counts one call for key and reports whether it fits in the current
// window.
func (f *FixedWindow) Admit(key string) bool {
	if f == nil || f.limit <= 0 {
		return true
	}
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	if !ok || now.Sub(entry.start) >= f.window {
		f.entries[key] = &window{count: 1, start: now}
		return true
	}
	entry.count++
	return entry.count <= f.limit
}

// Stop ends the janitor. Admit keeps working afterwards.
func (f *FixedWindow) Stop() {
	if f == nil {
		return
	}
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *FixedWindow) janitor() {
	ticker := time.NewTicker(f.janitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.sweep()
		}
	}
}

func (f *FixedWindow) sweep() int {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for key, entry := range f.entries {
		if now.Sub(entry.start) >= f.window {
			delete(f.entries, key)
			removed++
		}
	}
	return removed
}
