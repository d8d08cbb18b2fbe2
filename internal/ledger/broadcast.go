package ledger

import (
	"context"
	"sync"
	"time"

	"insight/internal/shared/logging"
)

// Broadcaster forwards a committed record to an external anchoring sink.
// Delivery is best effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, rec Record) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, rec Record) error

func (f BroadcasterFunc) Broadcast(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

const (
	defaultQueueSize     = 256
	broadcastCallTimeout = 15 * time.Second
)

// relay owns the single worker draining the broadcast queue. enqueue never
// blocks; a full queue drops the record.
type relay struct {
	sink    Broadcaster
	queue   chan Record
	logger  logging.Logger
	dropped func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newRelay(sink Broadcaster, size int, logger logging.Logger, dropped func()) *relay {
	if size <= 0 {
		size = defaultQueueSize
	}
	r := &relay{
		sink:    sink,
		queue:   make(chan Record, size),
		logger:  logger,
		dropped: dropped,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *relay) enqueue(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("broadcast queue full, dropping seq %d", rec.Seq)
		if r.dropped != nil {
			r.dropped()
		}
	}
}

func (r *relay) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.deliver(rec)
	}
}

func (r *relay) deliver(rec Record) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("broadcast of seq %d panicked: %v", rec.Seq, p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), broadcastCallTimeout)
	defer cancel()
	if err := r.sink.Broadcast(ctx, rec); err != nil {
		r.logger.Warn("broadcast of seq %d failed: %v", rec.Seq, err)
	}
}

func (r *relay) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
