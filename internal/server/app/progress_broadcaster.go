package app

import (
	"sync"

	"insight/internal/server/ports"
	"insight/internal/shared/logging"
)

// allJobs keys subscribers that receive every job's events.
const allJobs = ""

// DefaultProgressBuffer is the per-subscriber channel capacity.
const DefaultProgressBuffer = 64

// ProgressBroadcaster fans run progress out to websocket clients. Sends
// never block the run: a full subscriber drops the event, except terminal
// events, which evict the oldest buffered event to make room. There is no
// replay for late subscribers.
type ProgressBroadcaster struct {
	mu      sync.RWMutex
	clients map[string][]chan ports.ProgressEvent
	buffer  int
	logger  logging.Logger

	metricsMu sync.Mutex
	sent      int64
	dropped   int64
}

// NewProgressBroadcaster creates a broadcaster with the given per-client
// buffer; values <= 0 use DefaultProgressBuffer.
func NewProgressBroadcaster(buffer int) *ProgressBroadcaster {
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}
	return &ProgressBroadcaster{
		clients: make(map[string][]chan ports.ProgressEvent),
		buffer:  buffer,
		logger:  logging.NewComponentLogger("ProgressBroadcaster"),
	}
}

// Subscribe registers a client for jobID, or for every job when jobID is
// empty. The returned func unsubscribes and closes the channel; it is safe
// to call more than once.
func (b *ProgressBroadcaster) Subscribe(jobID string) (<-chan ports.ProgressEvent, func()) {
	ch := make(chan ports.ProgressEvent, b.buffer)

	b.mu.Lock()
	b.clients[jobID] = append(b.clients[jobID], ch)
	total := len(b.clients[jobID])
	b.mu.Unlock()
	b.logger.Debug("Client subscribed to %q (total: %d)", jobID, total)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(jobID, ch) })
	}
}

func (b *ProgressBroadcaster) unsubscribe(jobID string, ch chan ports.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[jobID]
	for i, client := range clients {
		if client == ch {
			b.clients[jobID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.clients[jobID]) == 0 {
		delete(b.clients, jobID)
	}
}

// Publish delivers ev to the job's subscribers and the global subscribers.
func (b *ProgressBroadcaster) Publish(ev ports.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.send(ev, b.clients[ev.JobID])
	if ev.JobID != allJobs {
		b.send(ev, b.clients[allJobs])
	}
}

func (b *ProgressBroadcaster) send(ev ports.ProgressEvent, clients []chan ports.ProgressEvent) {
	for i, ch := range clients {
		select {
		case ch <- ev:
			b.count(true)
			continue
		default:
		}
		if ev.Terminal() && b.evictOldest(ch, ev) {
			b.logger.Warn("Client buffer saturated for run %s; dropped oldest event to deliver %s (client %d/%d)", ev.JobID, ev.Status, i+1, len(clients))
			b.count(true)
			continue
		}
		b.logger.Warn("Client buffer full for run %s, dropping generation %d (client %d/%d)", ev.JobID, ev.Generation, i+1, len(clients))
		b.count(false)
	}
}

func (b *ProgressBroadcaster) evictOldest(ch chan ports.ProgressEvent, ev ports.ProgressEvent) bool {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func (b *ProgressBroadcaster) count(delivered bool) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	if delivered {
		b.sent++
	} else {
		b.dropped++
	}
}

// ClientCount returns the number of subscribers registered for jobID.
func (b *ProgressBroadcaster) ClientCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[jobID])
}

// ProgressStats is a snapshot of delivery counters.
type ProgressStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Topics  int   `json:"topics"`
}

// Stats returns delivery counters.
func (b *ProgressBroadcaster) Stats() ProgressStats {
	b.metricsMu.Lock()
	sent, dropped := b.sent, b.dropped
	b.metricsMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	return ProgressStats{Sent: sent, Dropped: dropped, Topics: len(b.clients)}
}
