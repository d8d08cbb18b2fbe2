package bus

import (
	"context"
	"errors"
	"sync"

	"insight/internal/messaging"
)

// ErrClosed is returned by Next after the subscription or bus is closed.
var ErrClosed = errors.New("bus: closed")

// mailbox is an unbounded FIFO. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []messaging.Envelope
	head   int
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(env messaging.Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, env)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (messaging.Envelope, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head < len(m.items) {
		env := m.items[m.head]
		m.items[m.head] = messaging.Envelope{}
		m.head++
		if m.head == len(m.items) {
			m.items = m.items[:0]
			m.head = 0
		}
		return env, true, m.closed
	}
	return messaging.Envelope{}, false, m.closed
}

func (m *mailbox) next(ctx context.Context) (messaging.Envelope, error) {
	for {
		env, ok, closed := m.pop()
		if ok {
			return env, nil
		}
		if closed {
			return messaging.Envelope{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return messaging.Envelope{}, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) - m.head
}

// Subscription is a pull-based stream of envelopes addressed to one agent.
type Subscription struct {
	agentID string
	box     *mailbox
	router  *Router
	once    sync.Once
}

// AgentID returns the subscribed agent.
func (s *Subscription) AgentID() string { return s.agentID }

// Next blocks until an envelope arrives, ctx is done, or the subscription
// is closed. Envelopes from one sender arrive in publish order.
func (s *Subscription) Next(ctx context.Context) (messaging.Envelope, error) {
	return s.box.next(ctx)
}

// Pending returns the number of buffered envelopes.
func (s *Subscription) Pending() int { return s.box.len() }

// Close detaches the subscription. Envelopes already buffered can still be
// drained with Next before it reports ErrClosed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.router.remove(s)
		s.box.close()
	})
}

// Router owns the local subscription table.
type Router struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{subs: make(map[string]map[*Subscription]struct{})}
}

func (r *Router) add(agentID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{agentID: agentID, box: newMailbox(), router: r}
	set, ok := r.subs[agentID]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[agentID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[sub.agentID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, sub.agentID)
		}
	}
}

// Dispatch delivers env to every local subscriber it addresses and returns
// how many mailboxes received it. Broadcast envelopes skip the sender.
func (r *Router) Dispatch(env messaging.Envelope) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrClosed
	}
	delivered := 0
	if env.IsBroadcast() {
		for agentID, set := range r.subs {
			if agentID == env.Sender() {
				continue
			}
			for sub := range set {
				if sub.box.push(env) {
					delivered++
				}
			}
		}
		return delivered, nil
	}
	for sub := range r.subs[env.Recipient()] {
		if sub.box.push(env) {
			delivered++
		}
	}
	return delivered, nil
}

// Agents lists agent ids with at least one live subscription.
func (r *Router) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	return out
}

func (r *Router) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*Subscription
	for _, set := range r.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	r.subs = make(map[string]map[*Subscription]struct{})
	r.mu.Unlock()
	for _, sub := range all {
		sub.box.close()
	}
}
