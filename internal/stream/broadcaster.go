// Package stream fans out the live stdout/stderr of an in-flight
// one-shot execution to any number of websocket followers, without
// buffering the whole output in memory for subscribers that never
// connect. This has no teacher precedent (Boxed's interactSandbox
// websocket handler pipes a live bidirectional REPL, not a one-shot
// execution's output); it's adapted from that handler's
// goroutine-per-direction shape, narrowed to one direction.
package stream

import (
	"sync"
)

// Broadcaster is an io.Writer that also fans written chunks out to any
// number of subscribers. Safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Write implements io.Writer, copying p to every current subscriber. A
// subscriber that isn't draining fast enough has its chunk dropped
// rather than blocking the execution it's following.
func (b *Broadcaster) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- cp:
		default:
		}
	}
	return len(p), nil
}

// Subscribe returns a channel of output chunks. Call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close marks the execution finished and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan []byte]struct{})
}

// Registry tracks the Broadcaster for each in-flight execution id.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Broadcaster
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Broadcaster)}
}

// Open registers a new Broadcaster for id, replacing any prior one.
func (r *Registry) Open(id string) *Broadcaster {
	b := NewBroadcaster()
	r.mu.Lock()
	r.byID[id] = b
	r.mu.Unlock()
	return b
}

// Get returns the Broadcaster for id, if any execution is in flight for it.
func (r *Registry) Get(id string) (*Broadcaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	return b, ok
}

// Close closes and forgets id's Broadcaster.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	b, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	if ok {
		b.Close()
	}
}
