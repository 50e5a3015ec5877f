package federation

import (
	"net"
	"sort"
	"sync"
)

// pending is a registered client waiting for a configuration.
type pending struct {
	conn     net.Conn
	clientID int
}

// Registry holds the per-tag waiting queues and global models. It is the only
// state shared between the registration handlers and the round loop.
type Registry struct {
	mu      sync.Mutex
	queues  map[string][]pending
	models  map[string][]byte
	updates map[string]int
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		queues:  make(map[string][]pending),
		models:  make(map[string][]byte),
		updates: make(map[string]int),
	}
}

// AddTag activates a tag with its initial model. Existing tags are unchanged.
func (r *Registry) AddTag(tag string, model []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[tag]; ok {
		return
	}
	r.models[tag] = model
	if _, ok := r.queues[tag]; !ok {
		r.queues[tag] = nil
	}
}

// Enqueue appends a client to its tag's queue. It returns false once the
// registry is closed; the caller then owns the connection.
func (r *Registry) Enqueue(tag string, p pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.queues[tag] = append(r.queues[tag], p)
	return true
}

// DequeueN removes and returns the first n clients of a tag, FIFO.
// Returns nil if fewer than n are queued.
func (r *Registry) DequeueN(tag string, n int) []pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[tag]
	if len(q) < n {
		return nil
	}
	out := make([]pending, n)
	copy(out, q[:n])
	r.queues[tag] = q[n:]
	return out
}

// Ready reports whether there is at least one active tag and every active
// tag has at least n queued clients.
func (r *Registry) Ready(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.models) == 0 {
		return false
	}
	for tag := range r.models {
		if len(r.queues[tag]) < n {
			return false
		}
	}
	return true
}

// ActiveTags returns the tags with a global model, sorted.
func (r *Registry) ActiveTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.models))
	for tag := range r.models {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Model returns the current global model of a tag.
func (r *Registry) Model(tag string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.models[tag]
}

// SetModel replaces the global model of a tag.
func (r *Registry) SetModel(tag string, model []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[tag] = model
	r.updates[tag]++
}

// QueueSizes returns the number of waiting clients per tag.
func (r *Registry) QueueSizes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make(map[string]int, len(r.queues))
	for tag, q := range r.queues {
		sizes[tag] = len(q)
	}
	return sizes
}

// Updates returns how many times a tag's model was aggregated.
func (r *Registry) Updates(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[tag]
}

// Close rejects further enqueues and returns every waiting client.
func (r *Registry) Close() []pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var out []pending
	for tag, q := range r.queues {
		out = append(out, q...)
		r.queues[tag] = nil
	}
	return out
}
