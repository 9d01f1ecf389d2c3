package relay

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
)

// Registry tracks every live client connection. Registration and removal
// synchronize on the registry lock; everything else about a connection is
// serialized on the connection itself.
type Registry struct {
	mu    sync.RWMutex
	opts  Options
	conns map[string]*Connection
}

// NewRegistry creates an empty registry with the given per-connection options.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		conns: make(map[string]*Connection),
	}
}

// Register creates a Connection in the connecting state and starts its
// writer. The caller activates it once initial replay is done. Display
// names are cosmetic labels; duplicates are allowed.
func (r *Registry) Register(t Transport, name, token string) *Connection {
	c := newConnection(uuid.NewString(), t, name, token, r.opts, r.drop)

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	go c.run()
	log.Printf("[relay] conn=%s registered name=%q total=%d", c.ID, name, r.Count())
	return c
}

// Unregister removes and closes a connection. Idempotent, and safe from the
// transport's own close/error callback.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		c.Close()
		log.Printf("[relay] conn=%s unregistered total=%d", id, r.Count())
	}
}

// drop is the connection close hook; it only clears the map entry.
func (r *Registry) drop(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Rename updates the label used in subsequent frames.
func (r *Registry) Rename(id, name string) {
	if c, ok := r.Get(id); ok {
		c.setName(name)
	}
}

// Get looks up a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast enqueues frame on every admitted connection except the excluded
// ids. Connections still connecting or already closed are skipped.
func (r *Registry) Broadcast(frame chat.Frame, exclude ...string) {
	r.broadcast(queued{frame: frame}, toSet(exclude))
}

func (r *Registry) broadcast(q queued, exclude map[string]struct{}) {
	for _, c := range r.snapshot() {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		switch c.State() {
		case StateActive, StateDraining:
			c.enqueue(q)
		}
	}
}

// beginTurn resets ack bookkeeping on every connection for a new turn.
func (r *Registry) beginTurn(epoch int64) {
	for _, c := range r.snapshot() {
		c.beginTurn(epoch)
	}
}

// CloseByToken closes every connection admitted under the given session
// token. Used on logout.
func (r *Registry) CloseByToken(token string) {
	if token == "" {
		return
	}
	for _, c := range r.snapshot() {
		if c.Token == token {
			r.Unregister(c.ID)
		}
	}
}

// CloseAll tears down every connection, e.g. on shutdown.
func (r *Registry) CloseAll() {
	for _, c := range r.snapshot() {
		r.Unregister(c.ID)
	}
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
