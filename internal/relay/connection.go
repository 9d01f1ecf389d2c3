package relay

import (
	"log"
	"sync"
	"time"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
)

// Transport is the write side of one client connection. *websocket.Conn
// satisfies it; tests substitute in-memory fakes.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// State is the lifecycle of a Connection.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options tune per-connection queueing and flow control.
type Options struct {
	// QueueSize bounds the outbound frame queue.
	QueueSize int
	// MaxAckGap is how many unacknowledged chunks a connection may trail
	// behind before further chunks are held off the wire.
	MaxAckGap int
	// AckTimeout bounds how long a gated chunk waits for the ack window to
	// open before the connection is dropped as unresponsive.
	AckTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAckGap <= 0 {
		o.MaxAckGap = 8
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	return o
}

// queued wraps a frame with delivery metadata. epoch ties chunk frames to
// the streaming turn that produced them; terminal frames use a bounded
// blocking enqueue so a turn always ends with a visible signal.
type queued struct {
	frame    chat.Frame
	epoch    int64
	terminal bool
}

// Connection is one registered client. A dedicated writer goroutine drains
// the outbound queue, gating chunk frames of the current turn on the
// connection's ack gap. All bookkeeping writes are serialized behind mu.
type Connection struct {
	ID    string
	Token string

	opts      Options
	transport Transport
	queue     chan queued
	done      chan struct{}
	ackCh     chan struct{}
	closeOnce sync.Once
	onClose   func(id string)

	mu      sync.Mutex
	name    string
	state   State
	epoch   int64
	lastAck int
	dropped int
}

func newConnection(id string, t Transport, name, token string, opts Options, onClose func(string)) *Connection {
	return &Connection{
		ID:        id,
		Token:     token,
		opts:      opts,
		transport: t,
		queue:     make(chan queued, opts.QueueSize),
		done:      make(chan struct{}),
		ackCh:     make(chan struct{}, 1),
		onClose:   onClose,
		name:      name,
		state:     StateConnecting,
	}
}

// Name returns the current display label.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Connection) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// State returns the connection lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate marks the transport handshake as finished. Frames broadcast
// before activation skip this connection.
func (c *Connection) Activate() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateActive
	}
	c.mu.Unlock()
}

// Dropped reports how many frames were shed while draining.
func (c *Connection) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Send enqueues a frame for this connection only (history replay, direct
// echo, per-connection errors). Never blocks beyond the queue bound policy.
func (c *Connection) Send(frame chat.Frame) {
	c.enqueue(queued{frame: frame})
}

// enqueue applies the overflow policy: non-terminal frames are dropped and
// the connection marked draining when the queue is full; terminal frames
// block for a bounded interval and drop the connection on failure.
func (c *Connection) enqueue(q queued) {
	if c.State() == StateClosed {
		return
	}

	select {
	case c.queue <- q:
		c.recoverIfDrained()
		return
	default:
	}

	if !q.terminal {
		c.mu.Lock()
		if c.state == StateActive {
			c.state = StateDraining
		}
		c.dropped++
		c.mu.Unlock()
		return
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case c.queue <- q:
	case <-c.done:
	case <-timer.C:
		log.Printf("[relay] conn=%s terminal frame enqueue timed out, closing", c.ID)
		c.Close()
	}
}

func (c *Connection) recoverIfDrained() {
	c.mu.Lock()
	if c.state == StateDraining && len(c.queue) <= cap(c.queue)/2 {
		c.state = StateActive
	}
	c.mu.Unlock()
}

// beginTurn resets ack bookkeeping for a new streaming turn.
func (c *Connection) beginTurn(epoch int64) {
	c.mu.Lock()
	c.epoch = epoch
	c.lastAck = 0
	c.mu.Unlock()
	c.signalAck()
}

// recordAck notes progress through seq and wakes a gated writer.
func (c *Connection) recordAck(seq int) {
	c.mu.Lock()
	if seq > c.lastAck {
		c.lastAck = seq
	}
	c.mu.Unlock()
	c.signalAck()
}

func (c *Connection) signalAck() {
	select {
	case c.ackCh <- struct{}{}:
	default:
	}
}

// run drains the outbound queue onto the transport. It owns all transport
// writes; per-connection FIFO order follows from the single queue.
func (c *Connection) run() {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case q := <-c.queue:
			if q.frame.Type == chat.FrameChunk && !c.awaitAckWindow(q) {
				return
			}
			if err := c.transport.WriteJSON(q.frame); err != nil {
				log.Printf("[relay] conn=%s write failed: %v", c.ID, err)
				return
			}
		}
	}
}

// awaitAckWindow holds a chunk off the wire while the connection trails more
// than MaxAckGap behind. Chunks from a superseded turn pass ungated; clients
// already tolerate a trailing chunk after an abort. Returns false when the
// delivery timeout expires or the connection closes.
func (c *Connection) awaitAckWindow(q queued) bool {
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		open := c.epoch != q.epoch || q.frame.SeqID-c.lastAck <= c.opts.MaxAckGap
		c.mu.Unlock()
		if open {
			return true
		}

		select {
		case <-c.ackCh:
		case <-c.done:
			return false
		case <-timer.C:
			log.Printf("[relay] conn=%s stalled at seq=%d, dropping connection", c.ID, q.frame.SeqID)
			return false
		}
	}
}

// Close tears the connection down. Safe to call repeatedly and from the
// transport's own error path.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
		_ = c.transport.Close()
		if c.onClose != nil {
			c.onClose(c.ID)
		}
	})
}
