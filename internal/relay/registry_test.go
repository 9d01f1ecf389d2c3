package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
)

// fakeTransport records written frames; block stalls writes until released.
type fakeTransport struct {
	mu     sync.Mutex
	frames []chat.Frame
	closed bool
	block  chan struct{}
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func newBlockedTransport() *fakeTransport {
	return &fakeTransport{block: make(chan struct{})}
}

func (f *fakeTransport) WriteJSON(v any) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.frames = append(f.frames, v.(chat.Frame))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) snapshot() []chat.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

// waitFrames polls until the transport has at least n frames.
func (f *fakeTransport) waitFrames(t *testing.T, n int) []chat.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := f.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(f.snapshot()))
	return nil
}

func activeConn(reg *Registry, t Transport, name string) *Connection {
	c := reg.Register(t, name, "")
	c.Activate()
	return c
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(Options{})
	ta, tb := newFakeTransport(), newFakeTransport()
	ca := activeConn(reg, ta, "Nia")
	activeConn(reg, tb, "Rex")

	reg.Broadcast(chat.Frame{Type: chat.FrameMessage, Content: "hi"}, ca.ID)

	frames := tb.waitFrames(t, 1)
	if frames[0].Content != "hi" {
		t.Fatalf("unexpected frame: %+v", frames[0])
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(ta.snapshot()); got != 0 {
		t.Fatalf("excluded connection received %d frames", got)
	}
}

func TestBroadcastSkipsConnecting(t *testing.T) {
	reg := NewRegistry(Options{})
	tr := newFakeTransport()
	reg.Register(tr, "late", "")

	reg.Broadcast(chat.Frame{Type: chat.FrameMessage, Content: "hello"})
	time.Sleep(20 * time.Millisecond)
	if got := len(tr.snapshot()); got != 0 {
		t.Fatalf("connecting connection received %d frames", got)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := NewRegistry(Options{})
	tr := newFakeTransport()
	c := activeConn(reg, tr, "Nia")

	reg.Unregister(c.ID)
	reg.Unregister(c.ID)
	reg.Unregister("no-such-id")

	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, have %d", reg.Count())
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", c.State())
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed")
	}
}

func TestConnectionCloseRemovesFromRegistry(t *testing.T) {
	reg := NewRegistry(Options{})
	c := activeConn(reg, newFakeTransport(), "Nia")

	// Close from the transport's own error path, then unregister again.
	c.Close()
	if reg.Count() != 0 {
		t.Fatalf("expected connection dropped from registry, have %d", reg.Count())
	}
	reg.Unregister(c.ID)
}

func TestRename(t *testing.T) {
	reg := NewRegistry(Options{})
	c := activeConn(reg, newFakeTransport(), "old")

	reg.Rename(c.ID, "new")
	if got := c.Name(); got != "new" {
		t.Fatalf("expected renamed connection, got %q", got)
	}
	// Renaming a missing id is a no-op.
	reg.Rename("missing", "x")
}

func TestOverflowMarksDrainingAndDrops(t *testing.T) {
	reg := NewRegistry(Options{QueueSize: 2, AckTimeout: 50 * time.Millisecond})
	tr := newBlockedTransport()
	c := activeConn(reg, tr, "slow")

	// First frame parks in the blocked writer, next two fill the queue.
	for i := 0; i < 5; i++ {
		reg.Broadcast(chat.Frame{Type: chat.FrameMessage, Content: "spam"})
	}
	time.Sleep(20 * time.Millisecond)

	if c.State() != StateDraining {
		t.Fatalf("expected draining state, got %v", c.State())
	}
	if c.Dropped() == 0 {
		t.Fatal("expected dropped frames while draining")
	}
}

func TestTerminalFrameEnqueueBounded(t *testing.T) {
	reg := NewRegistry(Options{QueueSize: 1, AckTimeout: 40 * time.Millisecond})
	tr := newBlockedTransport()
	c := activeConn(reg, tr, "slow")

	for i := 0; i < 3; i++ {
		reg.Broadcast(chat.Frame{Type: chat.FrameMessage, Content: "fill"})
	}

	router := NewRouter(reg)
	start := time.Now()
	router.Emit(Event{Kind: chat.FrameError, Content: "abort"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("terminal enqueue blocked too long: %v", elapsed)
	}

	// The connection was dropped rather than queueing without bound.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.State() != StateClosed {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected stalled connection closed, got %v", c.State())
	}
}

func TestCloseByToken(t *testing.T) {
	reg := NewRegistry(Options{})
	a := reg.Register(newFakeTransport(), "a", "token-1")
	a.Activate()
	b := reg.Register(newFakeTransport(), "b", "token-2")
	b.Activate()

	reg.CloseByToken("token-1")

	if _, ok := reg.Get(a.ID); ok {
		t.Fatal("token-1 connection should be gone")
	}
	if _, ok := reg.Get(b.ID); !ok {
		t.Fatal("token-2 connection should survive")
	}
}
