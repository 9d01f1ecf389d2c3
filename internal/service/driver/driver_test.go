package driver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/uzdabrazor/chatparty/internal/config"
	"github.com/uzdabrazor/chatparty/internal/model/chat"
	"github.com/uzdabrazor/chatparty/internal/relay"
	"github.com/uzdabrazor/chatparty/internal/service/history"
)

type recordTransport struct {
	mu     sync.Mutex
	frames []chat.Frame
}

func (r *recordTransport) WriteJSON(v any) error {
	r.mu.Lock()
	r.frames = append(r.frames, v.(chat.Frame))
	r.mu.Unlock()
	return nil
}

func (r *recordTransport) Close() error { return nil }

func (r *recordTransport) snapshot() []chat.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// waitFor polls until pred is satisfied by the recorded frames.
func (r *recordTransport) waitFor(t *testing.T, pred func([]chat.Frame) bool) []chat.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := r.snapshot(); pred(frames) {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never met; frames: %+v", r.snapshot())
	return nil
}

func hasFrame(frames []chat.Frame, kind string) bool {
	for _, f := range frames {
		if f.Type == kind {
			return true
		}
	}
	return false
}

type fakeStream struct {
	mu        sync.Mutex
	frags     []string
	idx       int
	finalErr  error
	blockTail bool
	unblock   chan struct{}
	once      sync.Once
}

func newFakeStream(finalErr error, frags ...string) *fakeStream {
	return &fakeStream{frags: frags, finalErr: finalErr, unblock: make(chan struct{})}
}

func (f *fakeStream) Recv() (string, error) {
	f.mu.Lock()
	if f.idx < len(f.frags) {
		s := f.frags[f.idx]
		f.idx++
		f.mu.Unlock()
		return s, nil
	}
	f.mu.Unlock()

	if f.blockTail {
		<-f.unblock
		return "", io.EOF
	}
	if f.finalErr != nil {
		return "", f.finalErr
	}
	return "", io.EOF
}

func (f *fakeStream) Close() {
	f.once.Do(func() { close(f.unblock) })
}

type fakeCompleter struct {
	mu       sync.Mutex
	streams  []*fakeStream
	err      error
	calls    int
	history  []chat.Message
	snippets []string
}

func (f *fakeCompleter) Complete(_ context.Context, history []chat.Message, _ string, snippets []string) (CompletionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = history
	f.snippets = snippets
	if f.err != nil {
		return nil, f.err
	}
	s := f.streams[0]
	if len(f.streams) > 1 {
		f.streams = f.streams[1:]
	}
	return s, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRetriever struct {
	snippets []string
	err      error
}

func (f *fakeRetriever) Retrieve(context.Context, string) ([]string, error) {
	return f.snippets, f.err
}

func testConfig() config.AssistantConfig {
	return config.AssistantConfig{
		Name:          "assistant",
		Tags:          []string{"@assistant"},
		StallTimeout:  time.Second,
		HistoryLimit:  10,
		ContextTokens: 4096,
	}
}

type fixture struct {
	transport  *recordTransport
	transcript *history.Service
	driver     *Driver
}

func newFixture(t *testing.T, retriever Retriever, completer Completer, cfg config.AssistantConfig) *fixture {
	t.Helper()
	reg := relay.NewRegistry(relay.Options{})
	tr := &recordTransport{}
	c := reg.Register(tr, "Nia", "")
	c.Activate()

	router := relay.NewRouter(reg)
	sender := relay.NewSender(router)
	transcript := history.NewService()
	d := New(context.Background(), router, sender, transcript, retriever, completer, cfg)
	t.Cleanup(d.Shutdown)
	t.Cleanup(reg.CloseAll)

	return &fixture{transport: tr, transcript: transcript, driver: d}
}

func (fx *fixture) awaitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.driver.State() == StateIdle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("driver never returned to idle, state=%v", fx.driver.State())
}

func TestUndirectedMessageIsRelayedOnly(t *testing.T) {
	completer := &fakeCompleter{streams: []*fakeStream{newFakeStream(nil, "x")}}
	fx := newFixture(t, nil, completer, testConfig())

	fx.driver.HandleUserMessage("just chatting", "Nia", chat.SourceWeb)

	frames := fx.transport.waitFor(t, func(fs []chat.Frame) bool { return len(fs) >= 1 })
	if frames[0].Type != chat.FrameMessage || frames[0].Role != chat.RoleUser {
		t.Fatalf("expected relayed user message, got %+v", frames[0])
	}
	if frames[0].ExpectsResponse {
		t.Fatal("undirected message should not expect a response")
	}

	time.Sleep(30 * time.Millisecond)
	if completer.callCount() != 0 {
		t.Fatal("completer should not run for undirected chat")
	}
	if fx.driver.State() != StateIdle {
		t.Fatalf("expected idle, got %v", fx.driver.State())
	}
}

func TestDirectedMessageStreamsReply(t *testing.T) {
	completer := &fakeCompleter{streams: []*fakeStream{newFakeStream(nil, "Hi ", "Nia", "!")}}
	fx := newFixture(t, nil, completer, testConfig())

	fx.driver.HandleUserMessage("hello @assistant", "Nia", chat.SourceWeb)

	frames := fx.transport.waitFor(t, func(fs []chat.Frame) bool {
		return hasFrame(fs, chat.FrameStreamComplete)
	})

	if frames[0].Type != chat.FrameMessage || frames[0].UserName != "Nia" || !frames[0].ExpectsResponse {
		t.Fatalf("expected echoed user message first, got %+v", frames[0])
	}

	var seqs []int
	for _, f := range frames {
		if f.Type == chat.FrameChunk {
			seqs = append(seqs, f.SeqID)
		}
	}
	if len(seqs) != 3 {
		t.Fatalf("expected 3 chunks, got %v", seqs)
	}
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("chunk seq not strictly increasing from 1: %v", seqs)
		}
	}
	if frames[len(frames)-1].Type != chat.FrameStreamComplete {
		t.Fatalf("expected trailing stream_complete, got %+v", frames[len(frames)-1])
	}

	fx.awaitIdle(t)
	msgs := fx.transcript.All()
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant || last.Content != "Hi Nia!" {
		t.Fatalf("assistant reply not recorded: %+v", last)
	}
}

func TestNewMessageInterruptsStreamingTurn(t *testing.T) {
	first := newFakeStream(nil, "partial")
	first.blockTail = true
	second := newFakeStream(nil, "fresh reply")
	completer := &fakeCompleter{streams: []*fakeStream{first, second}}
	fx := newFixture(t, nil, completer, testConfig())

	fx.driver.HandleUserMessage("first question @assistant", "A", chat.SourceWeb)
	fx.transport.waitFor(t, func(fs []chat.Frame) bool { return hasFrame(fs, chat.FrameChunk) })

	fx.driver.HandleUserMessage("second question @assistant", "B", chat.SourceWeb)

	frames := fx.transport.waitFor(t, func(fs []chat.Frame) bool {
		completes := 0
		for _, f := range fs {
			if f.Type == chat.FrameStreamComplete {
				completes++
			}
		}
		return completes >= 2
	})

	// Turn 1 remnants resolve with error then stream_complete, then turn 2
	// streams from seq 1.
	var saw []string
	var turn2Seq int
	for _, f := range frames {
		switch f.Type {
		case chat.FrameError:
			saw = append(saw, "error")
		case chat.FrameStreamComplete:
			saw = append(saw, "complete")
		case chat.FrameChunk:
			if len(saw) >= 2 {
				turn2Seq = f.SeqID
				saw = append(saw, "chunk2")
			}
		}
	}
	if len(saw) < 3 || saw[0] != "error" || saw[1] != "complete" || saw[2] != "chunk2" {
		t.Fatalf("unexpected frame order after interrupt: %v\nframes: %+v", saw, frames)
	}
	if turn2Seq != 1 {
		t.Fatalf("fresh turn must restart chunk seq at 1, got %d", turn2Seq)
	}
	fx.awaitIdle(t)
}

func TestCompleterRequestFailure(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("backend exploded")}
	fx := newFixture(t, nil, completer, testConfig())

	fx.driver.HandleUserMessage("@assistant help", "Nia", chat.SourceWeb)

	frames := fx.transport.waitFor(t, func(fs []chat.Frame) bool { return hasFrame(fs, chat.FrameError) })
	if hasFrame(frames, chat.FrameChunk) {
		t.Fatal("no chunks expected when the request fails")
	}
	fx.awaitIdle(t)
}

func TestStreamFailureMidTurn(t *testing.T) {
	completer := &fakeCompleter{streams: []*fakeStream{newFakeStream(errors.New("boom"), "partial ")}}
	fx := newFixture(t, nil, completer, testConfig())

	fx.driver.HandleUserMessage("@assistant go", "Nia", chat.SourceWeb)

	frames := fx.transport.waitFor(t, func(fs []chat.Frame) bool {
		return hasFrame(fs, chat.FrameError) && hasFrame(fs, chat.FrameStreamComplete)
	})
	if !hasFrame(frames, chat.FrameChunk) {
		t.Fatal("expected the partial chunk before the failure")
	}

	fx.awaitIdle(t)
	for _, m := range fx.transcript.All() {
		if m.Role == chat.RoleAssistant {
			t.Fatalf("failed turn must not record an assistant message: %+v", m)
		}
	}
}

func TestStalledCompletionAborts(t *testing.T) {
	stream := newFakeStream(nil, "one")
	stream.blockTail = true
	completer := &fakeCompleter{streams: []*fakeStream{stream}}
	cfg := testConfig()
	cfg.StallTimeout = 50 * time.Millisecond
	fx := newFixture(t, nil, completer, cfg)

	fx.driver.HandleUserMessage("@assistant slow?", "Nia", chat.SourceWeb)

	fx.transport.waitFor(t, func(fs []chat.Frame) bool {
		for _, f := range fs {
			if f.Type == chat.FrameError && f.Content == "completion backend stalled" {
				return true
			}
		}
		return false
	})
	fx.awaitIdle(t)
}

func TestRetrieverFailureSurfacesError(t *testing.T) {
	completer := &fakeCompleter{streams: []*fakeStream{newFakeStream(nil, "x")}}
	retriever := &fakeRetriever{err: errors.New("index down")}
	fx := newFixture(t, retriever, completer, testConfig())

	fx.driver.HandleUserMessage("@assistant what is this", "Nia", chat.SourceWeb)

	fx.transport.waitFor(t, func(fs []chat.Frame) bool { return hasFrame(fs, chat.FrameError) })
	fx.awaitIdle(t)
	if completer.callCount() != 0 {
		t.Fatal("completion must not run when lookup fails")
	}
}

func TestSnippetsAndHistoryReachCompleter(t *testing.T) {
	completer := &fakeCompleter{streams: []*fakeStream{newFakeStream(nil, "ok")}}
	retriever := &fakeRetriever{snippets: []string{"doc one", "doc two"}}
	fx := newFixture(t, retriever, completer, testConfig())

	fx.transcript.Append(chat.RoleUser, "earlier chatter", chat.SourceWeb, "Rex")
	fx.driver.HandleUserMessage("@assistant question", "Nia", chat.SourceWeb)
	fx.awaitIdle(t)

	completer.mu.Lock()
	defer completer.mu.Unlock()
	if len(completer.snippets) != 2 {
		t.Fatalf("snippets not forwarded: %v", completer.snippets)
	}
	for _, m := range completer.history {
		if m.Content == "@assistant question" {
			t.Fatal("triggering message must not duplicate into history")
		}
	}
	if len(completer.history) != 1 || completer.history[0].Content != "earlier chatter" {
		t.Fatalf("unexpected history: %+v", completer.history)
	}
}

func TestNilCompleterEmitsError(t *testing.T) {
	fx := newFixture(t, nil, nil, testConfig())

	fx.driver.HandleUserMessage("@assistant anyone home", "Nia", chat.SourceWeb)

	fx.transport.waitFor(t, func(fs []chat.Frame) bool { return hasFrame(fs, chat.FrameError) })
	if fx.driver.State() != StateIdle {
		t.Fatalf("expected idle, got %v", fx.driver.State())
	}
}

func TestAutoRespondTreatsEverythingDirected(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRespond = true
	completer := &fakeCompleter{streams: []*fakeStream{newFakeStream(nil, "always on")}}
	fx := newFixture(t, nil, completer, cfg)

	if !fx.driver.Directed("no tag at all") {
		t.Fatal("auto-respond mode must treat every message as directed")
	}

	fx.driver.HandleUserMessage("no tag at all", "Nia", chat.SourceWeb)
	fx.transport.waitFor(t, func(fs []chat.Frame) bool { return hasFrame(fs, chat.FrameStreamComplete) })
	fx.awaitIdle(t)
}
