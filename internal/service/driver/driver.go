package driver

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/uzdabrazor/chatparty/internal/config"
	"github.com/uzdabrazor/chatparty/internal/model/chat"
	"github.com/uzdabrazor/chatparty/internal/relay"
	"github.com/uzdabrazor/chatparty/internal/service/history"
)

// Retriever is the knowledge lookup collaborator: ranked snippet texts for
// a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

// CompletionStream yields assistant text fragments. Recv returns io.EOF at
// the end of the reply.
type CompletionStream interface {
	Recv() (string, error)
	Close()
}

// Completer is the completion collaborator: a fragment stream for a prompt.
type Completer interface {
	Complete(ctx context.Context, history []chat.Message, query string, snippets []string) (CompletionStream, error)
}

// State is the driver's position in the conversation loop.
type State int

const (
	StateIdle State = iota
	StateAwaitingCompletion
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// Driver turns inbound user text into relayed chat and, when the message is
// directed at the assistant, into a streamed generation. At most one
// generation runs at a time; a newer directed message wins and interrupts
// the current one. Collaborator failures become error frames, never
// crashes, and the driver always returns to idle.
type Driver struct {
	base       context.Context
	router     *relay.Router
	sender     *relay.Sender
	transcript *history.Service
	retriever  Retriever
	completer  Completer
	cfg        config.AssistantConfig

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the driver. retriever and completer may be nil when the
// corresponding collaborator is not configured.
func New(ctx context.Context, router *relay.Router, sender *relay.Sender, transcript *history.Service, retriever Retriever, completer Completer, cfg config.AssistantConfig) *Driver {
	return &Driver{
		base:       ctx,
		router:     router,
		sender:     sender,
		transcript: transcript,
		retriever:  retriever,
		completer:  completer,
		cfg:        cfg,
		state:      StateIdle,
	}
}

// State returns the current driver state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Directed reports whether content addresses the assistant.
func (d *Driver) Directed(content string) bool {
	if d.cfg.AutoRespond {
		return true
	}
	lower := strings.ToLower(content)
	for _, tag := range d.cfg.Tags {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// HandleUserMessage records and relays an inbound user message, then kicks
// off a generation when the message is directed at the assistant. The
// excluded connection ids (typically the sender, which echoes locally) do
// not receive the relayed copy.
func (d *Driver) HandleUserMessage(content, userName, source string, exclude ...string) chat.Message {
	directed := d.Directed(content)
	msg := d.transcript.Append(chat.RoleUser, content, source, userName)

	d.router.Emit(relay.Event{
		Kind:            chat.FrameMessage,
		Role:            chat.RoleUser,
		Content:         content,
		Source:          source,
		Author:          userName,
		ExpectsResponse: directed,
		Exclude:         exclude,
	})

	if !directed {
		return msg
	}

	if d.completer == nil {
		d.router.Emit(relay.Event{Kind: chat.FrameError, Content: "assistant is not available"})
		return msg
	}

	d.startGeneration(msg)
	return msg
}

// startGeneration interrupts any in-flight generation, then launches a new
// one. Waiting for the old goroutine guarantees turn-1 terminal frames hit
// the wire before turn-2 chunks.
func (d *Driver) startGeneration(msg chat.Message) {
	d.mu.Lock()
	for d.cancel != nil {
		cancel, done := d.cancel, d.done
		d.mu.Unlock()
		cancel()
		<-done
		d.mu.Lock()
	}

	ctx, cancel := context.WithCancel(d.base)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	d.state = StateAwaitingCompletion
	d.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			d.mu.Lock()
			if d.done == done {
				d.cancel, d.done = nil, nil
			}
			d.state = StateIdle
			d.mu.Unlock()
			close(done)
		}()
		d.generate(ctx, msg)
	}()
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

type fragment struct {
	text string
	err  error
}

// generate runs one turn: lookup, prompt, streamed completion.
func (d *Driver) generate(ctx context.Context, msg chat.Message) {
	var snippets []string
	if d.retriever != nil {
		var err error
		snippets, err = d.retriever.Retrieve(ctx, msg.Content)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[driver] knowledge lookup failed: %v", err)
			d.router.Emit(relay.Event{Kind: chat.FrameError, Content: "knowledge lookup failed"})
			return
		}
	}

	stream, err := d.completer.Complete(ctx, d.promptHistory(msg.ID), msg.Content, snippets)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[driver] completion request failed: %v", err)
		d.router.Emit(relay.Event{Kind: chat.FrameError, Content: "completion backend failed"})
		return
	}
	defer stream.Close()

	turn, err := d.sender.StartTurn(msg.ID)
	if err != nil {
		// A previous turn is somehow still live; newest request wins.
		log.Printf("[driver] start turn: %v", err)
		d.router.Emit(relay.Event{Kind: chat.FrameError, Content: "assistant is busy"})
		return
	}
	d.setState(StateStreaming)

	frags := make(chan fragment)
	go func() {
		for {
			text, recvErr := stream.Recv()
			select {
			case frags <- fragment{text: text, err: recvErr}:
			case <-ctx.Done():
				return
			}
			if recvErr != nil {
				return
			}
		}
	}()

	var reply strings.Builder
	stall := time.NewTimer(d.cfg.StallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			d.sender.AbortTurn(turn, "response interrupted")
			return
		case <-stall.C:
			log.Printf("[driver] completion stalled after %s, aborting turn", d.cfg.StallTimeout)
			d.sender.AbortTurn(turn, "completion backend stalled")
			return
		case f := <-frags:
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					d.sender.FinishTurn(turn)
					d.transcript.Append(chat.RoleAssistant, reply.String(), chat.SourceExternal, d.cfg.Name)
					return
				}
				log.Printf("[driver] completion stream failed: %v", f.err)
				d.sender.AbortTurn(turn, "completion backend failed")
				return
			}

			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(d.cfg.StallTimeout)

			if f.text == "" {
				continue
			}
			if _, err := d.sender.SendChunk(turn, f.text); err != nil {
				// Turn superseded mid-send; stop generating for it.
				return
			}
			reply.WriteString(f.text)
		}
	}
}

// promptHistory returns recent transcript messages excluding the
// triggering message itself, which rides separately as the query.
func (d *Driver) promptHistory(excludeID int64) []chat.Message {
	recent := d.transcript.Recent(d.cfg.HistoryLimit + 1)
	out := make([]chat.Message, 0, len(recent))
	for _, m := range recent {
		if m.ID == excludeID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > d.cfg.HistoryLimit {
		out = out[len(out)-d.cfg.HistoryLimit:]
	}
	return out
}

// Shutdown interrupts any in-flight generation and waits for it to wind
// down.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
