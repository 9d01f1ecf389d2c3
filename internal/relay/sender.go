package relay

import (
	"errors"
	"log"
	"sync"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
)

var (
	// ErrTurnActive means a streaming turn is already in flight; the caller
	// must abort it before starting another.
	ErrTurnActive = errors.New("relay: streaming turn already active")
	// ErrTurnClosed means the turn was finished, aborted, or superseded.
	ErrTurnClosed = errors.New("relay: turn is not streaming")
)

// TurnState is the lifecycle of a StreamingTurn.
type TurnState int

const (
	TurnStreaming TurnState = iota
	TurnFinishing
	TurnComplete
	TurnAborted
)

// Turn is one streamed assistant reply: a strictly increasing chunk
// sequence starting at 1 plus per-connection ack high-water marks. At most
// one turn is streaming at any instant.
type Turn struct {
	MessageID int64

	state TurnState
	seq   int
	epoch int64
	acks  map[string]int
}

// Sender delivers a turn as ordered chunks with per-connection flow
// control. Chunk emission never waits for acknowledgements; gating happens
// in each connection's writer so one slow client cannot stall generation.
type Sender struct {
	router *Router

	mu    sync.Mutex
	epoch int64
	turn  *Turn
}

// NewSender creates a sender dispatching through router.
func NewSender(router *Router) *Sender {
	return &Sender{router: router}
}

// StartTurn begins a new streaming turn for the given message id. Fails
// with ErrTurnActive while another turn is still streaming.
func (s *Sender) StartTurn(messageID int64) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != nil && (s.turn.state == TurnStreaming || s.turn.state == TurnFinishing) {
		return nil, ErrTurnActive
	}

	s.epoch++
	t := &Turn{
		MessageID: messageID,
		state:     TurnStreaming,
		epoch:     s.epoch,
		acks:      make(map[string]int),
	}
	s.turn = t
	s.router.reg.beginTurn(t.epoch)

	log.Printf("[relay] turn started message_id=%d epoch=%d", messageID, t.epoch)
	return t, nil
}

// SendChunk assigns the next sequence number and fans the fragment out.
// Returns ErrTurnClosed once the turn is no longer streaming.
func (s *Sender) SendChunk(t *Turn, text string) (int, error) {
	s.mu.Lock()
	if s.turn != t || t.state != TurnStreaming {
		s.mu.Unlock()
		return 0, ErrTurnClosed
	}
	t.seq++
	seq, epoch := t.seq, t.epoch
	s.mu.Unlock()

	s.router.chunk(text, seq, epoch)
	return seq, nil
}

// Ack records that connID has received through seq on the current turn.
// Acks for superseded turns, unknown sequence slots, or when nothing is
// streaming are ignored.
func (s *Sender) Ack(connID string, seq int) {
	s.mu.Lock()
	t := s.turn
	if t == nil || (t.state != TurnStreaming && t.state != TurnFinishing) || seq < 1 || seq > t.seq {
		s.mu.Unlock()
		return
	}
	if seq > t.acks[connID] {
		t.acks[connID] = seq
	}
	s.mu.Unlock()

	if c, ok := s.router.reg.Get(connID); ok {
		c.recordAck(seq)
	}
}

// AckedSeq returns the highest acknowledged sequence recorded for connID on
// turn t.
func (s *Sender) AckedSeq(t *Turn, connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.acks[connID]
}

// Active reports whether a turn is currently streaming.
func (s *Sender) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil && s.turn.state == TurnStreaming
}

// FinishTurn ends t normally and broadcasts the completion marker. Calling
// it twice, or after an abort, is a no-op.
func (s *Sender) FinishTurn(t *Turn) {
	s.mu.Lock()
	if s.turn != t || t.state != TurnStreaming {
		s.mu.Unlock()
		return
	}
	t.state = TurnFinishing
	s.mu.Unlock()

	s.router.Emit(Event{Kind: chat.FrameStreamComplete})

	s.mu.Lock()
	if t.state == TurnFinishing {
		t.state = TurnComplete
	}
	s.mu.Unlock()

	log.Printf("[relay] turn finished message_id=%d chunks=%d", t.MessageID, t.seq)
}

// AbortTurn moves t to aborted from any non-terminal state and tells
// clients via an error frame followed by a completion marker, so their
// streaming state always resolves.
func (s *Sender) AbortTurn(t *Turn, reason string) {
	s.mu.Lock()
	if s.turn != t || t.state == TurnComplete || t.state == TurnAborted {
		s.mu.Unlock()
		return
	}
	t.state = TurnAborted
	s.mu.Unlock()

	log.Printf("[relay] turn aborted message_id=%d reason=%s", t.MessageID, reason)
	s.router.Emit(Event{Kind: chat.FrameError, Content: reason})
	s.router.Emit(Event{Kind: chat.FrameStreamComplete})
}

// TurnSeq returns the last assigned chunk sequence of t.
func (s *Sender) TurnSeq(t *Turn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.seq
}
