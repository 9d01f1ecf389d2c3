package history

import (
	"sync"
	"time"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
)

// Service holds the in-memory conversation transcript. Message ids are
// monotonic and double as streaming-turn identifiers. Nothing survives a
// restart.
type Service struct {
	mu     sync.RWMutex
	nextID int64
	msgs   []chat.Message
}

// NewService bootstraps an empty transcript.
func NewService() *Service {
	return &Service{msgs: make([]chat.Message, 0, 64)}
}

// Append records a message and returns it with its assigned id.
func (s *Service) Append(role, content, source, author string) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := chat.Message{
		ID:        s.nextID,
		Role:      role,
		Content:   content,
		Source:    source,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	s.msgs = append(s.msgs, msg)
	return msg
}

// All returns a copy of the transcript, oldest first.
func (s *Service) All() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Recent returns at most n of the newest messages, oldest first.
func (s *Service) Recent(n int) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.msgs) {
		n = len(s.msgs)
	}
	out := make([]chat.Message, n)
	copy(out, s.msgs[len(s.msgs)-n:])
	return out
}

// Len returns the transcript length.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}
