// Package conversation keeps bounded per-session question/answer history.
package conversation

import (
	"sync"

	"groundedqa/internal/domain"
)

// State is a bounded FIFO of completed turns. The oldest turn is evicted
// when capacity is exceeded. A capacity of zero keeps nothing.
type State struct {
	mu       sync.Mutex
	capacity int
	turns    []domain.ConversationTurn
}

func NewState(capacity int) *State {
	if capacity < 0 {
		capacity = 0
	}
	return &State{capacity: capacity}
}

func (s *State) Append(turn domain.ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity == 0 {
		return
	}
	s.turns = append(s.turns, turn)
	if over := len(s.turns) - s.capacity; over > 0 {
		s.turns = append(s.turns[:0:0], s.turns[over:]...)
	}
}

// Recent returns the last n turns in chronological order.
func (s *State) Recent(n int) []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	from := max(0, len(s.turns)-n)
	out := make([]domain.ConversationTurn, len(s.turns)-from)
	copy(out, s.turns[from:])
	return out
}

func (s *State) Turns() []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}
