package conversation

import (
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
)

// TranscriptStore persists completed turns so a session survives restarts.
type TranscriptStore interface {
	AppendTurn(ctx context.Context, sessionID string, turn domain.ConversationTurn) error
	// LoadTurns returns the last limit turns of a session, oldest first.
	LoadTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// DefaultMaxSessions bounds the registry when no limit is configured.
const DefaultMaxSessions = 1000

// Sessions maps session ids to independent conversation states. At most
// limit states stay in memory; the least recently used one is evicted and,
// with a transcript store, rehydrated on its next use.
type Sessions struct {
	mu       sync.Mutex
	capacity int
	limit    int
	states   map[string]*list.Element
	lru      *list.List // front is most recently used
	store    TranscriptStore
	log      zerolog.Logger
}

type entry struct {
	id    string
	state *State
}

// NewSessions creates a session registry holding at most limit sessions.
// store may be nil.
func NewSessions(capacity, limit int, store TranscriptStore, log zerolog.Logger) *Sessions {
	if limit <= 0 {
		limit = DefaultMaxSessions
	}
	return &Sessions{
		capacity: capacity,
		limit:    limit,
		states:   make(map[string]*list.Element),
		lru:      list.New(),
		store:    store,
		log:      log,
	}
}

func (s *Sessions) cached(id string) (*State, bool) {
	el, ok := s.states[id]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*entry).state, true
}

// load reads the stored transcript of id. It never touches the registry.
func (s *Sessions) load(ctx context.Context, id string, n int) []domain.ConversationTurn {
	if s.store == nil || n <= 0 {
		return nil
	}
	turns, err := s.store.LoadTurns(ctx, id, n)
	if err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("could not load transcript")
	}
	return turns
}

// Get returns the state for id, creating it and rehydrating it from the
// transcript store on first use. Only the write path should call it.
func (s *Sessions) Get(ctx context.Context, id string) *State {
	s.mu.Lock()
	if st, ok := s.cached(id); ok {
		s.mu.Unlock()
		return st
	}
	s.mu.Unlock()

	st := NewState(s.capacity)
	for _, t := range s.load(ctx, id, s.capacity) {
		st.Append(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cached(id); ok {
		return existing
	}
	s.states[id] = s.lru.PushFront(&entry{id: id, state: st})
	for s.lru.Len() > s.limit {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.states, oldest.Value.(*entry).id)
		s.log.Debug().Str("session", oldest.Value.(*entry).id).Msg("evicted session")
	}
	return st
}

// Recent returns the last n turns of id, oldest first, without adding the
// session to the registry.
func (s *Sessions) Recent(ctx context.Context, id string, n int) []domain.ConversationTurn {
	s.mu.Lock()
	st, ok := s.cached(id)
	s.mu.Unlock()
	if ok {
		return st.Recent(n)
	}
	return s.load(ctx, id, min(n, s.capacity))
}

// Append records a completed turn in memory and in the transcript store.
func (s *Sessions) Append(ctx context.Context, id string, turn domain.ConversationTurn) error {
	s.Get(ctx, id).Append(turn)
	if s.store == nil {
		return nil
	}
	return s.store.AppendTurn(ctx, id, turn)
}

// Reset forgets a session in memory and in the transcript store.
func (s *Sessions) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	if el, ok := s.states[id]; ok {
		el.Value.(*entry).state.Reset()
	}
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.DeleteSession(ctx, id)
}

// Count returns the number of sessions held in memory.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *Sessions) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
