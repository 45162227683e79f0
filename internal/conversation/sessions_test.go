package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
)

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewSessions(5, 0, nil, zerolog.Nop())
	s.Append(ctx, "alice", turn(1))
	s.Append(ctx, "bob", turn(2))
	if got := s.Get(ctx, "alice").Turns(); len(got) != 1 || got[0].Question != "q1" {
		t.Fatalf("alice = %+v", got)
	}
	if err := s.Reset(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if s.Get(ctx, "alice").Len() != 0 || s.Get(ctx, "bob").Len() != 1 {
		t.Fatal("reset leaked across sessions")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "transcripts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		tr := turn(i)
		tr.EvidenceIDs = []string{"e1", "e2"}
		tr.At = at.Add(time.Duration(i) * time.Minute)
		if err := store.AppendTurn(ctx, "s1", tr); err != nil {
			t.Fatal(err)
		}
	}
	store.AppendTurn(ctx, "s2", turn(9))

	got, err := store.LoadTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Question != "q3" || got[1].Question != "q4" {
		t.Fatalf("LoadTurns = %+v", got)
	}
	if len(got[1].EvidenceIDs) != 2 || !got[1].At.Equal(at.Add(4*time.Minute)) {
		t.Fatalf("turn fields = %+v", got[1])
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.LoadTurns(ctx, "s1", 10); len(got) != 0 {
		t.Fatalf("deleted session still has %d turns", len(got))
	}
	if got, _ := store.LoadTurns(ctx, "s2", 10); len(got) != 1 {
		t.Fatal("other session was touched")
	}
}

func TestSessionsRehydrateFromStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "transcripts.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSessions(2, 0, store, zerolog.Nop())
	for i := 1; i <= 3; i++ {
		if err := s.Append(ctx, "s", domain.ConversationTurn{Question: turn(i).Question, Answer: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	restarted := NewSessions(2, 0, store, zerolog.Nop())
	defer restarted.Close()
	got := restarted.Get(ctx, "s").Turns()
	if len(got) != 2 || got[0].Question != "q2" || got[1].Question != "q3" {
		t.Fatalf("rehydrated = %+v", got)
	}
}

func TestRecentDoesNotRegisterSessions(t *testing.T) {
	ctx := context.Background()
	s := NewSessions(5, 0, nil, zerolog.Nop())
	for i := 0; i < 10000; i++ {
		if got := s.Recent(ctx, fmt.Sprintf("unknown-%d", i), 5); len(got) != 0 {
			t.Fatalf("unknown session has turns: %+v", got)
		}
	}
	if n := s.Count(); n != 0 {
		t.Fatalf("Count = %d after read-only lookups", n)
	}

	s.Append(ctx, "known", turn(1))
	if got := s.Recent(ctx, "known", 5); len(got) != 1 || got[0].Question != "q1" {
		t.Fatalf("Recent = %+v", got)
	}
}

func TestSessionsEvictLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := NewSessions(5, 2, nil, zerolog.Nop())
	s.Append(ctx, "a", turn(1))
	s.Append(ctx, "b", turn(2))
	s.Get(ctx, "a") // a is now more recent than b
	s.Append(ctx, "c", turn(3))

	if n := s.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	if len(s.Recent(ctx, "b", 5)) != 0 {
		t.Fatal("b should have been evicted")
	}
	if len(s.Recent(ctx, "a", 5)) != 1 || len(s.Recent(ctx, "c", 5)) != 1 {
		t.Fatal("a and c should still be held")
	}
}

func TestEvictedSessionRehydrates(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatal(err)
	}
	s := NewSessions(5, 1, store, zerolog.Nop())
	defer s.Close()

	s.Append(ctx, "a", turn(1))
	s.Append(ctx, "b", turn(2))
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
	if got := s.Recent(ctx, "a", 5); len(got) != 1 || got[0].Question != "q1" {
		t.Fatalf("evicted session read from store = %+v", got)
	}
	if s.Count() != 1 {
		t.Fatal("reading an evicted session registered it again")
	}
	s.Append(ctx, "a", turn(3))
	if got := s.Get(ctx, "a").Turns(); len(got) != 2 || got[1].Question != "q3" {
		t.Fatalf("rehydrated = %+v", got)
	}
}
