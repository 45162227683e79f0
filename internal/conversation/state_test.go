package conversation

import (
	"fmt"
	"sync"
	"testing"

	"groundedqa/internal/domain"
)

func turn(i int) domain.ConversationTurn {
	return domain.ConversationTurn{Question: fmt.Sprintf("q%d", i), Answer: fmt.Sprintf("a%d", i)}
}

func TestTwoTurnsRecentOne(t *testing.T) {
	s := NewState(10)
	s.Append(domain.ConversationTurn{Question: "Q1", Answer: "A1"})
	s.Append(domain.ConversationTurn{Question: "Q2", Answer: "A2"})
	got := s.Recent(1)
	if len(got) != 1 || got[0].Question != "Q2" || got[0].Answer != "A2" {
		t.Fatalf("Recent(1) = %+v", got)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestStateEvictsOldest(t *testing.T) {
	s := NewState(3)
	for i := 1; i <= 5; i++ {
		s.Append(turn(i))
	}
	got := s.Turns()
	if len(got) != 3 || got[0].Question != "q3" || got[2].Question != "q5" {
		t.Fatalf("turns = %+v", got)
	}
	if r := s.Recent(10); len(r) != 3 || r[0].Question != "q3" {
		t.Fatalf("Recent(10) = %+v", r)
	}
	if r := s.Recent(0); len(r) != 0 {
		t.Fatalf("Recent(0) = %+v", r)
	}
}

func TestStateZeroCapacityAndReset(t *testing.T) {
	s := NewState(0)
	s.Append(turn(1))
	if s.Len() != 0 {
		t.Fatal("zero capacity should keep nothing")
	}
	s = NewState(2)
	s.Append(turn(1))
	s.Reset()
	if s.Len() != 0 || len(s.Recent(1)) != 0 {
		t.Fatal("reset left turns behind")
	}
}

func TestRecentReturnsCopy(t *testing.T) {
	s := NewState(2)
	s.Append(turn(1))
	r := s.Recent(1)
	r[0].Question = "mutated"
	if s.Recent(1)[0].Question != "q1" {
		t.Fatal("Recent exposed internal storage")
	}
}

func TestStateConcurrentAppend(t *testing.T) {
	s := NewState(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(turn(i))
			s.Recent(5)
		}(i)
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("Len = %d", s.Len())
	}
}
