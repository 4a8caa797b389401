package forward

import (
	"errors"
	"testing"
	"time"
)

func TestRecord_StateProgression(t *testing.T) {
	r := NewRecord("GATE", "1.2.3", "MODALITY1", 10, 1000)
	if r.State() != StatePending {
		t.Fatalf("initial state = %s", r.State())
	}
	for _, s := range []State{StateProcessing, StateForwarding, StateCompleted} {
		if err := r.SetState(s); err != nil {
			t.Fatalf("SetState(%s): %v", s, err)
		}
	}
	if !r.State().Terminal() {
		t.Fatal("completed should be terminal")
	}
}

func TestRecord_NoBackwardTransition(t *testing.T) {
	r := NewRecord("GATE", "1.2.3", "", 1, 1)
	if err := r.SetState(StateForwarding); err != nil {
		t.Fatal(err)
	}
	if err := r.SetState(StateProcessing); err == nil {
		t.Fatal("backward transition accepted")
	}
}

func TestRecord_TerminalIsFinal(t *testing.T) {
	r := NewRecord("GATE", "1.2.3", "", 1, 1)
	if err := r.SetState(StateFailed); err != nil {
		t.Fatal(err)
	}
	if err := r.SetState(StateCompleted); err == nil {
		t.Fatal("terminal state overwritten")
	}
	// Re-asserting the same terminal state stays legal.
	if err := r.SetState(StateFailed); err != nil {
		t.Fatalf("idempotent terminal set: %v", err)
	}
}

func TestRecord_EdgeLifecycle(t *testing.T) {
	r := NewRecord("GATE", "1.2.3", "", 1, 1)
	r.AddEdge("pacs")
	r.AddEdge("research")

	if r.EdgesTerminal() {
		t.Fatal("pending edges reported terminal")
	}

	r.EdgeProcessing("pacs")
	e, _ := r.Edge("pacs")
	if e.State != EdgeProcessing || e.Attempts != 1 {
		t.Fatalf("edge = %+v", e)
	}

	r.EdgeSucceeded("pacs", 5, 500, 2*time.Second)
	e, _ = r.Edge("pacs")
	if e.State != EdgeSuccess || e.FilesTransferred != 5 || e.DurationMS != 2000 {
		t.Fatalf("edge = %+v", e)
	}

	retryAt := time.Now().Add(time.Minute)
	r.EdgeProcessing("research")
	r.EdgeRetry("research", retryAt, errors.New("connection refused"))
	e, _ = r.Edge("research")
	if e.State != EdgeRetryPending || !e.NextRetry.Equal(retryAt) || e.Error == "" {
		t.Fatalf("edge = %+v", e)
	}
	if r.EdgesTerminal() {
		t.Fatal("retry_pending is not terminal")
	}

	r.EdgeProcessing("research")
	e, _ = r.Edge("research")
	if e.Attempts != 2 {
		t.Fatalf("attempts = %d", e.Attempts)
	}
	r.EdgeFailed("research", errors.New("still refused"))
	if !r.EdgesTerminal() {
		t.Fatal("all edges terminal")
	}

	// Terminal edges ignore further updates.
	r.EdgeSucceeded("research", 1, 1, time.Second)
	e, _ = r.Edge("research")
	if e.State != EdgeFailed {
		t.Fatal("failed edge resurrected")
	}
}

func TestRecord_Outcome(t *testing.T) {
	cases := []struct {
		name   string
		states map[string]bool // destination -> succeeded
		want   State
	}{
		{"all succeed", map[string]bool{"a": true, "b": true}, StateCompleted},
		{"none succeed", map[string]bool{"a": false, "b": false}, StateFailed},
		{"mixed", map[string]bool{"a": true, "b": false}, StatePartial},
		{"no edges", map[string]bool{}, StateCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRecord("GATE", "1.2.3", "", 1, 1)
			for name, ok := range tc.states {
				r.AddEdge(name)
				if ok {
					r.EdgeSucceeded(name, 1, 1, time.Second)
				} else {
					r.EdgeFailed(name, errors.New("boom"))
				}
			}
			if got := r.Outcome(); got != tc.want {
				t.Fatalf("Outcome = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRecord_EdgesSorted(t *testing.T) {
	r := NewRecord("GATE", "1.2.3", "", 1, 1)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.AddEdge(name)
	}
	edges := r.Edges()
	if edges[0].Destination != "alpha" || edges[2].Destination != "zeta" {
		t.Fatalf("edges = %v", edges)
	}
}

func TestRegistry(t *testing.T) {
	g := NewRegistry()
	r := NewRecord("GATE", "1.2.3", "", 1, 1)
	g.Add(r)

	got, ok := g.Get(r.ID)
	if !ok || got != r {
		t.Fatal("Get after Add failed")
	}
	if len(g.Active()) != 1 {
		t.Fatalf("Active = %d", len(g.Active()))
	}

	r.SetState(StateCompleted)
	if len(g.Active()) != 0 {
		t.Fatal("terminal record still active")
	}

	g.Remove(r.ID)
	if _, ok := g.Get(r.ID); ok {
		t.Fatal("Get after Remove succeeded")
	}
}
