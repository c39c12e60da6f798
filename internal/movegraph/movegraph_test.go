package movegraph

import (
	"strings"
	"testing"
)

func existing(paths ...string) func(string) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[Canonical(p)] = true
	}
	return func(p string) bool { return set[Canonical(p)] }
}

func TestPlanSingleMove(t *testing.T) {
	order, err := Plan([]Move{{OpIndex: 0, Source: "a.py", Dest: "b.py"}}, existing("a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 || order[0].Dest != "b.py" {
		t.Errorf("unexpected order: %+v", order)
	}
}

// In a chain A->B, B->C the B->C move must run first so B is vacant when
// A->B lands.
func TestPlanChainSinkFirst(t *testing.T) {
	moves := []Move{
		{OpIndex: 0, Source: "a.py", Dest: "b.py"},
		{OpIndex: 1, Source: "b.py", Dest: "c.py"},
	}
	order, err := Plan(moves, existing("a.py", "b.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(order))
	}
	if order[0].Source != "b.py" || order[1].Source != "a.py" {
		t.Errorf("chain not executed sink-first: %+v", order)
	}

	// Same plan regardless of payload order.
	flipped, err := Plan([]Move{moves[1], moves[0]}, existing("a.py", "b.py"))
	if err != nil {
		t.Fatal(err)
	}
	if flipped[0].Source != "b.py" {
		t.Errorf("plan depends on input order: %+v", flipped)
	}
}

func TestPlanRejections(t *testing.T) {
	tests := []struct {
		name    string
		moves   []Move
		exists  func(string) bool
		wantMsg string
	}{
		{"two-cycle", []Move{
			{OpIndex: 0, Source: "a.py", Dest: "b.py"},
			{OpIndex: 1, Source: "b.py", Dest: "a.py"},
		}, existing("a.py", "b.py"), "move cycle detected"},
		{"self move", []Move{
			{OpIndex: 0, Source: "a.py", Dest: "a.py"},
		}, existing("a.py"), "to itself"},
		{"self move via canonicalization", []Move{
			{OpIndex: 0, Source: "./a.py", Dest: "a.py"},
		}, existing("a.py"), "to itself"},
		{"duplicate source", []Move{
			{OpIndex: 0, Source: "a.py", Dest: "b.py"},
			{OpIndex: 1, Source: "./a.py", Dest: "c.py"},
		}, existing("a.py"), "multiple moves from"},
		{"duplicate destination", []Move{
			{OpIndex: 0, Source: "a.py", Dest: "c.py"},
			{OpIndex: 1, Source: "b.py", Dest: "c.py"},
		}, existing("a.py", "b.py"), "multiple moves into"},
		{"destination occupied", []Move{
			{OpIndex: 0, Source: "a.py", Dest: "b.py"},
		}, existing("a.py", "b.py"), "already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.moves, tt.exists)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestPlanCycleDiagnosticIsClosed(t *testing.T) {
	_, err := Plan([]Move{
		{OpIndex: 0, Source: "a.py", Dest: "b.py"},
		{OpIndex: 1, Source: "b.py", Dest: "c.py"},
		{OpIndex: 2, Source: "c.py", Dest: "a.py"},
	}, existing("a.py", "b.py", "c.py"))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	msg := err.Error()
	if strings.Count(msg, "a.py") != 2 {
		t.Errorf("cycle diagnostic should repeat its first node: %q", msg)
	}
	if strings.Count(msg, "->") != 3 {
		t.Errorf("expected three arrows in %q", msg)
	}
}

func TestPlanOccupiedDestVacatedByChain(t *testing.T) {
	// b.py exists but is itself moved away, so a.py -> b.py is legal.
	order, err := Plan([]Move{
		{OpIndex: 0, Source: "a.py", Dest: "b.py"},
		{OpIndex: 1, Source: "b.py", Dest: "c.py"},
	}, existing("a.py", "b.py"))
	if err != nil {
		t.Fatalf("vacated destination rejected: %v", err)
	}
	if len(order) != 2 {
		t.Errorf("unexpected plan: %+v", order)
	}
}

func TestPlanIndependentChains(t *testing.T) {
	order, err := Plan([]Move{
		{OpIndex: 0, Source: "x.py", Dest: "y.py"},
		{OpIndex: 1, Source: "p.py", Dest: "q.py"},
	}, existing("x.py", "p.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(order))
	}
}
