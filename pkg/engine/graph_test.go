package engine

import (
	"strings"
	"testing"
)

func TestChainGraphLevels(t *testing.T) {
	rows := []*Transaction{
		{ID: 10, Type: 1, DependsOn: 3},
		{ID: 11, Type: 1, DependsOn: 10},
		{ID: 12, Type: 1, DependsOn: 11},
		{ID: 13, Type: 1, DependsOn: 11},
		{ID: 14, Type: 1, Direction: DirectionRollback, Origin: 10},
	}

	g, err := NewChainGraph(rows)
	if err != nil {
		t.Fatalf("NewChainGraph failed: %v", err)
	}

	levels := g.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %v", levels)
	}
	if len(levels[0]) != 2 || levels[0][0] != 10 || levels[0][1] != 14 {
		t.Errorf("Unexpected roots: %v", levels[0])
	}
	if len(levels[2]) != 2 {
		t.Errorf("Expected branches 12 and 13 on the last level, got %v", levels[2])
	}
	if deps := g.Dependents(11); len(deps) != 2 {
		t.Errorf("Expected 2 dependents of 11, got %v", deps)
	}
	if order := g.Order(); len(order) != 5 || order[0] != 10 {
		t.Errorf("Unexpected order: %v", order)
	}

	dot := g.ToDOT("chain")
	for _, want := range []string{`digraph "chain"`, `"10" -> "11"`, `"3" -> "10"`, `"14" -> "10"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %s", want)
		}
	}
}

func TestChainGraphCycle(t *testing.T) {
	rows := []*Transaction{
		{ID: 1, DependsOn: 2},
		{ID: 2, DependsOn: 1},
	}
	if _, err := NewChainGraph(rows); !IsValidation(err) {
		t.Errorf("Expected validation error for cycle, got %v", err)
	}
}

func TestChainGraphDuplicate(t *testing.T) {
	rows := []*Transaction{{ID: 1}, {ID: 1}}
	if _, err := NewChainGraph(rows); err == nil {
		t.Error("Expected error for duplicate ids")
	}
}
