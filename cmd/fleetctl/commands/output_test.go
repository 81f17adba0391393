package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func TestPrintStructuredYAMLUsesJSONNames(t *testing.T) {
	output = "yaml"
	defer func() { output = "text" }()

	var buf bytes.Buffer
	done, err := printStructured(&buf, &engine.KillReport{Killed: 2, Msgs: map[string]string{"7": "No such transaction"}})
	if err != nil {
		t.Fatalf("printStructured failed: %v", err)
	}
	if !done {
		t.Fatal("Expected yaml output to be handled")
	}

	out := buf.String()
	if !strings.Contains(out, "killed: 2") {
		t.Errorf("Expected json field names, got:\n%s", out)
	}
	if !strings.Contains(out, `"7": No such transaction`) {
		t.Errorf("Expected message entry, got:\n%s", out)
	}
}

func TestPrintStructuredText(t *testing.T) {
	output = "text"

	var buf bytes.Buffer
	done, err := printStructured(&buf, struct{}{})
	if err != nil || done {
		t.Fatalf("Expected text output to be left to the caller, got done=%v err=%v", done, err)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected no output, got %q", buf.String())
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("101", "vps"); err != nil || id != 101 {
		t.Errorf("Expected 101, got %d (%v)", id, err)
	}
	for _, s := range []string{"0", "-3", "abc"} {
		if _, err := parseID(s, "vps"); err == nil {
			t.Errorf("Expected %q to be rejected", s)
		}
	}
}

func TestRenderState(t *testing.T) {
	tests := []struct {
		state string
		want  string
	}{
		{string(engine.StateDoneOK), okStyle.Render("done_ok")},
		{string(engine.ChainRolledBack), okStyle.Render("rolled_back")},
		{string(engine.ChainRollingBack), warnStyle.Render("rolling_back")},
		{string(engine.StateFailed), failStyle.Render("failed")},
		{string(engine.ChainFailed), failStyle.Render("failed")},
		{string(engine.ChainRollbackFailed), failStyle.Render("rollback_failed")},
		{"staged", "staged"},
	}

	for _, tt := range tests {
		if got := renderState(tt.state); got != tt.want {
			t.Errorf("renderState(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
