package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	busyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

// printStructured writes v as JSON or YAML and reports whether it did. The
// text format is left to the caller.
func printStructured(w io.Writer, v interface{}) (bool, error) {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// go through JSON so that field names follow the json tags
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(doc)
	}
	return false, nil
}

// printResult prints v in the selected format, as indented JSON for text.
func printResult(v interface{}) error {
	if done, err := printStructured(os.Stdout, v); done {
		return err
	}
	if v == nil {
		fmt.Println(okStyle.Render("✓ ok"))
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func renderState(s string) string {
	// ChainFailed and StateFailed share the name "failed".
	switch s {
	case string(engine.StateDoneOK), string(engine.ChainCompleted), string(engine.ChainRolledBack):
		return okStyle.Render(s)
	case string(engine.StateDoneWarning), string(engine.ChainRollingBack):
		return warnStyle.Render(s)
	case string(engine.StateRunning), string(engine.ChainExecuting):
		return busyStyle.Render(s)
	case string(engine.StateFailed), string(engine.StateKilled), string(engine.ChainRollbackFailed):
		return failStyle.Render(s)
	case string(engine.StateDependencyFailed):
		return dimStyle.Render(s)
	}
	return s
}
