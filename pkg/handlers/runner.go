package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string

	// Stdin feeds the process when set.
	Stdin io.Reader

	// Stdout receives standard output instead of the captured result.
	Stdout io.Writer

	// Valid lists non-zero exit statuses that are not failures.
	Valid []int
}

// String returns the command line as logged and reported in output.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Output is the result of a finished command.
type Output struct {
	Text       string
	ExitStatus int
}

// Runner executes external commands. A non-zero exit status outside
// Command.Valid is returned as *engine.CommandError.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// Env replaces the process environment when not empty.
	Env []string

	Logger zerolog.Logger
}

// NewExecRunner creates a runner that logs through logger.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger.With().Str("component", "runner").Logger()}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Output, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	cmd.Stdin = c.Stdin

	var combined bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &combined
	}
	cmd.Stderr = &combined

	start := time.Now()
	err := cmd.Run()
	out := &Output{Text: combined.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", c.Name, err)
		}
		out.ExitStatus = exitErr.ExitCode()
	}

	r.Logger.Debug().
		Str("cmd", c.String()).
		Int("exitstatus", out.ExitStatus).
		Dur("duration", time.Since(start)).
		Msg("Command finished")

	if out.ExitStatus != 0 && !slices.Contains(c.Valid, out.ExitStatus) {
		return out, engine.NewCommandError(c.String(), out.ExitStatus, out.Text)
	}
	return out, nil
}
