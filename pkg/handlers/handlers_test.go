package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/transports/ssh"
)

// scripted is the reply of fakeRunner to commands starting with a prefix.
type scripted struct {
	prefix string
	out    string
	err    error

	// times limits how often the reply is used, 0 for always
	times int
	used  int
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []Command
	replies []*scripted
}

func (r *fakeRunner) on(prefix, out string, err error) *scripted {
	s := &scripted{prefix: prefix, out: out, err: err}
	r.replies = append(r.replies, s)
	return s
}

func (r *fakeRunner) Run(_ context.Context, c Command) (*Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	var reply *scripted
	for _, s := range r.replies {
		if !strings.HasPrefix(c.String(), s.prefix) || (s.times > 0 && s.used >= s.times) {
			continue
		}
		s.used++
		reply = s
		break
	}
	r.mu.Unlock()

	if reply == nil {
		return &Output{}, nil
	}
	if c.Stdout != nil {
		if _, err := io.WriteString(c.Stdout, reply.out); err != nil {
			return nil, err
		}
		return &Output{}, reply.err
	}
	return &Output{Text: reply.out}, reply.err
}

func (r *fakeRunner) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	host    string
	runs    []string
	stdin   []string
	uploads map[string]string
	removed []string
	runErr  error
	closed  bool
}

func (t *fakeTransport) Run(_ context.Context, cmd string, stdin io.Reader) (string, error) {
	var in []byte
	if stdin != nil {
		var err error
		if in, err = io.ReadAll(stdin); err != nil {
			return "", err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = append(t.runs, cmd)
	t.stdin = append(t.stdin, string(in))
	return "", t.runErr
}

func (t *fakeTransport) Upload(_ context.Context, r io.Reader, remotePath string, _ uint32) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploads[remotePath] = string(data)
	return int64(len(data)), nil
}

func (t *fakeTransport) Remove(_ context.Context, remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, remotePath)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

type fakeDialer struct {
	transport *fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, host string) (ssh.Transport, error) {
	d.transport.host = host
	return d.transport, nil
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transport: &fakeTransport{uploads: make(map[string]string)}}
}

func testOptions(t *testing.T, runner *fakeRunner) Options {
	t.Helper()
	retrier := engine.NewRetrier(engine.DefaultRetryPolicy(), zerolog.Nop())
	retrier.Sleep = func(context.Context, time.Duration) error { return nil }

	dir := t.TempDir()
	return Options{
		Runner:         runner,
		Retrier:        retrier,
		Dialer:         newFakeDialer(),
		VERoot:         dir + "/root",
		ConfigDir:      dir + "/conf",
		KnownHostsPath: dir + "/ssh/known_hosts",
		Logger:         zerolog.Nop(),
	}
}

func newJob(t *testing.T, vps int64, entry string, payload interface{}) *engine.Job {
	t.Helper()
	tx := &engine.Transaction{ID: 1, Node: 1, VPS: vps, Direction: engine.DirectionExec}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		tx.Payload = data
	}
	return engine.NewJob(tx, entry)
}

func run(t *testing.T, h engine.Handler, job *engine.Job) (*engine.Result, error) {
	t.Helper()
	op, ok := h.Op(job.Entry)
	if !ok {
		t.Fatalf("%s has no entry %s", h.Name(), job.Entry)
	}
	return op(context.Background(), job)
}

func expectLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d commands, got %d:\n%s", len(want), len(got), strings.Join(got, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Command %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSetRegistersEveryHandler(t *testing.T) {
	reg := engine.NewRegistry()
	NewSet(testOptions(t, &fakeRunner{})).Register(reg)

	for _, name := range []string{"vps", "storage", "firewall", "shaper", "utils", "outage_window", "node"} {
		if _, ok := reg.Handler(name); !ok {
			t.Errorf("Expected handler %s to be registered", name)
		}
	}
}

func TestValidatePayload(t *testing.T) {
	h := NewVPS(testOptions(t, &fakeRunner{}))

	tests := []struct {
		name    string
		entry   string
		payload string
		wantErr bool
	}{
		{"valid hostname", "hostname", `{"hostname":"web1.example.com"}`, false},
		{"bad hostname", "hostname", `{"hostname":"bad host"}`, true},
		{"missing hostname", "hostname", `{}`, true},
		{"valid ip", "ip_add", `{"addr":"192.0.2.10","version":4}`, false},
		{"bad version", "ip_add", `{"addr":"192.0.2.10","version":5}`, true},
		{"bad syntax", "ip_add", `{"addr"`, true},
		{"no payload entry", "start", ``, false},
		{"unknown entry", "explode", `{}`, true},
		{"bad mount type", "mounts", `{"mounts":[{"dst":"/mnt","source":"/srv","type":"tmpfs"}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ValidatePayload(tt.entry, json.RawMessage(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeRejectsBadParams(t *testing.T) {
	h := NewVPS(testOptions(t, &fakeRunner{}))
	job := newJob(t, 101, "hostname", map[string]string{"hostname": "not valid"})

	_, err := run(t, h, job)
	if !engine.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !strings.Contains(fmt.Sprint(err), "vps.hostname") {
		t.Errorf("Expected entry name in error, got %v", err)
	}
}

func TestUtilsNoop(t *testing.T) {
	res, err := run(t, NewUtils(), newJob(t, 0, "noop", nil))
	if err != nil {
		t.Fatalf("noop failed: %v", err)
	}
	if res.Status != engine.ResultOK {
		t.Errorf("Expected ok result, got %v", res.Status)
	}
}
