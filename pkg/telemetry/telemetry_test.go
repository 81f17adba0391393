package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("executor").
		WithChain("c-1").
		WithTransaction(42, 1001).
		WithError(errors.New("exit status 1")).
		Error("Transaction failed")
	logger.Debug("suppressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above the level threshold, got %d", len(lines))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	if entry["component"] != "executor" || entry["chain_id"] != "c-1" {
		t.Errorf("missing fields: %v", entry)
	}
	if entry["transaction_id"] != float64(42) || entry["type"] != float64(1001) {
		t.Errorf("unexpected transaction fields: %v", entry)
	}
	if entry["error"] != "exit status 1" {
		t.Errorf("unexpected error field: %v", entry["error"])
	}
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.TransactionFinished(1001, engine.StateDoneOK, time.Second)
	m.ChainFinished(engine.ChainCompleted)
	m.QueueDepth(1, 5)
	m.QueueDepth(2, 3)
	m.WorkersBusy(2)
	m.LockWait(10 * time.Millisecond)
	m.Retry("iptables")
	m.Retry("iptables")
	m.RecordRemoteRequest("status", "ok")

	values, err := m.Gather()
	if err != nil {
		t.Fatalf("failed to gather: %v", err)
	}

	want := map[string]float64{
		"test_transactions_finished_total":  1,
		"test_transaction_duration_seconds": 1,
		"test_chains_finished_total":        1,
		"test_queue_depth":                  8,
		"test_workers_busy":                 2,
		"test_lock_wait_seconds":            1,
		"test_command_retries_total":        2,
		"test_remote_requests_total":        1,
	}
	for name, v := range want {
		if values[name] != v {
			t.Errorf("%s = %v, want %v", name, values[name], v)
		}
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `test_command_retries_total{cmd="iptables"} 2`) {
		t.Errorf("expected retries in exposition, got:\n%s", rec.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	if m.Enabled() {
		t.Fatal("expected disabled metrics")
	}

	m.TransactionFinished(1001, engine.StateFailed, time.Second)
	m.Retry("zfs")

	values, _ := m.Gather()
	if len(values) != 0 {
		t.Errorf("expected nothing recorded, got %v", values)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from disabled handler, got %d", rec.Code)
	}
}

func TestDisabledTracer(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "fleetd", "dev", 1)
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	_, span := tracer.StartRemoteSpan(t.Context(), "status")
	RecordSuccess(span)
	span.End()

	if err := tracer.Shutdown(t.Context()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}
