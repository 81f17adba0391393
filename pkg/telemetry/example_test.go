package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/telemetry"
)

// Example_basicSetup demonstrates wiring telemetry into a daemon.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.NodeID = 1
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(tel.WithContext(context.Background()))
	defer cancel()

	if err := tel.StartMetricsServer(ctx); err != nil {
		panic(err)
	}

	telemetry.FromContext(ctx).NewComponentLogger("dispatcher").Info("Dispatcher started")
}

// ExampleMetrics demonstrates the engine recorder.
func ExampleMetrics() {
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "vpsfleet"})

	var rec engine.Recorder = metrics
	rec.TransactionFinished(1001, engine.StateDoneOK, 2*time.Second)
	rec.TransactionFinished(1002, engine.StateFailed, time.Second)
	rec.ChainFinished(engine.ChainRolledBack)

	values, _ := metrics.Gather()
	fmt.Println(values["vpsfleet_transactions_finished_total"], values["vpsfleet_chains_finished_total"])
	// Output: 2 1
}
