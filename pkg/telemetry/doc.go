// Package telemetry provides the observability stack of the fleet daemon.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value built
// from the daemon configuration.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.NodeID = 1
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Logging
//
// Loggers carry node, chain and transaction fields:
//
//	logger := tel.Logger.NewComponentLogger("dispatcher")
//	logger.WithChain(chainID).WithTransaction(id, 5205).Info("Transfer started")
//
// Long-lived engine components take a zerolog.Logger, obtained through
// Logger.Zerolog.
//
// # Tracing
//
// NewTracer installs the global OpenTelemetry provider. The executor opens
// one span per transaction from that provider and the remote server opens
// one span per command through StartRemoteSpan. Supported exporters are
// otlp, stdout and none.
//
// # Metrics
//
// Metrics implements engine.Recorder, so it can be handed to the
// dispatcher, executor, rollback engine, lock registry and retry wrapper:
//
//	dispatcher.SetRecorder(tel.Metrics)
//
// Collected series:
//
//	vpsfleet_transactions_finished_total{type,state}
//	vpsfleet_transaction_duration_seconds{type}
//	vpsfleet_chains_finished_total{state}
//	vpsfleet_queue_depth{node}
//	vpsfleet_workers_busy
//	vpsfleet_lock_wait_seconds
//	vpsfleet_command_retries_total{cmd}
//	vpsfleet_remote_requests_total{command,status}
//
// A disabled Metrics value records nothing and serves 404.
package telemetry
