package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/remote"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

const shutdownTimeout = 10 * time.Second

// registerCommands installs the administrative command set on the remote
// control server.
func (d *Daemon) registerCommands() {
	d.server.Handle("status", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return d.Status(ctx)
	})
	d.handle("kill", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p KillParams
		if err := parse(params, &p); err != nil {
			return nil, err
		}
		return d.Kill(p)
	})
	d.handle("reload", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, d.Reload(ctx)
	})
	d.handle("stop", d.exitCommand(ExitStop))
	d.handle("restart", d.exitCommand(ExitRestart))
	d.handle("update", func(context.Context, json.RawMessage) (interface{}, error) {
		d.Exit(ExitUpdate, false)
		return nil, nil
	})
	d.handle("refresh", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		n, err := d.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"configs": n}, nil
	})
	d.handle("reinit", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return d.Reinit(ctx)
	})
	d.handle("install", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p InstallParams
		if err := parse(params, &p); err != nil {
			return nil, err
		}
		return d.Install(ctx, p)
	})
}

// handle registers a command that is recorded in the audit log.
func (d *Daemon) handle(name string, fn remote.CommandFunc) {
	d.server.Handle(name, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		out, err := fn(ctx, params)
		d.audit(ctx, name, params, err)
		return out, err
	})
}

func (d *Daemon) audit(ctx context.Context, name string, params json.RawMessage, cmdErr error) {
	details := map[string]interface{}{"ok": cmdErr == nil}
	if len(params) > 0 {
		details["params"] = params
	}
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}
	data, err := json.Marshal(details)
	if err != nil {
		d.logger.Warn().Err(err).Str("command", name).Msg("Failed to encode audit details")
		return
	}

	s := string(data)
	target := strconv.FormatInt(d.Config().NodeID, 10)
	entry := &stores.AuditEntry{
		Action:   "remote." + name,
		Actor:    "remote",
		TargetID: &target,
		Details:  &s,
	}
	if err := d.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Warn().Err(err).Str("command", name).Msg("Failed to write audit entry")
	}
}

func parse(params json.RawMessage, v interface{}) error {
	if err := remote.ParseParams(params, v); err != nil {
		return engine.NewValidationError("Bad param syntax", err).WithCode(engine.ErrCodeBadParams)
	}
	return nil
}

// ExitParams are the parameters of stop and restart.
type ExitParams struct {
	Force bool `json:"force"`
}

func (d *Daemon) exitCommand(code int) remote.CommandFunc {
	return func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p ExitParams
		if err := parse(params, &p); err != nil {
			return nil, err
		}
		d.Exit(code, p.Force)
		return nil, nil
	}
}

// Status returns the worker table and queue size.
func (d *Daemon) Status(ctx context.Context) (*engine.DispatcherStatus, error) {
	return d.dispatcher.Status(ctx)
}

// KillParams select the transactions to kill. Transactions is either "all"
// or a list of ids.
type KillParams struct {
	Transactions json.RawMessage         `json:"transactions,omitempty"`
	Types        []engine.TransactionType `json:"types,omitempty"`
}

// Kill marks running transactions as killed.
func (d *Daemon) Kill(p KillParams) (engine.KillReport, error) {
	req := engine.KillRequest{Types: p.Types}

	if len(p.Transactions) > 0 && string(p.Transactions) != "null" {
		var all string
		if err := json.Unmarshal(p.Transactions, &all); err == nil {
			if all != "all" {
				return engine.KillReport{}, engine.NewValidationError(
					fmt.Sprintf("transactions must be \"all\" or a list of ids, got %q", all), nil).
					WithCode(engine.ErrCodeBadParams)
			}
			req.All = true
		} else if err := json.Unmarshal(p.Transactions, &req.IDs); err != nil {
			return engine.KillReport{}, engine.NewValidationError("Bad param syntax", err).
				WithCode(engine.ErrCodeBadParams)
		}
	}

	report := d.dispatcher.Kill(req)
	d.logger.Info().Int("killed", report.Killed).Msg("Kill requested")
	return report, nil
}

// Exit asks the daemon to stop with code. A safe exit stops claiming new
// transactions and lets running ones finish; force silently kills them.
func (d *Daemon) Exit(code int, force bool) {
	d.dispatcher.Pause()
	if force {
		report := d.dispatcher.Drain()
		d.logger.Warn().Int("killed", report.Killed).Msg("Forced exit, workers killed")
	}
	d.logger.Info().Int("code", code).Bool("force", force).Msg("Exit requested")
	d.requestExit(code)
}

// Reload re-reads the configuration file and applies it.
func (d *Daemon) Reload(ctx context.Context) error {
	if d.cfgPath == "" {
		return engine.NewValidationError("daemon was started without a configuration file", nil).
			WithCode(engine.ErrCodeUnsupported)
	}
	cfg, err := d.loader.Load(d.cfgPath)
	if err != nil {
		return engine.NewValidationError("failed to load configuration", err).WithCode(engine.ErrCodeBadParams)
	}
	return d.apply(ctx, cfg)
}

// apply makes a new configuration active. The handler table and the
// policies change immediately; settings that size the worker pool or bind
// the socket need a restart.
func (d *Daemon) apply(ctx context.Context, cfg *config.Config) error {
	old := d.Config()
	if cfg.NodeID != old.NodeID || cfg.Socket != old.Socket || cfg.Database != old.Database || cfg.Threads != old.Threads {
		d.logger.Warn().Msg("Node id, socket, database and threads take effect after a restart")
	}

	if err := cfg.Bind(d.registry); err != nil {
		return err
	}
	if err := d.policy.ReloadPolicies(ctx, cfg.Policies); err != nil {
		return err
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	d.logger.Info().Int("handlers", len(cfg.Handlers)).Int("policies", len(cfg.Policies)).Msg("Configuration applied")
	return nil
}

// Refresh reloads the configuration when the daemon has a file, checks
// the node registration and regenerates the stored config files. It
// returns the number of files written.
func (d *Daemon) Refresh(ctx context.Context) (int, error) {
	if d.cfgPath != "" {
		if err := d.Reload(ctx); err != nil {
			return 0, err
		}
	}

	nodeID := d.Config().NodeID
	node, err := d.store.GetNode(ctx, nodeID)
	if err != nil {
		d.logger.Warn().Err(err).Int64("node", nodeID).Msg("Node is not registered")
	} else {
		d.logger.Info().Str("name", node.Name).Str("addr", node.Addr).Msg("Node registration refreshed")
	}

	return d.GenConfigs(ctx)
}

// GenConfigs writes every stored config file into the generated directory.
func (d *Daemon) GenConfigs(ctx context.Context) (int, error) {
	files, err := d.store.ListConfigFiles(ctx)
	if err != nil {
		return 0, err
	}

	dir := d.Config().Host.GeneratedDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(dir, filepath.Base(f.Name)), []byte(f.Content)); err != nil {
			return 0, err
		}
	}

	d.logger.Info().Int("files", len(files)).Str("dir", dir).Msg("Config files generated")
	return len(files), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReinitResult counts the addresses tracked after a firewall rebuild.
type ReinitResult struct {
	IPv4 int `json:"ipv4"`
	IPv6 int `json:"ipv6"`
}

// Reinit rebuilds the firewall accounting chain with the addresses of the
// node's VPSes.
func (d *Daemon) Reinit(ctx context.Context) (*ReinitResult, error) {
	ips, err := d.store.NodeIPAddresses(ctx, d.Config().NodeID)
	if err != nil {
		return nil, err
	}

	specs := make([]handlers.IPSpec, len(ips))
	for i, ip := range ips {
		specs[i] = handlers.IPSpec{Addr: ip.Addr, Version: ip.Version}
	}

	counts, err := d.handlers.Firewall.Reinit(ctx, specs)
	if err != nil {
		return nil, err
	}
	return &ReinitResult{IPv4: counts[4], IPv6: counts[6]}, nil
}
