package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/telemetry"
)

// DefaultSocket is where the remote control server listens.
const DefaultSocket = "/run/vpsfleet/fleetd.sock"

// Duration is a time.Duration written as "1s" or "500ms" in configuration
// files. Plain numbers are read as seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the configuration of one fleet daemon.
type Config struct {
	// NodeID is the id of the node this daemon executes transactions for.
	NodeID int64 `json:"node_id" validate:"required,min=1"`

	// Threads is the number of concurrent workers.
	Threads int `json:"threads" validate:"min=1,max=256"`

	// PollInterval is how often the queue is scanned without wake-ups.
	PollInterval Duration `json:"poll_interval" validate:"min=1"`

	Database string `json:"database" validate:"required"`
	Socket   string `json:"socket" validate:"required"`

	// Version is pushed to remote control clients on connect.
	Version string `json:"version"`

	Bins  handlers.Bins `json:"bins"`
	Retry RetryConfig   `json:"retry"`

	// Handlers maps transaction type codes to "handler.exec[/handler.rollback]".
	Handlers map[string]string `json:"handlers" validate:"required,min=1"`

	Pubkeys PubkeyConfig `json:"pubkeys"`
	Host    HostConfig   `json:"host"`
	SSH     SSHConfig    `json:"ssh"`
	Hooks   HooksConfig  `json:"hooks"`

	// Policies are Rego files or directories evaluated before a chain commits.
	Policies []string `json:"policies,omitempty"`

	Telemetry TelemetryConfig `json:"telemetry"`
}

// RetryConfig is the policy for transient command failures.
type RetryConfig struct {
	Attempts   int      `json:"attempts" validate:"min=0,max=100"`
	Delay      Duration `json:"delay" validate:"min=0"`
	Signatures []string `json:"signatures"`
}

// PubkeyConfig locates the host keys published on install.
type PubkeyConfig struct {
	Types []string `json:"types" validate:"dive,oneof=rsa ecdsa ed25519"`

	// Path contains %s where the key type goes.
	Path string `json:"path" validate:"required,contains=%s"`
}

// HostConfig describes the node's local layout.
type HostConfig struct {
	VERoot         string `json:"ve_root" validate:"required"`
	VZConfigDir    string `json:"vz_config_dir" validate:"required"`
	KnownHosts     string `json:"known_hosts" validate:"required"`
	FirewallChain  string `json:"firewall_chain" validate:"required"`
	ShaperTxDevice string `json:"shaper_tx_device" validate:"required"`
	ShaperRxDevice string `json:"shaper_rx_device" validate:"required"`

	// GeneratedDir receives stored config files on install and refresh.
	GeneratedDir string `json:"generated_dir" validate:"required"`
}

// SSHConfig is used to reach other nodes.
type SSHConfig struct {
	User           string   `json:"user" validate:"required"`
	PrivateKey     string   `json:"private_key" validate:"required"`
	KnownHosts     string   `json:"known_hosts"`
	StrictHostKeys bool     `json:"strict_host_keys"`
	Timeout        Duration `json:"timeout"`
}

// HooksConfig lists Starlark scripts run while building migration chains.
type HooksConfig struct {
	PreStart  []string `json:"pre_start,omitempty"`
	PostStart []string `json:"post_start,omitempty"`
	Timeout   Duration `json:"timeout"`
}

// TelemetryConfig is the file representation of telemetry.Config.
type TelemetryConfig struct {
	Logging struct {
		Level  string `json:"level" validate:"oneof=trace debug info warn error fatal"`
		Format string `json:"format" validate:"oneof=console json"`
		Output string `json:"output"`
		Caller bool   `json:"caller"`
	} `json:"logging"`

	Metrics struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen" validate:"required_if=Enabled true"`
		Path    string `json:"path"`
	} `json:"metrics"`

	Tracing struct {
		Enabled    bool    `json:"enabled"`
		Exporter   string  `json:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint   string  `json:"endpoint"`
		SampleRate float64 `json:"sample_rate" validate:"min=0,max=1"`
		Insecure   bool    `json:"insecure"`
	} `json:"tracing"`
}

// Default returns the configuration every file is applied on top of.
func Default() *Config {
	retry := engine.DefaultRetryPolicy()

	c := &Config{
		Threads:      4,
		PollInterval: Duration(time.Second),
		Database:     "/var/lib/vpsfleet/fleet.db",
		Socket:       DefaultSocket,
		Version:      "dev",
		Bins:         handlers.DefaultBins(),
		Retry: RetryConfig{
			Attempts:   retry.Attempts,
			Delay:      Duration(retry.Delay),
			Signatures: retry.Signatures,
		},
		Handlers: DefaultHandlerTable(),
		Pubkeys: PubkeyConfig{
			Types: []string{"rsa", "ed25519"},
			Path:  "/etc/ssh/ssh_host_%s_key.pub",
		},
		Host: HostConfig{
			VERoot:         "/vz/root",
			VZConfigDir:    "/etc/vz/conf",
			KnownHosts:     "/root/.ssh/known_hosts",
			FirewallChain:  "vpsfleet",
			ShaperTxDevice: "venet0",
			ShaperRxDevice: "ifb0",
			GeneratedDir:   "/etc/vpsfleet/generated",
		},
		SSH: SSHConfig{
			User:           "root",
			PrivateKey:     "/root/.ssh/id_rsa",
			KnownHosts:     "/root/.ssh/known_hosts",
			StrictHostKeys: true,
			Timeout:        Duration(30 * time.Second),
		},
		Hooks: HooksConfig{Timeout: Duration(5 * time.Second)},
	}

	t := telemetry.DefaultConfig()
	c.Telemetry.Logging.Level = t.Logging.Level
	c.Telemetry.Logging.Format = t.Logging.Format
	c.Telemetry.Logging.Output = t.Logging.Output
	c.Telemetry.Metrics.Listen = t.Metrics.ListenAddress
	c.Telemetry.Metrics.Path = t.Metrics.Path
	c.Telemetry.Tracing.Exporter = t.Tracing.Exporter
	c.Telemetry.Tracing.SampleRate = t.Tracing.SamplingRate
	c.Telemetry.Tracing.Insecure = t.Tracing.Insecure
	return c
}

// RetryPolicy returns the engine retry policy.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	p.Attempts = c.Retry.Attempts
	p.Delay = c.Retry.Delay.Std()
	if len(c.Retry.Signatures) > 0 {
		p.Signatures = c.Retry.Signatures
	}
	return p
}

// TelemetryConfig maps the file representation onto telemetry.Config.
func (c *Config) TelemetryConfig() *telemetry.Config {
	t := telemetry.DefaultConfig()
	t.ServiceVersion = c.Version
	t.NodeID = c.NodeID

	t.Logging.Level = c.Telemetry.Logging.Level
	t.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		t.Logging.Output = c.Telemetry.Logging.Output
	}
	t.Logging.EnableCaller = c.Telemetry.Logging.Caller

	t.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	t.Metrics.ListenAddress = c.Telemetry.Metrics.Listen
	if c.Telemetry.Metrics.Path != "" {
		t.Metrics.Path = c.Telemetry.Metrics.Path
	}

	t.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		t.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	t.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	t.Tracing.SamplingRate = c.Telemetry.Tracing.SampleRate
	t.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	return t
}

// HandlerOptions returns the handler settings derived from the
// configuration. Runner, Dialer, Inventory and Logger are left to the caller.
func (c *Config) HandlerOptions() handlers.Options {
	return handlers.Options{
		Bins:           c.Bins,
		VERoot:         c.Host.VERoot,
		ConfigDir:      c.Host.VZConfigDir,
		KnownHostsPath: c.Host.KnownHosts,
		FirewallChain:  c.Host.FirewallChain,
		ShaperTxDevice: c.Host.ShaperTxDevice,
		ShaperRxDevice: c.Host.ShaperRxDevice,
	}
}

// PubkeyPath returns the host key file of the given type.
func (c *Config) PubkeyPath(keyType string) string {
	return strings.Replace(c.Pubkeys.Path, "%s", keyType, 1)
}
