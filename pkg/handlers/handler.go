package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
	"github.com/vpsfleet/vpsfleet/pkg/transports/ssh"
)

// Bins are the host programs handlers invoke.
type Bins struct {
	ZFS       string `json:"zfs"`
	IPTables  string `json:"iptables"`
	IP6Tables string `json:"ip6tables"`
	VZCtl     string `json:"vzctl"`
	TC        string `json:"tc"`
	Mount     string `json:"mount"`
	Umount    string `json:"umount"`
	Hostname  string `json:"hostname"`
}

// DefaultBins resolves every program through PATH.
func DefaultBins() Bins {
	return Bins{
		ZFS:       "zfs",
		IPTables:  "iptables",
		IP6Tables: "ip6tables",
		VZCtl:     "vzctl",
		TC:        "tc",
		Mount:     "mount",
		Umount:    "umount",
		Hostname:  "hostname",
	}
}

// NodeInventory is the part of the store the node handler reads.
type NodeInventory interface {
	ListNodes(ctx context.Context) ([]*engine.Node, error)
	ListNodePubkeys(ctx context.Context) ([]*stores.NodePubkey, error)
}

// Options configure the handler set of one node.
type Options struct {
	Bins    Bins
	Runner  Runner
	Retrier *engine.Retrier
	Dialer  ssh.Dialer

	// VERoot is the directory holding VPS root mount points.
	VERoot string

	// ConfigDir holds per-VPS configuration files.
	ConfigDir string

	// KnownHostsPath is regenerated by node.gen_known_hosts.
	KnownHostsPath string

	// FirewallChain is the iptables accounting chain.
	FirewallChain string

	// ShaperTxDevice and ShaperRxDevice carry the per-address tc classes.
	ShaperTxDevice string
	ShaperRxDevice string

	Inventory NodeInventory
	Logger    zerolog.Logger

	// Now is the clock used by the outage window check.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Bins == (Bins{}) {
		o.Bins = DefaultBins()
	}
	if o.Runner == nil {
		o.Runner = NewExecRunner(o.Logger)
	}
	if o.Retrier == nil {
		o.Retrier = engine.NewRetrier(engine.DefaultRetryPolicy(), o.Logger)
	}
	if o.VERoot == "" {
		o.VERoot = "/vz/root"
	}
	if o.ConfigDir == "" {
		o.ConfigDir = "/etc/vz/conf"
	}
	if o.KnownHostsPath == "" {
		o.KnownHostsPath = "/root/.ssh/known_hosts"
	}
	if o.FirewallChain == "" {
		o.FirewallChain = "vpsfleet"
	}
	if o.ShaperTxDevice == "" {
		o.ShaperTxDevice = "venet0"
	}
	if o.ShaperRxDevice == "" {
		o.ShaperRxDevice = "ifb0"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// entry is one handler entry point and the payload type it accepts.
type entry struct {
	op      engine.Op
	payload func() interface{}
}

// base implements engine.Handler and engine.PayloadValidator over a table
// of entries.
type base struct {
	name     string
	entries  map[string]entry
	validate *validator.Validate
}

func newBase(name string) base {
	return base{
		name:     name,
		entries:  make(map[string]entry),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (b *base) handle(name string, op engine.Op, payload func() interface{}) {
	b.entries[name] = entry{op: op, payload: payload}
}

// Name implements engine.Handler.
func (b *base) Name() string {
	return b.name
}

// Op implements engine.Handler.
func (b *base) Op(name string) (engine.Op, bool) {
	e, ok := b.entries[name]
	if !ok {
		return nil, false
	}
	return e.op, true
}

// ValidatePayload implements engine.PayloadValidator.
func (b *base) ValidatePayload(name string, payload json.RawMessage) error {
	e, ok := b.entries[name]
	if !ok {
		return engine.NewNotImplementedError(b.name + "." + name)
	}
	if e.payload == nil {
		return nil
	}

	v := e.payload()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, v); err != nil {
			return err
		}
	}
	return b.validate.Struct(v)
}

// decode unmarshals and validates the job payload.
func (b *base) decode(job *engine.Job, v interface{}) error {
	if err := job.Decode(v); err != nil {
		return engine.NewValidationError("Bad param syntax", err).WithCode(engine.ErrCodeBadParams)
	}
	if err := b.validate.Struct(v); err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid payload for %s.%s", b.name, job.Entry), err).
			WithCode(engine.ErrCodeBadParams)
	}
	return nil
}

func veid(job *engine.Job) (string, error) {
	if job.Tx.VPS == 0 {
		return "", engine.NewValidationError("transaction has no vps", nil).WithCode(engine.ErrCodeBadParams)
	}
	return fmt.Sprintf("%d", job.Tx.VPS), nil
}

func errKilled() error {
	return engine.NewError(engine.KindKilled, "Killed", nil).WithCode(engine.ErrCodeKilled)
}

// Set is the complete handler set of a node.
type Set struct {
	VPS          *VPS
	Storage      *Storage
	Firewall     *Firewall
	Shaper       *Shaper
	Utils        *Utils
	OutageWindow *OutageWindow
	Node         *Node
}

// NewSet creates all handlers with shared options.
func NewSet(opts Options) *Set {
	opts.setDefaults()
	return &Set{
		VPS:          NewVPS(opts),
		Storage:      NewStorage(opts),
		Firewall:     NewFirewall(opts),
		Shaper:       NewShaper(opts),
		Utils:        NewUtils(),
		OutageWindow: NewOutageWindow(opts),
		Node:         NewNode(opts),
	}
}

// Register makes every handler of the set available in the registry.
func (s *Set) Register(reg *engine.Registry) {
	reg.Register(s.VPS)
	reg.Register(s.Storage)
	reg.Register(s.Firewall)
	reg.Register(s.Shaper)
	reg.Register(s.Utils)
	reg.Register(s.OutageWindow)
	reg.Register(s.Node)
}
