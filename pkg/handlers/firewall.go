package handlers

import (
	"context"
	"sync"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// IPSpec is an address tracked by the accounting chain.
type IPSpec struct {
	Addr    string `json:"addr" validate:"required,ip"`
	Version int    `json:"ver" validate:"oneof=4 6"`
}

// IPsPayload is the payload of firewall.reg_ips and firewall.unreg_ips.
type IPsPayload struct {
	IPAddrs []IPSpec `json:"ip_addrs" validate:"dive"`
}

var accountingProtocols = []string{"tcp", "udp", "all"}

// Firewall maintains per-address traffic accounting rules. Every iptables
// call goes through the retry wrapper.
type Firewall struct {
	base
	opts Options

	// serialises rule changes with reinit
	mu sync.Mutex
}

// NewFirewall creates the firewall handler.
func NewFirewall(opts Options) *Firewall {
	opts.setDefaults()
	h := &Firewall{base: newBase("firewall"), opts: opts}

	h.handle("reg_ips", h.regIPs, func() interface{} { return &IPsPayload{} })
	h.handle("unreg_ips", h.unregIPs, func() interface{} { return &IPsPayload{} })
	return h
}

func (h *Firewall) iptables(ctx context.Context, version int, valid []int, args ...string) (*Output, error) {
	bin := h.opts.Bins.IPTables
	if version == 6 {
		bin = h.opts.Bins.IP6Tables
	}

	var out *Output
	err := h.opts.Retrier.Do(ctx, func() error {
		var err error
		out, err = h.opts.Runner.Run(ctx, Command{Name: bin, Args: args, Valid: valid})
		return err
	})
	return out, err
}

func (h *Firewall) rules(ctx context.Context, action string, ip IPSpec) error {
	for _, proto := range accountingProtocols {
		for _, dir := range []string{"-s", "-d"} {
			if _, err := h.iptables(ctx, ip.Version, nil, action, h.opts.FirewallChain, dir, ip.Addr, "-p", proto); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Firewall) apply(ctx context.Context, job *engine.Job, action string) (*engine.Result, error) {
	var p IPsPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ip := range p.IPAddrs {
		job.SetStep(ip.Addr)
		if err := h.rules(ctx, action, ip); err != nil {
			return nil, err
		}
	}
	return engine.OK(map[string]interface{}{"ip_addrs": len(p.IPAddrs)}), nil
}

func (h *Firewall) regIPs(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.apply(ctx, job, "-A")
}

func (h *Firewall) unregIPs(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.apply(ctx, job, "-D")
}

// Reinit drops the accounting chain, creates it again and registers ips.
// It returns the number of tracked addresses per IP version.
func (h *Firewall) Reinit(ctx context.Context, ips []IPSpec) (map[int]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chain := h.opts.FirewallChain
	counts := make(map[int]int)

	for _, v := range []int{4, 6} {
		// the chain may not exist yet
		if _, err := h.iptables(ctx, v, []int{1}, "-F", chain); err != nil {
			return nil, err
		}
		if _, err := h.iptables(ctx, v, []int{1, 2}, "-D", "FORWARD", "-j", chain); err != nil {
			return nil, err
		}
		if _, err := h.iptables(ctx, v, []int{1}, "-X", chain); err != nil {
			return nil, err
		}

		if _, err := h.iptables(ctx, v, nil, "-N", chain); err != nil {
			return nil, err
		}
		if _, err := h.iptables(ctx, v, nil, "-A", "FORWARD", "-j", chain); err != nil {
			return nil, err
		}

		counts[v] = 0
		for _, ip := range ips {
			if ip.Version != v {
				continue
			}
			if err := h.rules(ctx, "-A", ip); err != nil {
				return nil, err
			}
			counts[v]++
		}
		h.opts.Logger.Info().Int("version", v).Int("count", counts[v]).Msg("Tracking addresses")
	}
	return counts, nil
}
