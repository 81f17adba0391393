package chains

import (
	"context"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
)

// single builds a one-step chain holding the VPS lock.
func (s *Service) single(ctx context.Context, label string, vpsID, userID int64, step engine.Step) (*Result, error) {
	c := s.builder.Begin(ctx, engine.ChainOptions{Label: label, UserID: userID})
	build := func() error {
		if err := c.Lock(ctx, vpsResource(vpsID)); err != nil {
			return err
		}
		c.SetMetadata("vps", vpsID)
		_, err := c.Append(step)
		return err
	}
	if err := build(); err != nil {
		_ = c.Discard(ctx)
		return nil, err
	}

	last, err := c.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{ChainID: c.ID(), LastID: last, Steps: 1}, nil
}

// Hostname changes the hostname of a VPS. The database keeps the old name
// until the change succeeds.
func (s *Service) Hostname(ctx context.Context, vpsID int64, hostname string) (*Result, error) {
	vps, err := s.inv.GetVPS(ctx, vpsID)
	if err != nil {
		return nil, err
	}

	return s.single(ctx, "Hostname", vps.ID, vps.UserID, engine.Step{
		Type:    config.TypeVPSHostname,
		Node:    vps.NodeID,
		VPS:     vps.ID,
		Payload: handlers.HostnamePayload{Hostname: hostname, Original: vps.Hostname},
		Patches: []engine.Patch{{
			Table: "vpses", RowID: vps.ID, Column: "hostname", Value: hostname, Previous: vps.Hostname,
		}},
	})
}

// ReinstallOptions describe a VPS reinstall.
type ReinstallOptions struct {
	VPS         int64
	Template    string
	Onboot      bool
	Nameservers []string
}

// Reinstall recreates a VPS from a template, keeping its hostname and
// addresses.
func (s *Service) Reinstall(ctx context.Context, opts ReinstallOptions) (*Result, error) {
	vps, err := s.inv.GetVPS(ctx, opts.VPS)
	if err != nil {
		return nil, err
	}
	ips, err := s.inv.VPSIPAddresses(ctx, vps.ID)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = ip.Addr
	}
	nameservers := opts.Nameservers
	if nameservers == nil {
		nameservers = []string{}
	}

	return s.single(ctx, "Reinstall", vps.ID, vps.UserID, engine.Step{
		Type: config.TypeVPSReinstall,
		Node: vps.NodeID,
		VPS:  vps.ID,
		Payload: handlers.ReinstallPayload{
			Hostname:   vps.Hostname,
			Template:   opts.Template,
			Onboot:     opts.Onboot,
			Nameserver: nameservers,
			IPAddrs:    addrs,
		},
		Patches: []engine.Patch{{
			Table: "vpses", RowID: vps.ID, Column: "os_template", Value: opts.Template, Previous: vps.OSTemplate,
		}},
	})
}
