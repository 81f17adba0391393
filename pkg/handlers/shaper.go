package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// ShapedIP is one address with its traffic limits in bits per second.
type ShapedIP struct {
	Addr    string `json:"addr" validate:"required,ip"`
	Version int    `json:"version" validate:"oneof=4 6"`
	ClassID int64  `json:"class_id" validate:"min=1,max=65535"`
	MaxTx   int64  `json:"max_tx" validate:"min=1"`
	MaxRx   int64  `json:"max_rx" validate:"min=1"`
}

// ShaperPayload is the payload of shaper.set and shaper.unset.
type ShaperPayload struct {
	IPAddrs []ShapedIP `json:"ip_addrs" validate:"dive"`
}

// Shaper installs tc HTB classes limiting traffic per address. Outgoing
// traffic is shaped on the tx device, incoming on the rx device.
type Shaper struct {
	base
	opts Options
}

// NewShaper creates the shaper handler.
func NewShaper(opts Options) *Shaper {
	opts.setDefaults()
	h := &Shaper{base: newBase("shaper"), opts: opts}

	h.handle("set", h.set, func() interface{} { return &ShaperPayload{} })
	h.handle("unset", h.unset, func() interface{} { return &ShaperPayload{} })
	return h
}

func (h *Shaper) tc(ctx context.Context, valid []int, args ...string) error {
	_, err := h.opts.Runner.Run(ctx, Command{Name: h.opts.Bins.TC, Args: args, Valid: valid})
	return err
}

type shapedDirection struct {
	dev   string
	match string
	rate  int64
}

func (h *Shaper) directions(ip ShapedIP) []shapedDirection {
	return []shapedDirection{
		{dev: h.opts.ShaperTxDevice, match: "src", rate: ip.MaxTx},
		{dev: h.opts.ShaperRxDevice, match: "dst", rate: ip.MaxRx},
	}
}

func filterArgs(action, dev, match string, ip ShapedIP, class string) []string {
	proto, sel := "ip", "ip"
	if ip.Version == 6 {
		proto, sel = "ipv6", "ip6"
	}
	return []string{
		"filter", action, "dev", dev, "parent", "1:", "protocol", proto, "prio", "16",
		"u32", "match", sel, match, ip.Addr, "flowid", class,
	}
}

func (h *Shaper) set(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p ShaperPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	for _, ip := range p.IPAddrs {
		job.SetStep(ip.Addr)
		class := fmt.Sprintf("1:%x", ip.ClassID)
		for _, d := range h.directions(ip) {
			rate := strconv.FormatInt(d.rate, 10) + "bit"
			if err := h.tc(ctx, nil, "class", "replace", "dev", d.dev, "parent", "1:", "classid", class,
				"htb", "rate", rate, "ceil", rate); err != nil {
				return nil, err
			}
			if err := h.tc(ctx, nil, filterArgs("add", d.dev, d.match, ip, class)...); err != nil {
				return nil, err
			}
		}
	}
	return engine.OK(nil), nil
}

// unset tolerates already missing classes and filters (tc exits with 2).
func (h *Shaper) unset(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p ShaperPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	for _, ip := range p.IPAddrs {
		job.SetStep(ip.Addr)
		class := fmt.Sprintf("1:%x", ip.ClassID)
		for _, d := range h.directions(ip) {
			if err := h.tc(ctx, []int{2}, filterArgs("del", d.dev, d.match, ip, class)...); err != nil {
				return nil, err
			}
			if err := h.tc(ctx, []int{2}, "class", "del", "dev", d.dev, "classid", class); err != nil {
				return nil, err
			}
		}
	}
	return engine.OK(nil), nil
}
