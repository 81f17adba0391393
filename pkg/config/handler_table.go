package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// Transaction type codes bound by the default handler table.
const (
	TypeVPSStart          engine.TransactionType = 1001
	TypeVPSStop           engine.TransactionType = 1002
	TypeVPSRestart        engine.TransactionType = 1003
	TypeVPSHostname       engine.TransactionType = 2004
	TypeVPSIPAdd          engine.TransactionType = 2006
	TypeVPSIPDel          engine.TransactionType = 2007
	TypeShaperSet         engine.TransactionType = 2008
	TypeShaperUnset       engine.TransactionType = 2009
	TypeOutageWindow      engine.TransactionType = 2102
	TypeVPSCreateRoot     engine.TransactionType = 3001
	TypeVPSDestroy        engine.TransactionType = 3002
	TypeVPSReinstall      engine.TransactionType = 3003
	TypeVPSCopyConfigs    engine.TransactionType = 3030
	TypeCreateDataset     engine.TransactionType = 5201
	TypeDestroyDataset    engine.TransactionType = 5202
	TypeSnapshot          engine.TransactionType = 5204
	TypeTransfer          engine.TransactionType = 5205
	TypeDestroySnapshot   engine.TransactionType = 5212
	TypeSetDataset        engine.TransactionType = 5216
	TypeVPSMounts         engine.TransactionType = 5301
	TypeVPSMount          engine.TransactionType = 5302
	TypeVPSUmount         engine.TransactionType = 5303
	TypeFirewallRegIPs    engine.TransactionType = 7201
	TypeFirewallUnregIPs  engine.TransactionType = 7202
	TypeNodeGenKnownHosts engine.TransactionType = 7301
	TypeNoop              engine.TransactionType = 10001
)

// DefaultHandlerTable returns the default type code bindings.
func DefaultHandlerTable() map[string]string {
	return map[string]string{
		"1001":  "vps.start/vps.stop",
		"1002":  "vps.stop/vps.start",
		"1003":  "vps.restart",
		"2004":  "vps.hostname/vps.hostname_revert",
		"2006":  "vps.ip_add/vps.ip_del",
		"2007":  "vps.ip_del/vps.ip_add",
		"2008":  "shaper.set/shaper.unset",
		"2009":  "shaper.unset/shaper.set",
		"2102":  "outage_window.in_or_fail",
		"3001":  "vps.create_root/vps.remove_root",
		"3002":  "vps.destroy",
		"3003":  "vps.reinstall",
		"3030":  "vps.copy_configs/vps.remove_configs",
		"5201":  "storage.create_dataset/storage.destroy_dataset",
		"5202":  "storage.destroy_dataset",
		"5204":  "storage.snapshot/storage.destroy_snapshot",
		"5205":  "storage.transfer",
		"5212":  "storage.destroy_snapshot",
		"5216":  "storage.set_dataset/storage.reset_dataset",
		"5301":  "vps.mounts",
		"5302":  "vps.mount/vps.umount",
		"5303":  "vps.umount/vps.mount",
		"7201":  "firewall.reg_ips/firewall.unreg_ips",
		"7202":  "firewall.unreg_ips/firewall.reg_ips",
		"7301":  "node.gen_known_hosts",
		"10001": "utils.noop/utils.noop",
	}
}

// Binding is one parsed row of the handler table.
type Binding struct {
	Type     engine.TransactionType
	Exec     string
	Rollback string
}

// Bindings parses the handler table, sorted by type code.
func (c *Config) Bindings() ([]Binding, error) {
	out := make([]Binding, 0, len(c.Handlers))
	for code, spec := range c.Handlers {
		n, err := strconv.Atoi(code)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("handlers: invalid type code %q", code)
		}

		exec, rollback, _ := strings.Cut(spec, "/")
		if _, _, err := engine.ParseEntry(exec); err != nil {
			return nil, fmt.Errorf("handlers: type %s: %w", code, err)
		}
		if rollback != "" {
			if _, _, err := engine.ParseEntry(rollback); err != nil {
				return nil, fmt.Errorf("handlers: type %s: %w", code, err)
			}
		}
		out = append(out, Binding{Type: engine.TransactionType(n), Exec: exec, Rollback: rollback})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// Bind applies the handler table to a registry whose handlers are already
// registered.
func (c *Config) Bind(reg *engine.Registry) error {
	bindings, err := c.Bindings()
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := reg.BindEntries(b.Type, b.Exec, b.Rollback); err != nil {
			return err
		}
	}
	return nil
}
