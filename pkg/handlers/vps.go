package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// HostnamePayload is the payload of vps.hostname.
type HostnamePayload struct {
	Hostname string `json:"hostname" validate:"required,hostname_rfc1123"`
	Original string `json:"original" validate:"omitempty,hostname_rfc1123"`
}

// IPPayload is the payload of vps.ip_add and vps.ip_del.
type IPPayload struct {
	Addr    string `json:"addr" validate:"required,ip"`
	Version int    `json:"version" validate:"oneof=4 6"`
}

// ReinstallPayload is the payload of vps.reinstall.
type ReinstallPayload struct {
	Hostname   string   `json:"hostname" validate:"required,hostname_rfc1123"`
	Template   string   `json:"template" validate:"required"`
	Onboot     bool     `json:"onboot"`
	Nameserver []string `json:"nameserver" validate:"dive,ip"`
	IPAddrs    []string `json:"ip_addrs" validate:"dive,ip"`
}

// CopyConfigsPayload is the payload of vps.copy_configs.
type CopyConfigsPayload struct {
	DstAddr string `json:"dst_addr" validate:"required"`
}

// MountSpec describes one mount inside a VPS.
type MountSpec struct {
	Dst    string `json:"dst" validate:"required,startswith=/"`
	Source string `json:"source" validate:"required"`
	Type   string `json:"type" validate:"required,oneof=bind nfs"`
	Opts   string `json:"opts"`
	Mode   string `json:"mode" validate:"omitempty,oneof=ro rw"`
}

// MountsPayload is the payload of vps.mounts, vps.mount and vps.umount.
type MountsPayload struct {
	Mounts []MountSpec `json:"mounts" validate:"dive"`
}

// VPS controls containers through vzctl and manages their mounts and
// configuration files.
type VPS struct {
	base
	opts Options
}

// NewVPS creates the vps handler.
func NewVPS(opts Options) *VPS {
	opts.setDefaults()
	h := &VPS{base: newBase("vps"), opts: opts}

	h.handle("start", h.start, nil)
	h.handle("stop", h.stop, nil)
	h.handle("restart", h.restart, nil)
	h.handle("hostname", h.hostname, func() interface{} { return &HostnamePayload{} })
	h.handle("hostname_revert", h.hostnameRevert, func() interface{} { return &HostnamePayload{} })
	h.handle("ip_add", h.ipAdd, func() interface{} { return &IPPayload{} })
	h.handle("ip_del", h.ipDel, func() interface{} { return &IPPayload{} })
	h.handle("create_root", h.createRoot, nil)
	h.handle("remove_root", h.removeRoot, nil)
	h.handle("destroy", h.destroy, nil)
	h.handle("reinstall", h.reinstall, func() interface{} { return &ReinstallPayload{} })
	h.handle("copy_configs", h.copyConfigs, func() interface{} { return &CopyConfigsPayload{} })
	h.handle("remove_configs", h.removeConfigs, func() interface{} { return &CopyConfigsPayload{} })
	h.handle("mounts", h.mounts, func() interface{} { return &MountsPayload{} })
	h.handle("mount", h.mount, func() interface{} { return &MountsPayload{} })
	h.handle("umount", h.umount, func() interface{} { return &MountsPayload{} })
	return h
}

func (h *VPS) vzctl(ctx context.Context, args ...string) (*Output, error) {
	return h.opts.Runner.Run(ctx, Command{Name: h.opts.Bins.VZCtl, Args: args})
}

func (h *VPS) simple(action string) engine.Op {
	return func(ctx context.Context, job *engine.Job) (*engine.Result, error) {
		id, err := veid(job)
		if err != nil {
			return nil, err
		}
		if _, err := h.vzctl(ctx, action, id); err != nil {
			return nil, err
		}
		return engine.OK(nil), nil
	}
}

func (h *VPS) start(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.simple("start")(ctx, job)
}

func (h *VPS) stop(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.simple("stop")(ctx, job)
}

func (h *VPS) restart(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.simple("restart")(ctx, job)
}

func (h *VPS) destroy(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.simple("destroy")(ctx, job)
}

// running reports whether vzctl sees the container as running.
func (h *VPS) running(ctx context.Context, id string) (bool, error) {
	out, err := h.vzctl(ctx, "status", id)
	if err != nil {
		return false, err
	}
	return strings.Contains(out.Text, " running"), nil
}

func (h *VPS) setHostname(ctx context.Context, job *engine.Job, hostname string) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	if _, err := h.vzctl(ctx, "set", id, "--hostname", hostname, "--save"); err != nil {
		return nil, err
	}
	return engine.OK(map[string]interface{}{"hostname": hostname}), nil
}

func (h *VPS) hostname(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p HostnamePayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	return h.setHostname(ctx, job, p.Hostname)
}

func (h *VPS) hostnameRevert(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p HostnamePayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if p.Original == "" {
		return engine.OK(nil), nil
	}
	return h.setHostname(ctx, job, p.Original)
}

func (h *VPS) ip(ctx context.Context, job *engine.Job, flag string) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	var p IPPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if _, err := h.vzctl(ctx, "set", id, flag, p.Addr, "--save"); err != nil {
		return nil, err
	}
	return engine.OK(map[string]interface{}{"addr": p.Addr}), nil
}

func (h *VPS) ipAdd(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.ip(ctx, job, "--ipadd")
}

func (h *VPS) ipDel(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	return h.ip(ctx, job, "--ipdel")
}

func (h *VPS) rootPath(id string) string {
	return filepath.Join(h.opts.VERoot, id)
}

func (h *VPS) createRoot(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(h.rootPath(id), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root: %w", err)
	}
	return engine.OK(nil), nil
}

func (h *VPS) removeRoot(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(h.rootPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove root: %w", err)
	}
	return engine.OK(nil), nil
}

func (h *VPS) reinstall(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	var p ReinstallPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	onboot := "no"
	if p.Onboot {
		onboot = "yes"
	}
	set := []string{"set", id, "--onboot", onboot}
	for _, ns := range p.Nameserver {
		set = append(set, "--nameserver", ns)
	}
	for _, addr := range p.IPAddrs {
		set = append(set, "--ipadd", addr)
	}
	set = append(set, "--save")

	steps := []struct {
		label string
		args  []string
	}{
		{"stop", []string{"stop", id}},
		{"destroy", []string{"destroy", id}},
		{"create", []string{"create", id, "--ostemplate", p.Template, "--hostname", p.Hostname}},
		{"configure", set},
	}
	for _, s := range steps {
		if job.Killed() {
			return nil, errKilled()
		}
		job.SetStep(s.label)
		if _, err := h.vzctl(ctx, s.args...); err != nil {
			return nil, err
		}
	}
	return engine.OK(map[string]interface{}{"template": p.Template}), nil
}

// configFiles are the per-VPS files kept in ConfigDir.
func (h *VPS) configFiles(id string) []string {
	return []string{
		filepath.Join(h.opts.ConfigDir, id+".conf"),
		filepath.Join(h.opts.ConfigDir, id+".mount"),
	}
}

func (h *VPS) copyConfigs(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	var p CopyConfigsPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	remote, err := h.opts.Dialer.Dial(ctx, p.DstAddr)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	copied := []string{}
	for _, local := range h.configFiles(id) {
		data, err := os.ReadFile(local)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", local, err)
		}
		job.SetStep("copy " + filepath.Base(local))
		if _, err := remote.Upload(ctx, bytes.NewReader(data), filepath.ToSlash(local), 0o644); err != nil {
			return nil, err
		}
		copied = append(copied, local)
		job.Set("copied", copied)
	}
	return engine.OK(map[string]interface{}{"copied": copied}), nil
}

func (h *VPS) removeConfigs(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	var p CopyConfigsPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	remote, err := h.opts.Dialer.Dial(ctx, p.DstAddr)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	for _, local := range h.configFiles(id) {
		if err := remote.Remove(ctx, filepath.ToSlash(local)); err != nil {
			return nil, err
		}
	}
	return engine.OK(nil), nil
}

// mounts writes the mount script vzctl runs when the container starts.
func (h *VPS) mounts(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	var p MountsPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	for _, m := range p.Mounts {
		cmd := h.mountCommand(id, m)
		script.WriteString(cmd.String())
		script.WriteString("\n")
	}

	file := filepath.Join(h.opts.ConfigDir, id+".mount")
	if err := os.WriteFile(file, []byte(script.String()), 0o755); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", file, err)
	}
	return engine.OK(map[string]interface{}{"mounts": len(p.Mounts)}), nil
}

func (h *VPS) mountTarget(id string, m MountSpec) string {
	return path.Join(h.opts.VERoot, id, m.Dst)
}

func (h *VPS) mountCommand(id string, m MountSpec) Command {
	var args []string
	switch m.Type {
	case "bind":
		args = append(args, "--bind")
	default:
		args = append(args, "-t", m.Type)
	}

	opts := m.Opts
	if m.Mode == "ro" {
		if opts == "" {
			opts = "ro"
		} else {
			opts += ",ro"
		}
	}
	if opts != "" {
		args = append(args, "-o", opts)
	}
	args = append(args, m.Source, h.mountTarget(id, m))
	return Command{Name: h.opts.Bins.Mount, Args: args}
}

func (h *VPS) doMount(ctx context.Context, job *engine.Job, mounts []MountSpec) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	running, err := h.running(ctx, id)
	if err != nil {
		return nil, err
	}
	if !running {
		return engine.OK(map[string]interface{}{"skipped": "not running"}), nil
	}

	for _, m := range mounts {
		job.SetStep("mount " + m.Dst)
		if _, err := h.opts.Runner.Run(ctx, h.mountCommand(id, m)); err != nil {
			return nil, err
		}
	}
	return engine.OK(nil), nil
}

func (h *VPS) doUmount(ctx context.Context, job *engine.Job, mounts []MountSpec) (*engine.Result, error) {
	id, err := veid(job)
	if err != nil {
		return nil, err
	}
	running, err := h.running(ctx, id)
	if err != nil {
		return nil, err
	}
	if !running {
		return engine.OK(map[string]interface{}{"skipped": "not running"}), nil
	}

	for _, m := range mounts {
		job.SetStep("umount " + m.Dst)
		cmd := Command{Name: h.opts.Bins.Umount, Args: []string{h.mountTarget(id, m)}, Valid: []int{1}}
		if _, err := h.opts.Runner.Run(ctx, cmd); err != nil {
			return nil, err
		}
	}
	return engine.OK(nil), nil
}

func reversed(mounts []MountSpec) []MountSpec {
	out := make([]MountSpec, len(mounts))
	for i, m := range mounts {
		out[len(mounts)-1-i] = m
	}
	return out
}

// mount is undone by unmounting in reverse order, and the other way round.
func (h *VPS) mount(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p MountsPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if job.Tx.IsCompensation() {
		return h.doMount(ctx, job, reversed(p.Mounts))
	}
	return h.doMount(ctx, job, p.Mounts)
}

func (h *VPS) umount(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p MountsPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if job.Tx.IsCompensation() {
		return h.doUmount(ctx, job, reversed(p.Mounts))
	}
	return h.doUmount(ctx, job, p.Mounts)
}
