package handlers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func TestVPSLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	h := NewVPS(testOptions(t, runner))

	for _, entry := range []string{"start", "stop", "restart", "destroy"} {
		if _, err := run(t, h, newJob(t, 101, entry, nil)); err != nil {
			t.Fatalf("%s failed: %v", entry, err)
		}
	}
	expectLines(t, runner.lines(),
		"vzctl start 101",
		"vzctl stop 101",
		"vzctl restart 101",
		"vzctl destroy 101",
	)
}

func TestVPSRequiresTarget(t *testing.T) {
	runner := &fakeRunner{}
	h := NewVPS(testOptions(t, runner))

	if _, err := run(t, h, newJob(t, 0, "start", nil)); !engine.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if len(runner.lines()) != 0 {
		t.Errorf("Expected no commands, got %v", runner.lines())
	}
}

func TestVPSCommandFailure(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("vzctl start", "Container is not mounted", engine.NewCommandError("vzctl start 101", 31, "Container is not mounted"))
	h := NewVPS(testOptions(t, runner))

	_, err := run(t, h, newJob(t, 101, "start", nil))
	if !engine.IsCommandFailure(err) {
		t.Fatalf("Expected command failure, got %v", err)
	}
}

func TestVPSHostname(t *testing.T) {
	runner := &fakeRunner{}
	h := NewVPS(testOptions(t, runner))

	payload := HostnamePayload{Hostname: "new.example.com", Original: "old.example.com"}
	if _, err := run(t, h, newJob(t, 101, "hostname", payload)); err != nil {
		t.Fatalf("hostname failed: %v", err)
	}
	if _, err := run(t, h, newJob(t, 101, "hostname_revert", payload)); err != nil {
		t.Fatalf("hostname_revert failed: %v", err)
	}
	if _, err := run(t, h, newJob(t, 101, "hostname_revert", HostnamePayload{Hostname: "new.example.com"})); err != nil {
		t.Fatalf("hostname_revert without original failed: %v", err)
	}

	expectLines(t, runner.lines(),
		"vzctl set 101 --hostname new.example.com --save",
		"vzctl set 101 --hostname old.example.com --save",
	)
}

func TestVPSIPAddresses(t *testing.T) {
	runner := &fakeRunner{}
	h := NewVPS(testOptions(t, runner))

	if _, err := run(t, h, newJob(t, 101, "ip_add", IPPayload{Addr: "192.0.2.10", Version: 4})); err != nil {
		t.Fatalf("ip_add failed: %v", err)
	}
	if _, err := run(t, h, newJob(t, 101, "ip_del", IPPayload{Addr: "2001:db8::10", Version: 6})); err != nil {
		t.Fatalf("ip_del failed: %v", err)
	}
	expectLines(t, runner.lines(),
		"vzctl set 101 --ipadd 192.0.2.10 --save",
		"vzctl set 101 --ipdel 2001:db8::10 --save",
	)
}

func TestVPSRoot(t *testing.T) {
	opts := testOptions(t, &fakeRunner{})
	h := NewVPS(opts)
	root := filepath.Join(opts.VERoot, "101")

	if _, err := run(t, h, newJob(t, 101, "create_root", nil)); err != nil {
		t.Fatalf("create_root failed: %v", err)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		t.Fatalf("Expected root directory, got %v", err)
	}

	if _, err := run(t, h, newJob(t, 101, "remove_root", nil)); err != nil {
		t.Fatalf("remove_root failed: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("Expected root to be removed, got %v", err)
	}

	// removing twice is fine
	if _, err := run(t, h, newJob(t, 101, "remove_root", nil)); err != nil {
		t.Errorf("Second remove_root failed: %v", err)
	}
}

func TestVPSReinstall(t *testing.T) {
	runner := &fakeRunner{}
	h := NewVPS(testOptions(t, runner))

	payload := ReinstallPayload{
		Hostname:   "web1",
		Template:   "debian-12",
		Onboot:     true,
		Nameserver: []string{"192.0.2.53"},
		IPAddrs:    []string{"192.0.2.10"},
	}
	job := newJob(t, 101, "reinstall", payload)
	if _, err := run(t, h, job); err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}

	expectLines(t, runner.lines(),
		"vzctl stop 101",
		"vzctl destroy 101",
		"vzctl create 101 --ostemplate debian-12 --hostname web1",
		"vzctl set 101 --onboot yes --nameserver 192.0.2.53 --ipadd 192.0.2.10 --save",
	)
	if job.Step() != "configure" {
		t.Errorf("Expected last step configure, got %q", job.Step())
	}
}

func TestVPSReinstallKilled(t *testing.T) {
	runner := &fakeRunner{}
	h := NewVPS(testOptions(t, runner))

	job := newJob(t, 101, "reinstall", ReinstallPayload{Hostname: "web1", Template: "debian-12"})
	job.Kill(false)

	_, err := run(t, h, job)
	if engine.KindOf(err) != engine.KindKilled {
		t.Fatalf("Expected killed error, got %v", err)
	}
	if len(runner.lines()) != 0 {
		t.Errorf("Expected no commands after kill, got %v", runner.lines())
	}
}

func TestVPSCopyConfigs(t *testing.T) {
	opts := testOptions(t, &fakeRunner{})
	dialer := opts.Dialer.(*fakeDialer)
	h := NewVPS(opts)

	if err := os.MkdirAll(opts.ConfigDir, 0o755); err != nil {
		t.Fatal(err)
	}
	conf := filepath.Join(opts.ConfigDir, "101.conf")
	if err := os.WriteFile(conf, []byte("HOSTNAME=\"web1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := run(t, h, newJob(t, 101, "copy_configs", CopyConfigsPayload{DstAddr: "192.0.2.2"}))
	if err != nil {
		t.Fatalf("copy_configs failed: %v", err)
	}

	tr := dialer.transport
	if tr.host != "192.0.2.2" {
		t.Errorf("Expected dial to 192.0.2.2, got %q", tr.host)
	}
	if tr.uploads[filepath.ToSlash(conf)] != "HOSTNAME=\"web1\"\n" {
		t.Errorf("Expected config upload, got %v", tr.uploads)
	}
	if len(tr.uploads) != 1 {
		t.Errorf("Expected missing mount file to be skipped, got %v", tr.uploads)
	}
	if copied := res.Output["copied"].([]string); len(copied) != 1 {
		t.Errorf("Expected one copied file, got %v", copied)
	}
	if !tr.closed {
		t.Error("Expected transport to be closed")
	}

	if _, err := run(t, h, newJob(t, 101, "remove_configs", CopyConfigsPayload{DstAddr: "192.0.2.2"})); err != nil {
		t.Fatalf("remove_configs failed: %v", err)
	}
	if len(tr.removed) != 2 {
		t.Errorf("Expected both config files removed, got %v", tr.removed)
	}
}

func testMounts() MountsPayload {
	return MountsPayload{Mounts: []MountSpec{
		{Dst: "/mnt/data", Source: "/tank/data", Type: "bind", Mode: "ro"},
		{Dst: "/mnt/nfs", Source: "192.0.2.5:/export", Type: "nfs", Opts: "vers=4"},
	}}
}

func TestVPSMountsScript(t *testing.T) {
	opts := testOptions(t, &fakeRunner{})
	h := NewVPS(opts)
	if err := os.MkdirAll(opts.ConfigDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, h, newJob(t, 101, "mounts", testMounts())); err != nil {
		t.Fatalf("mounts failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(opts.ConfigDir, "101.mount"))
	if err != nil {
		t.Fatalf("Expected mount script: %v", err)
	}
	script := string(data)
	if !strings.HasPrefix(script, "#!/bin/sh\n") {
		t.Errorf("Expected shell script, got %q", script)
	}
	if !strings.Contains(script, "mount --bind -o ro /tank/data "+opts.VERoot+"/101/mnt/data") {
		t.Errorf("Expected bind mount line, got %q", script)
	}
	if !strings.Contains(script, "mount -t nfs -o vers=4 192.0.2.5:/export "+opts.VERoot+"/101/mnt/nfs") {
		t.Errorf("Expected nfs mount line, got %q", script)
	}
}

func TestVPSMountRunning(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("vzctl status", "CTID 101 exist mounted running", nil)
	opts := testOptions(t, runner)
	h := NewVPS(opts)

	if _, err := run(t, h, newJob(t, 101, "mount", testMounts())); err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	expectLines(t, runner.lines(),
		"vzctl status 101",
		"mount --bind -o ro /tank/data "+opts.VERoot+"/101/mnt/data",
		"mount -t nfs -o vers=4 192.0.2.5:/export "+opts.VERoot+"/101/mnt/nfs",
	)
}

func TestVPSMountStopped(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("vzctl status", "CTID 101 exist unmounted down", nil)
	h := NewVPS(testOptions(t, runner))

	res, err := run(t, h, newJob(t, 101, "mount", testMounts()))
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if res.Output["skipped"] == nil {
		t.Errorf("Expected mount to be skipped, got %v", res.Output)
	}
	expectLines(t, runner.lines(), "vzctl status 101")
}

func TestVPSUmountCompensationReversesOrder(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("vzctl status", "CTID 101 exist mounted running", nil)
	opts := testOptions(t, runner)
	h := NewVPS(opts)

	job := newJob(t, 101, "umount", testMounts())
	job.Tx.Direction = engine.DirectionRollback
	if _, err := run(t, h, job); err != nil {
		t.Fatalf("umount failed: %v", err)
	}

	expectLines(t, runner.lines(),
		"vzctl status 101",
		"umount "+opts.VERoot+"/101/mnt/nfs",
		"umount "+opts.VERoot+"/101/mnt/data",
	)
	if v := runner.calls[1].Valid; len(v) != 1 || v[0] != 1 {
		t.Errorf("Expected umount to accept exit status 1, got %v", v)
	}
}
