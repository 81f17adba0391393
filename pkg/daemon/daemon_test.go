package daemon

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/remote"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
	"github.com/vpsfleet/vpsfleet/pkg/telemetry"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRunner) Run(_ context.Context, c handlers.Command) (*handlers.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c.String())
	if c.Name == "hostname" {
		return &handlers.Output{Text: "node5.prg.example.org\n"}, nil
	}
	return &handlers.Output{}, nil
}

func (r *fakeRunner) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	d      *Daemon
	store  *stores.SQLiteStore
	runner *fakeRunner
	cfg    *config.Config
	loc    *stores.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	loc := &stores.Location{Label: "prg", Domain: "prg.example.org"}
	require.NoError(t, store.CreateLocation(ctx, loc))
	require.NoError(t, store.CreateNode(ctx, &engine.Node{
		ID: 1, Name: "node1", Role: "node", Location: loc.ID, Addr: "192.0.2.1",
	}))

	// unix socket paths are short
	sockDir, err := os.MkdirTemp("", "fleetd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	dir := t.TempDir()
	cfg := config.Default()
	cfg.NodeID = 1
	cfg.Socket = filepath.Join(sockDir, "fleetd.sock")
	cfg.Pubkeys.Types = []string{"rsa", "ed25519"}
	cfg.Pubkeys.Path = filepath.Join(dir, "ssh_host_%s_key.pub")
	cfg.Host.GeneratedDir = filepath.Join(dir, "generated")
	cfg.Host.KnownHosts = filepath.Join(dir, "known_hosts")

	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	require.NoError(t, err)

	runner := &fakeRunner{}
	logger := zerolog.Nop()
	d, err := New(Options{
		Config:    cfg,
		Store:     store,
		Runner:    runner,
		Telemetry: tel,
		Logger:    &logger,
	})
	require.NoError(t, err)

	return &fixture{d: d, store: store, runner: runner, cfg: cfg, loc: loc}
}

func writePubkey(t *testing.T, path string) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, gossh.MarshalAuthorizedKey(key), 0o644))
	return key
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	st, err := f.d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Threads)
	assert.Empty(t, st.Workers)
	assert.Equal(t, 0, st.QueueSize)
}

func TestKill(t *testing.T) {
	f := newFixture(t)

	report, err := f.d.Kill(KillParams{
		Transactions: json.RawMessage(`[42]`),
		Types:        []engine.TransactionType{2004},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Killed)
	assert.Equal(t, map[string]string{
		"42":   "No such transaction",
		"2004": "No transaction with this type",
	}, report.Msgs)

	report, err = f.d.Kill(KillParams{Transactions: json.RawMessage(`"all"`)})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Killed)
	assert.Empty(t, report.Msgs)

	_, err = f.d.Kill(KillParams{Transactions: json.RawMessage(`"some"`)})
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeBadParams, ee.Code)
}

func TestInstallCreatesNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := writePubkey(t, f.cfg.PubkeyPath("ed25519"))

	params := InstallParams{
		Create:    true,
		ID:        5,
		Role:      "node",
		Location:  json.RawMessage(`"prg"`),
		Addr:      "192.0.2.5",
		MaxVPS:    30,
		VEPrivate: "/vz/private/%{veid}",
		FSType:    "zfs",
	}
	res, err := f.d.Install(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.NodeID)

	node, err := f.store.GetNode(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "node5.prg.example.org", node.Name)
	assert.Equal(t, f.loc.ID, node.Location)
	assert.Equal(t, 30, node.MaxVPS)
	assert.Equal(t, "zfs", node.FSType)
	assert.Contains(t, f.runner.lines(), "hostname")

	keys, err := f.store.ListNodePubkeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(5), keys[0].NodeID)
	assert.Equal(t, gossh.KeyAlgoED25519, keys[0].KeyType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(key.Marshal()), keys[0].Key)

	params.Name = "renamed"
	params.Location = json.RawMessage(`1`)
	_, err = f.d.Install(ctx, params)
	require.NoError(t, err)

	nodes, err := f.store.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	node, err = f.store.GetNode(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "renamed", node.Name)
}

func TestInstallUnknownLocation(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Install(context.Background(), InstallParams{
		Create:   true,
		Role:     "node",
		Location: json.RawMessage(`"nowhere"`),
	})
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "Location 'nowhere' does not exist", ee.Message)
	assert.Equal(t, engine.ErrCodeNotFound, ee.Code)
}

func TestInstallPropagate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateNode(ctx, &engine.Node{
		ID: 2, Name: "node2", Role: "node", Location: f.loc.ID, Addr: "192.0.2.2",
	}))

	res, err := f.d.Install(ctx, InstallParams{Propagate: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NodeID)

	for _, node := range []int64{1, 2} {
		txs, err := f.store.ListNodeTransactions(ctx, node)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, config.TypeNodeGenKnownHosts, txs[0].Type)
	}
}

func TestInstallGenConfigs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertConfigFile(ctx, &stores.ConfigFile{Name: "ve-basic.conf", Content: "ONBOOT=yes\n"}))
	require.NoError(t, f.store.UpsertConfigFile(ctx, &stores.ConfigFile{Name: "ve-large.conf", Content: "ONBOOT=no\n"}))

	_, err := f.d.Install(ctx, InstallParams{GenConfigs: true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.cfg.Host.GeneratedDir, "ve-basic.conf"))
	require.NoError(t, err)
	assert.Equal(t, "ONBOOT=yes\n", string(data))

	entries, err := os.ReadDir(f.cfg.Host.GeneratedDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReinit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vps := &stores.VPS{ID: 101, NodeID: 1, Hostname: "web"}
	require.NoError(t, f.store.CreateVPS(ctx, vps))
	for _, ip := range []*stores.IPAddress{
		{Addr: "192.0.2.101", Version: 4, LocationID: f.loc.ID, VPSID: &vps.ID},
		{Addr: "2001:db8::101", Version: 6, LocationID: f.loc.ID, VPSID: &vps.ID},
		{Addr: "192.0.2.200", Version: 4, LocationID: f.loc.ID},
	} {
		require.NoError(t, f.store.CreateIPAddress(ctx, ip))
	}

	res, err := f.d.Reinit(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReinitResult{IPv4: 1, IPv6: 1}, res)
	assert.Contains(t, f.runner.lines(), "iptables -N vpsfleet")
	assert.Contains(t, f.runner.lines(), "ip6tables -N vpsfleet")
}

func TestReloadWithoutFile(t *testing.T) {
	f := newFixture(t)

	err := f.d.Reload(context.Background())
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeUnsupported, ee.Code)
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: 1\nthreads: 2\nhandlers:\n  \"2004\": vps.hostname\n"), 0o644))
	f.d.cfgPath = path

	require.NoError(t, f.d.Reload(context.Background()))
	assert.Equal(t, 2, f.d.Config().Threads)
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		force bool
	}{
		{"stop", ExitStop, false},
		{"restart", ExitRestart, false},
		{"forced restart", ExitRestart, true},
		{"update", ExitUpdate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.d.Exit(tt.code, tt.force)
			// only the first request counts
			f.d.Exit(ExitOK, false)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			code, err := f.d.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRemoteCommandsAudited(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	go func() {
		code, _ := f.d.Run(ctx)
		done <- code
	}()

	var client *remote.Client
	require.Eventually(t, func() bool {
		c, err := remote.Dial(ctx, f.cfg.Socket)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer client.Close()

	assert.Equal(t, f.cfg.Version, client.Version())

	var st engine.DispatcherStatus
	require.NoError(t, client.Call(ctx, "status", nil, &st))
	assert.Equal(t, 4, st.Threads)

	var report engine.KillReport
	require.NoError(t, client.Call(ctx, "kill", map[string]interface{}{"transactions": []int64{7}}, &report))
	assert.Equal(t, "No such transaction", report.Msgs["7"])

	err := client.Call(ctx, "install", map[string]interface{}{"create": true, "location": "nowhere"}, nil)
	var cerr *remote.CommandError
	require.True(t, errors.As(err, &cerr))
	assert.True(t, strings.Contains(cerr.Error(), "Location 'nowhere' does not exist"))

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	kill := "remote.kill"
	entries, err := f.store.ListAuditEntries(context.Background(), &kill, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "remote", entries[0].Actor)
	assert.Contains(t, *entries[0].Details, `"ok":true`)

	install := "remote.install"
	entries, err = f.store.ListAuditEntries(context.Background(), &install, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, *entries[0].Details, `"ok":false`)

	status := "remote.status"
	entries, err = f.store.ListAuditEntries(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
