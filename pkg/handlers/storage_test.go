package handlers

import (
	"errors"
	"testing"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func TestStorageDatasets(t *testing.T) {
	runner := &fakeRunner{}
	h := NewStorage(testOptions(t, runner))

	create := DatasetPayload{
		Name:       "vz/private/101",
		Properties: map[string]string{"quota": "10G", "compression": "on"},
	}
	if _, err := run(t, h, newJob(t, 101, "create_dataset", create)); err != nil {
		t.Fatalf("create_dataset failed: %v", err)
	}
	if _, err := run(t, h, newJob(t, 101, "destroy_dataset", DatasetPayload{Name: "vz/private/101"})); err != nil {
		t.Fatalf("destroy_dataset failed: %v", err)
	}

	expectLines(t, runner.lines(),
		"zfs create -p -o compression=on -o quota=10G vz/private/101",
		"zfs destroy -r vz/private/101",
	)
}

func TestStorageSetAndReset(t *testing.T) {
	runner := &fakeRunner{}
	h := NewStorage(testOptions(t, runner))

	payload := SetDatasetPayload{
		Name:       "vz/private/101",
		Properties: map[string]string{"quota": "20G", "atime": "off"},
		Original:   map[string]string{"quota": "10G"},
	}
	if _, err := run(t, h, newJob(t, 101, "set_dataset", payload)); err != nil {
		t.Fatalf("set_dataset failed: %v", err)
	}
	if _, err := run(t, h, newJob(t, 101, "reset_dataset", payload)); err != nil {
		t.Fatalf("reset_dataset failed: %v", err)
	}

	expectLines(t, runner.lines(),
		"zfs set atime=off vz/private/101",
		"zfs set quota=20G vz/private/101",
		"zfs inherit atime vz/private/101",
		"zfs set quota=10G vz/private/101",
	)
}

func TestStorageSnapshots(t *testing.T) {
	runner := &fakeRunner{}
	h := NewStorage(testOptions(t, runner))

	snap := SnapshotPayload{Dataset: "vz/private/101", Snapshot: "migrate-1"}
	res, err := run(t, h, newJob(t, 101, "snapshot", snap))
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if res.Output["snapshot"] != "vz/private/101@migrate-1" {
		t.Errorf("Expected snapshot name in output, got %v", res.Output)
	}
	if _, err := run(t, h, newJob(t, 101, "destroy_snapshot", snap)); err != nil {
		t.Fatalf("destroy_snapshot failed: %v", err)
	}

	expectLines(t, runner.lines(),
		"zfs snapshot vz/private/101@migrate-1",
		"zfs destroy vz/private/101@migrate-1",
	)
}

func TestStorageTransfer(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("zfs send", "STREAM", nil)
	opts := testOptions(t, runner)
	tr := opts.Dialer.(*fakeDialer).transport
	h := NewStorage(opts)

	payload := TransferPayload{
		Dataset:      "vz/private/101",
		DstDataset:   "tank/private/101",
		Snapshot:     "migrate-2",
		FromSnapshot: "migrate-1",
		DstAddr:      "192.0.2.2",
	}
	res, err := run(t, h, newJob(t, 101, "transfer", payload))
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	expectLines(t, runner.lines(), "zfs send -I @migrate-1 vz/private/101@migrate-2")
	if len(tr.runs) != 1 || tr.runs[0] != "zfs recv -F tank/private/101" {
		t.Fatalf("Expected remote recv, got %v", tr.runs)
	}
	if tr.stdin[0] != "STREAM" {
		t.Errorf("Expected stream to reach recv, got %q", tr.stdin[0])
	}
	if res.Output["incremental"] != true {
		t.Errorf("Expected incremental transfer, got %v", res.Output)
	}
}

func TestStorageTransferSendFailure(t *testing.T) {
	runner := &fakeRunner{}
	sendErr := engine.NewCommandError("zfs send", 1, "dataset does not exist")
	runner.on("zfs send", "", sendErr)
	opts := testOptions(t, runner)
	h := NewStorage(opts)

	payload := TransferPayload{Dataset: "vz/private/101", DstDataset: "tank/private/101", Snapshot: "s", DstAddr: "192.0.2.2"}
	_, err := run(t, h, newJob(t, 101, "transfer", payload))
	if !errors.Is(err, sendErr) {
		t.Fatalf("Expected send error, got %v", err)
	}
}

func TestStorageTransferRecvFailure(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("zfs send", "STREAM", nil)
	opts := testOptions(t, runner)
	recvErr := engine.NewCommandError("zfs recv", 1, "destination exists")
	opts.Dialer.(*fakeDialer).transport.runErr = recvErr
	h := NewStorage(opts)

	payload := TransferPayload{Dataset: "vz/private/101", DstDataset: "tank/private/101", Snapshot: "s", DstAddr: "192.0.2.2"}
	_, err := run(t, h, newJob(t, 101, "transfer", payload))
	if !errors.Is(err, recvErr) {
		t.Fatalf("Expected recv error, got %v", err)
	}
}
