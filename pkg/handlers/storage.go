package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// DatasetPayload is the payload of storage.create_dataset and
// storage.destroy_dataset. Name is the full dataset path including the pool.
type DatasetPayload struct {
	Name       string            `json:"name" validate:"required"`
	Properties map[string]string `json:"properties,omitempty"`
}

// SetDatasetPayload is the payload of storage.set_dataset.
type SetDatasetPayload struct {
	Name       string            `json:"name" validate:"required"`
	Properties map[string]string `json:"properties" validate:"required,min=1"`

	// Original holds the values replaced by set_dataset. Properties
	// missing here are inherited on reset.
	Original map[string]string `json:"original,omitempty"`
}

// SnapshotPayload is the payload of storage.snapshot and
// storage.destroy_snapshot.
type SnapshotPayload struct {
	Dataset  string `json:"dataset" validate:"required"`
	Snapshot string `json:"snapshot" validate:"required"`
}

// TransferPayload is the payload of storage.transfer.
type TransferPayload struct {
	Dataset    string `json:"dataset" validate:"required"`
	DstDataset string `json:"dst_dataset" validate:"required"`
	Snapshot   string `json:"snapshot" validate:"required"`

	// FromSnapshot makes the stream incremental.
	FromSnapshot string `json:"from_snapshot,omitempty"`

	DstAddr string `json:"dst_addr" validate:"required"`
}

// Storage manages ZFS datasets and streams them between nodes.
type Storage struct {
	base
	opts Options
}

// NewStorage creates the storage handler.
func NewStorage(opts Options) *Storage {
	opts.setDefaults()
	h := &Storage{base: newBase("storage"), opts: opts}

	h.handle("create_dataset", h.createDataset, func() interface{} { return &DatasetPayload{} })
	h.handle("destroy_dataset", h.destroyDataset, func() interface{} { return &DatasetPayload{} })
	h.handle("set_dataset", h.setDataset, func() interface{} { return &SetDatasetPayload{} })
	h.handle("reset_dataset", h.resetDataset, func() interface{} { return &SetDatasetPayload{} })
	h.handle("snapshot", h.snapshot, func() interface{} { return &SnapshotPayload{} })
	h.handle("destroy_snapshot", h.destroySnapshot, func() interface{} { return &SnapshotPayload{} })
	h.handle("transfer", h.transfer, func() interface{} { return &TransferPayload{} })
	return h
}

func (h *Storage) zfs(ctx context.Context, args ...string) (*Output, error) {
	return h.opts.Runner.Run(ctx, Command{Name: h.opts.Bins.ZFS, Args: args})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *Storage) createDataset(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p DatasetPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	args := []string{"create", "-p"}
	for _, k := range sortedKeys(p.Properties) {
		args = append(args, "-o", k+"="+p.Properties[k])
	}
	args = append(args, p.Name)

	if _, err := h.zfs(ctx, args...); err != nil {
		return nil, err
	}
	return engine.OK(map[string]interface{}{"dataset": p.Name}), nil
}

func (h *Storage) destroyDataset(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p DatasetPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if _, err := h.zfs(ctx, "destroy", "-r", p.Name); err != nil {
		return nil, err
	}
	return engine.OK(nil), nil
}

func (h *Storage) setDataset(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p SetDatasetPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(p.Properties) {
		if _, err := h.zfs(ctx, "set", k+"="+p.Properties[k], p.Name); err != nil {
			return nil, err
		}
	}
	return engine.OK(nil), nil
}

func (h *Storage) resetDataset(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p SetDatasetPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(p.Properties) {
		var err error
		if orig, ok := p.Original[k]; ok {
			_, err = h.zfs(ctx, "set", k+"="+orig, p.Name)
		} else {
			_, err = h.zfs(ctx, "inherit", k, p.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	return engine.OK(nil), nil
}

func (h *Storage) snapshot(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p SnapshotPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	name := p.Dataset + "@" + p.Snapshot
	if _, err := h.zfs(ctx, "snapshot", name); err != nil {
		return nil, err
	}
	return engine.OK(map[string]interface{}{"snapshot": name}), nil
}

func (h *Storage) destroySnapshot(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p SnapshotPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if _, err := h.zfs(ctx, "destroy", p.Dataset+"@"+p.Snapshot); err != nil {
		return nil, err
	}
	return engine.OK(nil), nil
}

// transfer streams `zfs send` into `zfs recv` on the destination node.
func (h *Storage) transfer(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	var p TransferPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	job.SetStep("connect " + p.DstAddr)
	remote, err := h.opts.Dialer.Dial(ctx, p.DstAddr)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	send := []string{"send"}
	if p.FromSnapshot != "" {
		send = append(send, "-I", "@"+p.FromSnapshot)
	}
	send = append(send, p.Dataset+"@"+p.Snapshot)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	sendDone := make(chan error, 1)
	go func() {
		_, err := h.opts.Runner.Run(ctx, Command{Name: h.opts.Bins.ZFS, Args: send, Stdout: pw})
		pw.CloseWithError(err)
		sendDone <- err
	}()

	job.SetStep("transfer " + p.Snapshot)
	recv := fmt.Sprintf("%s recv -F %s", h.opts.Bins.ZFS, p.DstDataset)
	_, recvErr := remote.Run(ctx, recv, pr)
	if recvErr != nil {
		// unblocks a sender still writing into the pipe
		pr.CloseWithError(recvErr)
		cancel()
	}
	sendErr := <-sendDone

	// a sender killed by the cancel above exits with -1
	var ce *engine.CommandError
	switch {
	case errors.As(sendErr, &ce) && ce.ExitStatus > 0:
		return nil, sendErr
	case recvErr != nil:
		return nil, recvErr
	case sendErr != nil:
		return nil, sendErr
	}

	out := map[string]interface{}{
		"dataset":     p.Dataset,
		"dst_dataset": p.DstDataset,
		"snapshot":    p.Snapshot,
	}
	if p.FromSnapshot != "" {
		out["incremental"] = true
	}
	return engine.OK(out), nil
}
