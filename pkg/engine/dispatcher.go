package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DispatcherConfig configures the worker pool of one node.
type DispatcherConfig struct {
	// Node is the node whose transactions are claimed.
	Node int64

	// Threads is the maximum number of concurrent workers.
	Threads int

	// PollInterval is how often the store is checked without a wake-up.
	PollInterval time.Duration
}

// WorkerInfo describes a busy worker.
type WorkerInfo struct {
	ID      int64           `json:"id"`
	Type    TransactionType `json:"type"`
	Handler string          `json:"handler"`
	Step    string          `json:"step"`
	Start   int64           `json:"start"`
	Status  WorkerStatus    `json:"status"`
}

// DispatcherStatus is the worker table of a node.
type DispatcherStatus struct {
	Workers   map[string]WorkerInfo `json:"workers"`
	Threads   int                   `json:"threads"`
	StartTime int64                 `json:"start_time"`
	QueueSize int                   `json:"queue_size"`
}

// KillRequest selects workers to kill.
type KillRequest struct {
	All    bool
	Types  []TransactionType
	IDs    []int64
	Silent bool
}

// KillReport is the result of a kill.
type KillReport struct {
	Killed int               `json:"killed"`
	Msgs   map[string]string `json:"msgs"`
}

type worker struct {
	job     *Job
	handler string
	started time.Time
}

// Dispatcher claims ready transactions of one node and runs each on its own
// worker goroutine, bounded by Threads.
type Dispatcher struct {
	cfg      DispatcherConfig
	store    Store
	registry *Registry
	executor *Executor
	rollback *RollbackEngine
	recorder Recorder
	logger   zerolog.Logger

	mu        sync.Mutex
	workers   map[int64]*worker
	paused    bool
	startTime time.Time

	wakeCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	cfg DispatcherConfig,
	store Store,
	registry *Registry,
	executor *Executor,
	rollback *RollbackEngine,
	logger zerolog.Logger,
) *Dispatcher {
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		executor:  executor,
		rollback:  rollback,
		recorder:  nopRecorder{},
		logger:    logger.With().Str("component", "dispatcher").Int64("node", cfg.Node).Logger(),
		workers:   make(map[int64]*worker),
		startTime: time.Now(),
		wakeCh:    make(chan struct{}, 1),
	}
}

// SetRecorder sets the metrics recorder.
func (d *Dispatcher) SetRecorder(rec Recorder) {
	if rec != nil {
		d.recorder = rec
	}
}

// Wake makes the dispatcher check for work without waiting for the next poll.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done, then waits for running workers.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("threads", d.cfg.Threads).
		Dur("poll_interval", d.cfg.PollInterval).
		Msg("Dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Pass(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Dispatch pass failed")
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Int("busy", d.Busy()).Msg("Dispatcher stopping, waiting for workers")
			d.wg.Wait()
			return nil
		case <-d.wakeCh:
		case <-ticker.C:
		}
	}
}

// Pass fails blocked transactions and starts as many ready ones as there
// are free workers. It returns the number of started transactions.
func (d *Dispatcher) Pass(ctx context.Context) (int, error) {
	now := time.Now()

	blocked, err := d.store.FailBlocked(ctx, d.cfg.Node, now)
	if err != nil {
		return 0, fmt.Errorf("failed to fail blocked transactions: %w", err)
	}
	settled := make(map[string]bool)
	for _, tx := range blocked {
		d.logger.Info().
			Int64("id", tx.ID).
			Int64("depends_on", tx.DependsOn).
			Msg("Dependency failed")
		d.recorder.TransactionFinished(tx.Type, tx.State, 0)
		if tx.ChainID != "" && !settled[tx.ChainID] {
			settled[tx.ChainID] = true
			if err := d.rollback.Settle(ctx, tx.ChainID); err != nil {
				d.logger.Error().Err(err).Str("chain", tx.ChainID).Msg("Failed to settle chain")
			}
		}
	}

	started := 0
	for d.free() > 0 {
		tx, err := d.store.ClaimNext(ctx, d.cfg.Node, time.Now())
		if err != nil {
			return started, fmt.Errorf("failed to claim transaction: %w", err)
		}
		if tx == nil {
			break
		}
		d.start(ctx, tx)
		started++
	}

	if depth, err := d.store.QueueDepth(ctx, d.cfg.Node); err == nil {
		d.recorder.QueueDepth(d.cfg.Node, depth)
	}
	return started, nil
}

func (d *Dispatcher) free() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return 0
	}
	return d.cfg.Threads - len(d.workers)
}

func (d *Dispatcher) start(ctx context.Context, tx *Transaction) {
	job := NewJob(tx, "")
	w := &worker{job: job, started: time.Now()}
	if b, ok := d.registry.Lookup(tx.Type); ok {
		w.handler = b.Handler.Name()
		w.job.Entry = b.Exec
		if tx.IsCompensation() {
			w.job.Entry = b.Rollback
		}
	}

	d.mu.Lock()
	d.workers[tx.ID] = w
	busy := len(d.workers)
	d.mu.Unlock()
	d.recorder.WorkersBusy(busy)

	d.logger.Debug().
		Int64("id", tx.ID).
		Stringer("type", tx.Type).
		Bool("urgent", tx.Urgent).
		Int("priority", tx.Priority).
		Str("direction", string(tx.Direction)).
		Msg("Transaction claimed")

	// Workers outlive the dispatch context: a claimed transaction always
	// records its outcome.
	wctx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.executor.Execute(wctx, job); err != nil {
			d.logger.Error().Err(err).Int64("id", tx.ID).Msg("Failed to execute transaction")
		}

		d.mu.Lock()
		delete(d.workers, tx.ID)
		busy := len(d.workers)
		d.mu.Unlock()
		d.recorder.WorkersBusy(busy)
		d.Wake()
	}()
}

// Wait blocks until all running workers finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Busy returns the number of running workers.
func (d *Dispatcher) Busy() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Pause stops claiming new transactions. Running workers continue.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume reverts Pause.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.Wake()
}

// Drain stops claiming and silently kills every running worker. Queued
// transactions stay in the store for the next start.
func (d *Dispatcher) Drain() KillReport {
	d.Pause()
	return d.Kill(KillRequest{All: true, Silent: true})
}

// Status returns the worker table and queue size of the node.
func (d *Dispatcher) Status(ctx context.Context) (*DispatcherStatus, error) {
	depth, err := d.store.QueueDepth(ctx, d.cfg.Node)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue depth: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st := &DispatcherStatus{
		Workers:   make(map[string]WorkerInfo, len(d.workers)),
		Threads:   d.cfg.Threads,
		StartTime: d.startTime.Unix(),
		QueueSize: depth - len(d.workers),
	}
	if st.QueueSize < 0 {
		st.QueueSize = 0
	}

	for id, w := range d.workers {
		status := WorkerBusy
		if w.job.Killed() {
			status = WorkerKilled
		}
		st.Workers[strconv.FormatInt(id, 10)] = WorkerInfo{
			ID:      id,
			Type:    w.job.Tx.Type,
			Handler: w.handler + "." + w.job.Entry,
			Step:    w.job.Step(),
			Start:   w.started.Unix(),
			Status:  status,
		}
	}
	return st, nil
}

// Kill marks the selected workers as killed. The handler keeps running
// until its current operation returns.
func (d *Dispatcher) Kill(req KillRequest) KillReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := KillReport{Msgs: make(map[string]string)}
	kill := func(w *worker) {
		w.job.Kill(req.Silent)
		report.Killed++
		d.logger.Warn().
			Int64("id", w.job.Tx.ID).
			Bool("silent", req.Silent).
			Msg("Transaction killed")
	}

	if req.All {
		ids := make([]int64, 0, len(d.workers))
		for id := range d.workers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			kill(d.workers[id])
		}
		return report
	}

	for _, t := range req.Types {
		found := false
		for _, w := range d.workers {
			if w.job.Tx.Type == t {
				kill(w)
				found = true
			}
		}
		if !found {
			report.Msgs[t.String()] = "No transaction with this type"
		}
	}

	for _, id := range req.IDs {
		w, ok := d.workers[id]
		if !ok {
			report.Msgs[strconv.FormatInt(id, 10)] = "No such transaction"
			continue
		}
		kill(w)
	}
	return report
}
