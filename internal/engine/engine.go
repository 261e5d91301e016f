// Package engine drives deals through their lifecycle: it watches escrow
// deposits, sets and clears locks, builds settlement plans and hands the
// resulting queue items to the queue processor. One engine instance is one
// worker; instances coordinate through per-deal leases so several workers
// can share a database without stepping on each other.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/config"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/queue"
	"github.com/crossdeal-exchange/crossdeal/internal/storage"
	"github.com/crossdeal-exchange/crossdeal/pkg/logging"
)

// NotifyFunc receives deal events as the engine emits them. Used by the RPC
// layer to push updates to websocket subscribers.
type NotifyFunc func(dealID string, kind deal.EventKind, message string)

// Engine is one settlement worker.
type Engine struct {
	cfg      *config.Config
	store    *storage.Storage
	adapters *adapter.Set
	queue    *queue.Processor
	workerID string
	log      *logging.Logger

	notify NotifyFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine around an open storage and adapter set.
func New(cfg *config.Config, store *storage.Storage, adapters *adapter.Set, log *logging.Logger) *Engine {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		adapters: adapters,
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		log:      log.Component("engine"),
	}
	e.queue = queue.New(store, adapters, cfg.Engine.SourceParallelism, log)
	return e
}

// WorkerID returns this instance's lease owner id.
func (e *Engine) WorkerID() string { return e.workerID }

// SetNotifier registers a callback for engine-emitted deal events. Must be
// called before Start.
func (e *Engine) SetNotifier(fn NotifyFunc) { e.notify = fn }

// Start releases leases left over from a previous run of this worker,
// reconciles interrupted submissions and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	if err := e.recoverStartup(ctx); err != nil {
		e.cancel()
		close(e.done)
		return err
	}

	go e.run(ctx)
	e.log.Info("Engine started", "worker", e.workerID, "tick", e.tickInterval())
	return nil
}

// Stop cancels the tick loop and waits for the current pass to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.log.Info("Engine stopped", "worker", e.workerID)
}

func (e *Engine) tickInterval() time.Duration {
	return time.Duration(e.cfg.Engine.TickSeconds) * time.Second
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.tickInterval())
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one scheduler pass: pick up due deals, lease each one and move
// it forward. A failure on one deal never blocks the others.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now()
	due, err := e.store.DueDeals(now, e.cfg.Engine.BatchSize)
	if err != nil {
		e.log.Error("Due deal scan failed", "err", err)
		return
	}

	for _, dealID := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.withLease(ctx, dealID, func(d *deal.Deal) error {
			return e.processDeal(ctx, d)
		}); err != nil {
			e.log.Error("Deal processing failed", "deal", dealID, "err", err)
		}
	}
}

// withLease runs fn on the deal while holding its lease. Reports false
// without running fn when another worker holds the lease. The lease is
// extended in the background while fn runs.
func (e *Engine) withLease(ctx context.Context, dealID string, fn func(*deal.Deal) error) (bool, error) {
	leaseFor := time.Duration(e.cfg.Engine.LeaseSeconds) * time.Second
	ok, err := e.store.AcquireLease(dealID, e.workerID, time.Now().Add(leaseFor))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return false, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.keepLease(dealID, leaseFor, stop)
	}()

	ferr := func() error {
		d, err := e.store.GetDeal(dealID)
		if err != nil {
			return err
		}
		if d.Halted() {
			return nil
		}
		return fn(d)
	}()

	close(stop)
	wg.Wait()

	if err := e.store.ReleaseLease(dealID, e.workerID); err != nil {
		e.log.Warn("Lease release failed", "deal", dealID, "err", err)
	}
	return true, ferr
}

// keepLease pushes the lease forward while processing outlasts the extend
// threshold. A lost lease is logged; the storage layer rejects writes only
// through its own invariants, so the worst case is duplicated read work.
func (e *Engine) keepLease(dealID string, leaseFor time.Duration, stop <-chan struct{}) {
	extendAfter := time.Duration(e.cfg.Engine.LeaseExtendAfterSeconds) * time.Second
	if extendAfter <= 0 || extendAfter >= leaseFor {
		extendAfter = leaseFor / 2
	}
	ticker := time.NewTicker(extendAfter)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := e.store.ExtendLease(dealID, e.workerID, time.Now().Add(leaseFor))
			if err != nil {
				e.log.Warn("Lease extension failed", "deal", dealID, "err", err)
			} else if !ok {
				e.log.Warn("Lease lost while processing", "deal", dealID)
			}
		}
	}
}

// recoverStartup clears this worker's stale leases and settles queue items
// an earlier run left mid-submission. Reconciliation happens per deal under
// a fresh lease: another live worker may already be driving the deal.
func (e *Engine) recoverStartup(ctx context.Context) error {
	if err := e.store.ReleaseOwnerLeases(e.workerID); err != nil {
		return fmt.Errorf("release own leases: %w", err)
	}

	inflight, err := e.store.InFlightItems()
	if err != nil {
		return fmt.Errorf("scan in-flight items: %w", err)
	}

	byDeal := make(map[string][]*deal.QueueItem)
	var order []string
	for _, item := range inflight {
		if item.Status != deal.StatusSubmitting {
			continue
		}
		if _, ok := byDeal[item.DealID]; !ok {
			order = append(order, item.DealID)
		}
		byDeal[item.DealID] = append(byDeal[item.DealID], item)
	}

	for _, dealID := range order {
		items := byDeal[dealID]
		e.log.Info("Reconciling interrupted submissions", "deal", dealID, "items", len(items))
		if _, err := e.withLease(ctx, dealID, func(*deal.Deal) error {
			return e.queue.Reconcile(ctx, items)
		}); err != nil {
			e.log.Error("Startup reconciliation failed", "deal", dealID, "err", err)
		}
	}
	return nil
}

// processDeal advances one leased deal a single step.
func (e *Engine) processDeal(ctx context.Context, d *deal.Deal) error {
	switch d.Stage {
	case deal.StageCollection:
		return e.processCollection(ctx, d)
	case deal.StageWaiting:
		return e.processWaiting(ctx, d)
	case deal.StageSwap:
		if err := e.queue.ProcessDeal(ctx, d); err != nil {
			return err
		}
		return e.maybeCloseSwap(d)
	case deal.StageReverted:
		if err := e.queue.ProcessDeal(ctx, d); err != nil {
			return err
		}
		return e.maybeCloseReverted(d)
	case deal.StageClosed:
		if err := e.queue.ProcessDeal(ctx, d); err != nil {
			return err
		}
		return e.watchClosed(ctx, d)
	}
	return nil
}

// halt parks the deal for operator inspection. Nothing moves afterwards.
func (e *Engine) halt(d *deal.Deal, reason string) error {
	e.log.Error("Deal halted", "deal", d.ID, "reason", reason)
	if err := e.store.HaltDeal(d.ID, reason); err != nil {
		return err
	}
	e.emit(d.ID, deal.EventDealHalted, reason)
	return nil
}

// event appends a deal event and forwards it to the notifier.
func (e *Engine) event(dealID string, kind deal.EventKind, message string) {
	if err := e.store.AppendEvent(dealID, kind, message, nil); err != nil {
		e.log.Warn("Event append failed", "deal", dealID, "kind", kind, "err", err)
		return
	}
	e.emit(dealID, kind, message)
}

// emit forwards an already-persisted event to the notifier.
func (e *Engine) emit(dealID string, kind deal.EventKind, message string) {
	if e.notify != nil {
		e.notify(dealID, kind, message)
	}
}
