// Package router pushes fixes through the three delivery paths with
// automatic fallback: interactive when the peer is reachable and the
// throttle permits, batched low-priority otherwise, and a guaranteed
// file-style path when an interactive attempt fails outright.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fixrelay/fixrelay/pkg/cadence"
	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/retry"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

// Config holds delivery router configuration
type Config struct {
	BatchFlushCount            int           `json:"batch_flush_count"`
	BatchFlushInterval         time.Duration `json:"batch_flush_interval"`
	FlushRetry                 retry.Config  `json:"flush_retry"`
	FileRetry                  retry.Config  `json:"file_retry"`
	MinInteractiveSpacing      time.Duration `json:"min_interactive_spacing"`
	InteractiveAccuracyBypassM float64       `json:"interactive_accuracy_bypass_m"`
}

// DefaultConfig returns default router configuration
func DefaultConfig() Config {
	return Config{
		BatchFlushCount:    60,
		BatchFlushInterval: 60 * time.Second,
		FlushRetry: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2.0,
		},
		FileRetry: retry.Config{
			MaxAttempts:   2,
			InitialDelay:  1 * time.Second,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2.0,
		},
		MinInteractiveSpacing:      2 * time.Second,
		InteractiveAccuracyBypassM: 10,
	}
}

// Outcome reports which path accepted a fix
type Outcome struct {
	Path   transport.Path `json:"path"`
	Queued bool           `json:"queued"`
}

// Observer is notified about every delivery outcome
type Observer interface {
	OnFixDelivered(f fix.Fix, path transport.Path)
	OnDeliveryError(err error)
}

// Router owns the pending batch and the transfer table. Publish, Tick and
// Flush must be called from a single owner (the producer engine); file
// transfer completions run on their own goroutines and touch only the
// mutex-guarded transfer table.
type Router struct {
	link        transport.Link
	logger      *logx.Logger
	config      Config
	throttle    *cadence.InteractiveThrottle
	flushRunner *retry.Runner
	fileRunner  *retry.Runner
	observer    Observer
	now         func() time.Time

	pending       []fix.Fix
	oldestPending time.Time

	transfersMu sync.Mutex
	transfers   map[string][]byte
	failed      []fix.Fix
	transferWG  sync.WaitGroup
}

// New creates a delivery router on the given link
func New(link transport.Link, config Config, logger *logx.Logger) *Router {
	r := &Router{
		link:        link,
		logger:      logger,
		config:      config,
		throttle:    cadence.NewInteractiveThrottle(config.MinInteractiveSpacing, config.InteractiveAccuracyBypassM),
		flushRunner: retry.NewRunner(config.FlushRetry),
		fileRunner:  retry.NewRunner(config.FileRetry),
		now:         time.Now,
		transfers:   make(map[string][]byte),
	}
	return r
}

// SetObserver registers the delivery observer
func (r *Router) SetObserver(o Observer) {
	r.observer = o
}

// Publish delivers a fix through the best available path
func (r *Router) Publish(ctx context.Context, f fix.Fix) Outcome {
	now := r.now()

	if r.link.Reachable() && r.throttle.Allow(now, f.HorizontalAccuracy) {
		data, err := transport.EncodeFix(f)
		if err != nil {
			r.notifyError(NewError(ErrKindEncodingFailed, err))
			return Outcome{}
		}
		if err := r.link.SendFix(data); err != nil {
			// The immediate attempt failed at the transport level, not
			// merely "peer unreachable": hand off to the guaranteed path.
			r.notifyError(NewError(ErrKindInteractiveSendFailed, err))
			return r.publishFile(ctx, f, data)
		}
		r.throttle.MarkSent(now, f.HorizontalAccuracy)
		r.notifyDelivered(f, transport.PathInteractive)
		return Outcome{Path: transport.PathInteractive}
	}

	return r.enqueue(ctx, f, now)
}

// enqueue buffers a fix on the batched low-priority path and flushes when
// the count threshold is reached or the oldest buffered fix has aged past
// the flush interval
func (r *Router) enqueue(ctx context.Context, f fix.Fix, now time.Time) Outcome {
	if len(r.pending) == 0 {
		r.oldestPending = now
	}
	r.pending = append(r.pending, f)

	if len(r.pending) >= r.config.BatchFlushCount || now.Sub(r.oldestPending) >= r.config.BatchFlushInterval {
		if err := r.Flush(ctx); err != nil {
			r.logger.Warn("batch flush failed, batch retained", "pending", len(r.pending), "error", err.Error())
		}
	}
	return Outcome{Path: transport.PathBatch, Queued: true}
}

// Tick drives the age-based flush condition and re-enqueues exhausted file
// transfers; the producer calls it from a periodic timer
func (r *Router) Tick(ctx context.Context) {
	r.requeueFailed()
	if len(r.pending) == 0 {
		return
	}
	if r.now().Sub(r.oldestPending) < r.config.BatchFlushInterval {
		return
	}
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("periodic batch flush failed, batch retained", "pending", len(r.pending), "error", err.Error())
	}
}

// Flush transfers all buffered fixes as a single encoded array. A failed
// transfer keeps the buffer intact; the batch is never silently dropped.
func (r *Router) Flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}

	data, err := transport.EncodeBatch(r.pending)
	if err != nil {
		wrapped := NewError(ErrKindEncodingFailed, err)
		r.notifyError(wrapped)
		return wrapped
	}

	err = r.flushRunner.Do(ctx, func(ctx context.Context) error {
		return r.link.SendBatch(data)
	})
	if err != nil {
		wrapped := NewError(ErrKindTransferFailed, err)
		r.notifyError(wrapped)
		return wrapped
	}

	flushed := r.pending
	r.pending = nil
	r.oldestPending = time.Time{}
	r.logger.Debug("batch flushed", "count", len(flushed))
	for _, f := range flushed {
		r.notifyDelivered(f, transport.PathBatch)
	}
	return nil
}

// PendingCount returns the number of fixes awaiting batch transfer
func (r *Router) PendingCount() int {
	return len(r.pending)
}

// publishFile writes the fix to the transient store and hands it to the
// transfer primitive. The store entry is deleted exactly once: on transfer
// success, or when the retries are exhausted and the fix moves to the
// batched path.
func (r *Router) publishFile(ctx context.Context, f fix.Fix, data []byte) Outcome {
	handle := fmt.Sprintf("%s-%d", f.DeviceID, f.Sequence)

	r.transfersMu.Lock()
	r.transfers[handle] = data
	r.transfersMu.Unlock()

	r.transferWG.Add(1)
	go func() {
		defer r.transferWG.Done()
		err := r.fileRunner.Do(ctx, func(ctx context.Context) error {
			return r.link.SendFile(handle, data)
		})
		if err != nil {
			r.notifyError(NewError(ErrKindTransferFailed, err))
			r.abandonTransfer(handle, f)
			return
		}
		r.completeTransfer(handle)
		r.notifyDelivered(f, transport.PathFile)
	}()

	return Outcome{Path: transport.PathFile, Queued: true}
}

// completeTransfer removes the transient store entry for a finished transfer
func (r *Router) completeTransfer(handle string) {
	r.transfersMu.Lock()
	defer r.transfersMu.Unlock()
	delete(r.transfers, handle)
}

// abandonTransfer releases the transient store entry for an exhausted
// transfer and parks the fix for re-enqueue on the batched path, so the
// table stays bounded under persistent transport failure
func (r *Router) abandonTransfer(handle string, f fix.Fix) {
	r.transfersMu.Lock()
	defer r.transfersMu.Unlock()
	delete(r.transfers, handle)
	r.failed = append(r.failed, f)
}

// requeueFailed moves exhausted file transfers into the pending batch; must
// run on the owner goroutine since it touches the pending buffer
func (r *Router) requeueFailed() {
	r.transfersMu.Lock()
	parked := r.failed
	r.failed = nil
	r.transfersMu.Unlock()

	if len(parked) == 0 {
		return
	}
	if len(r.pending) == 0 {
		r.oldestPending = r.now()
	}
	r.pending = append(r.pending, parked...)
	r.logger.Debug("requeued exhausted transfers for batch delivery", "count", len(parked))
}

// PendingTransfers returns the number of in-flight file transfers
func (r *Router) PendingTransfers() int {
	r.transfersMu.Lock()
	defer r.transfersMu.Unlock()
	return len(r.transfers)
}

// Drain waits for in-flight file transfers, then flushes the batch buffer
// including anything those transfers abandoned; called on producer stop
func (r *Router) Drain(ctx context.Context) {
	r.transferWG.Wait()
	r.requeueFailed()
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("final batch flush failed", "pending", len(r.pending), "error", err.Error())
	}
}

func (r *Router) notifyDelivered(f fix.Fix, path transport.Path) {
	if r.observer != nil {
		r.observer.OnFixDelivered(f, path)
	}
}

func (r *Router) notifyError(err error) {
	if r.observer != nil {
		r.observer.OnDeliveryError(err)
	}
}
