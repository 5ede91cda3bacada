// Package dispatcher fans a batch of file numbers out to a bounded worker pool.
package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
	"github.com/JakeFAU/registry-harvester/internal/metrics"
)

// Config bounds one batch.
type Config struct {
	MaxConcurrency int
	MaxBatchSize   int
}

// Dispatcher runs batches of entries through a Processor.
type Dispatcher struct {
	processor harvest.Processor
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher. Non-positive limits default to 5.
func New(processor harvest.Processor, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
}

type completion struct {
	index    int
	outcome  harvest.ItemOutcome
	canceled bool
}

// RunBatch processes the head of queue and returns every entry of queue in
// exactly one of Completed or Remaining. The first blocked outcome cancels
// in-flight work and returns without waiting for it.
func (d *Dispatcher) RunBatch(
	ctx context.Context,
	queue []harvest.QueueEntry,
	credential harvest.SessionCredential,
) harvest.BatchResult {
	size := min(d.cfg.MaxBatchSize, len(queue))
	active, tail := queue[:size], queue[size:]

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered to len(active) so abandoned goroutines never block on send.
	results := make(chan completion, len(active))
	done := make([]bool, len(active))
	var completed []harvest.Completion

	accept := func(c completion) {
		done[c.index] = true
		completed = append(completed, harvest.Completion{Entry: active[c.index], Outcome: c.outcome})
		metrics.ObserveItem(string(c.outcome.Kind))
	}

	next, inflight := 0, 0
	blocked, interrupted := false, false

loop:
	for {
		for next < len(active) && inflight < d.cfg.MaxConcurrency && batchCtx.Err() == nil {
			go d.process(batchCtx, next, active[next].Item, credential, results)
			next++
			inflight++
		}
		if inflight == 0 {
			break
		}

		select {
		case c := <-results:
			inflight--
			if c.canceled {
				continue
			}
			accept(c)
			if c.outcome.IsBlocked() {
				blocked = true
				d.logger.Warn("block detected, aborting batch",
					zap.String("file_number", string(active[c.index].Item)),
					zap.Int("in_flight", inflight),
					zap.String("reason", c.outcome.Reason),
				)
				break loop
			}
		case <-ctx.Done():
			interrupted = true
			d.logger.Warn("batch interrupted", zap.Int("in_flight", inflight), zap.Error(ctx.Err()))
			break loop
		}
	}

	if !blocked && ctx.Err() != nil {
		interrupted = true
	}
	if blocked || interrupted {
		cancel()
		d.drainDelivered(results, accept)
	}

	remaining := make([]harvest.QueueEntry, 0, len(queue)-len(completed))
	for i, entry := range active {
		if !done[i] {
			remaining = append(remaining, entry)
		}
	}
	remaining = append(remaining, tail...)

	switch {
	case blocked:
		metrics.ObserveBatch("blocked")
	case interrupted:
		metrics.ObserveBatch("interrupted")
	default:
		metrics.ObserveBatch("completed")
	}

	return harvest.BatchResult{
		Completed:   completed,
		Remaining:   remaining,
		Blocked:     blocked,
		Interrupted: interrupted && !blocked,
	}
}

// drainDelivered accepts completions that were already delivered when the
// batch stopped. A concurrent block is kept as blocked and a late success is kept.
func (d *Dispatcher) drainDelivered(results <-chan completion, accept func(completion)) {
	for {
		select {
		case c := <-results:
			if c.canceled {
				continue
			}
			if c.outcome.IsBlocked() {
				d.logger.Warn("concurrent block recorded")
			}
			accept(c)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(
	ctx context.Context,
	index int,
	item harvest.WorkItem,
	credential harvest.SessionCredential,
	results chan<- completion,
) {
	outcome := d.processor.Process(ctx, item, credential)
	// A failure observed after cancellation is an artifact of the abort,
	// not a verdict on the item.
	canceled := ctx.Err() != nil && outcome.Kind == harvest.OutcomeFailure
	results <- completion{index: index, outcome: outcome, canceled: canceled}
}
