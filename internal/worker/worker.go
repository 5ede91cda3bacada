// Package worker resolves a single file number against the registry.
package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
	"github.com/JakeFAU/registry-harvester/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/registry-harvester/internal/worker")

// Worker runs the search-then-detail workflow for one item. It holds no
// per-item state and is safe to share between goroutines.
type Worker struct {
	registry harvest.Registry
	detector *harvest.BlockDetector
	logger   *zap.Logger
}

// New constructs a Worker.
func New(registry harvest.Registry, detector *harvest.BlockDetector, logger *zap.Logger) *Worker {
	if detector == nil {
		detector = harvest.NewBlockDetector(nil, nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		registry: registry,
		detector: detector,
		logger:   logger,
	}
}

// Process resolves item. The outcome is all-or-blocked: a block on any call
// discards the records gathered so far for this item.
func (w *Worker) Process(ctx context.Context, item harvest.WorkItem, credential harvest.SessionCredential) harvest.ItemOutcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := tracer.Start(ctx, "harvest.item", trace.WithAttributes(attribute.String("harvest.file_number", string(item))))
	defer span.End()
	outcome := w.process(ctx, item, credential)
	span.SetAttributes(
		attribute.String("harvest.outcome", string(outcome.Kind)),
		attribute.Int("harvest.records", len(outcome.Records)),
	)
	return outcome
}

func (w *Worker) process(ctx context.Context, item harvest.WorkItem, credential harvest.SessionCredential) harvest.ItemOutcome {
	logger := w.logger.With(zap.String("file_number", string(item)))

	resp, err := w.call(ctx, "search", func(ctx context.Context) (harvest.Response, error) {
		return w.registry.Search(ctx, item, credential)
	})
	if outcome, stop := w.verdict(ctx, logger, "search", resp, err); stop {
		return outcome
	}

	search, err := harvest.DecodeSearch(resp.Body)
	if err != nil {
		logger.Warn("search body malformed", zap.Error(err))
		return harvest.Failure(err.Error(), true)
	}
	if len(search.Rows) == 0 {
		logger.Info("search returned no rows")
		return harvest.Success(nil)
	}

	subIDs := make([]string, 0, len(search.Rows))
	for id := range search.Rows {
		subIDs = append(subIDs, id)
	}
	sort.Strings(subIDs)

	records := make([]harvest.CollectedRecord, 0, len(subIDs))
	for _, subID := range subIDs {
		detail, err := w.call(ctx, "detail", func(ctx context.Context) (harvest.Response, error) {
			return w.registry.Detail(ctx, subID, credential)
		})
		if outcome, stop := w.verdict(ctx, logger.With(zap.String("business_id", subID)), "detail", detail, err); stop {
			return outcome
		}
		records = append(records, harvest.CollectedRecord{
			WorkItem:       item,
			SubID:          subID,
			SearchFragment: search.Rows[subID],
			DetailFragment: append([]byte(nil), detail.Body...),
		})
	}

	logger.Debug("item resolved", zap.Int("records", len(records)))
	return harvest.Success(records)
}

func (w *Worker) call(
	ctx context.Context,
	name string,
	fn func(context.Context) (harvest.Response, error),
) (harvest.Response, error) {
	start := time.Now()
	resp, err := fn(ctx)
	metrics.ObserveRegistryDuration(name, time.Since(start))
	return resp, err
}

// verdict classifies a call and reports whether processing must stop.
func (w *Worker) verdict(
	ctx context.Context,
	logger *zap.Logger,
	call string,
	resp harvest.Response,
	err error,
) (harvest.ItemOutcome, bool) {
	if err != nil && ctx.Err() != nil {
		metrics.ObserveRegistryCall(call, "canceled")
		return harvest.Failure(fmt.Sprintf("%s canceled: %v", call, ctx.Err()), true), true
	}

	class := w.detector.Classify(resp, err)
	metrics.ObserveRegistryCall(call, class.String())

	switch class {
	case harvest.ClassOK:
		return harvest.ItemOutcome{}, false
	case harvest.ClassBlocked:
		reason := blockReason(call, resp, err)
		logger.Warn("registry blocked request", zap.String("call", call), zap.String("reason", reason))
		return harvest.Blocked(reason), true
	case harvest.ClassApplicationError:
		reason := fmt.Sprintf("%s application error (status %d): %s", call, resp.StatusCode, snippet(resp.Body))
		logger.Warn("registry returned application error", zap.String("call", call), zap.Int("status", resp.StatusCode))
		return harvest.Failure(reason, true), true
	default:
		logger.Warn("registry transport failure", zap.String("call", call), zap.Error(err))
		return harvest.Failure(fmt.Sprintf("%s transport failure: %v", call, err), true), true
	}
}

func blockReason(call string, resp harvest.Response, err error) string {
	if err != nil {
		return fmt.Sprintf("%s blocked: %v", call, err)
	}
	return fmt.Sprintf("%s blocked with status %d", call, resp.StatusCode)
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
