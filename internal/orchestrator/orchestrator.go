// Package orchestrator drives one harvesting run from credential acquisition
// to a persisted report, handing unfinished work to the next run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/dispatcher"
	"github.com/JakeFAU/registry-harvester/internal/harvest"
	"github.com/JakeFAU/registry-harvester/internal/metrics"
)

// EventRunFinished is the notification published when a run ends.
const EventRunFinished = "run.finished"

// State names a phase of the run.
type State string

// Run states.
const (
	StateIdle        State = "idle"
	StateBootstrap   State = "bootstrapping"
	StateAcquiring   State = "acquiring_credential"
	StateBatchLoop   State = "batch_loop"
	StateBlockedExit State = "blocked_exit"
	StateDrainedExit State = "drained_exit"
	StateFailed      State = "failed"
)

// Config is fixed for the lifetime of an Orchestrator.
type Config struct {
	MaxConcurrency int
	MaxBatchSize   int
	Pacing         time.Duration
	BatchNumber    int
	Topic          string
}

const tracerName = "github.com/JakeFAU/registry-harvester/internal/orchestrator"

// Dependencies are the collaborators of a run. Recorder, Publisher, Pauser
// and Tracer are optional.
type Dependencies struct {
	Credentials harvest.CredentialProvider
	Processor   harvest.Processor
	Checkpoints harvest.CheckpointStore
	Recorder    harvest.RunRecorder
	Publisher   harvest.Publisher
	Clock       harvest.Clock
	IDs         harvest.IDGenerator
	Pauser      harvest.Pauser
	Tracer      trace.Tracer
}

// Status is a point-in-time view of the run for the status server.
type Status struct {
	RunID       string    `json:"run_id,omitempty"`
	State       State     `json:"state"`
	BatchNumber int       `json:"batch_number"`
	Batches     int       `json:"batches"`
	Total       int       `json:"total_requested"`
	Processed   int       `json:"processed"`
	Queued      int       `json:"queued"`
	Successful  int       `json:"successful"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// RunFinished is the notification payload published when a run ends.
type RunFinished struct {
	Event   string             `json:"event"`
	Summary harvest.RunSummary `json:"summary"`
}

// Attributes are attached to the published message for subscription filters.
func (r RunFinished) Attributes() map[string]string {
	return map[string]string{
		"event":   r.Event,
		"run_id":  r.Summary.RunID,
		"handoff": strconv.FormatBool(r.Summary.Blocked || r.Summary.Interrupted),
	}
}

// Orchestrator runs the batch loop over a single acquired credential.
type Orchestrator struct {
	cfg        Config
	deps       Dependencies
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	mu     sync.RWMutex
	status Status
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errors.New("credential provider is required")
	case deps.Processor == nil:
		return nil, errors.New("processor is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("checkpoint store is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Pauser == nil {
		deps.Pauser = harvest.TimerPauser{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.BatchNumber <= 0 {
		cfg.BatchNumber = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("orchestrator")
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		dispatcher: dispatcher.New(deps.Processor, dispatcher.Config{
			MaxConcurrency: cfg.MaxConcurrency,
			MaxBatchSize:   cfg.MaxBatchSize,
		}, logger),
		logger: logger,
		status: Status{State: StateIdle, BatchNumber: cfg.BatchNumber},
	}, nil
}

// Status returns a snapshot of the current run.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Run resolves items and persists the outcome. The returned error is non-nil
// for a credential failure, in which case no report exists, or for a
// checkpoint failure, in which case the report is still returned.
func (o *Orchestrator) Run(ctx context.Context, items []harvest.WorkItem) (harvest.RunReport, error) {
	startedAt := o.deps.Clock.Now()
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return harvest.RunReport{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := o.logger.With(zap.String("run_id", runID), zap.Int("batch_number", o.cfg.BatchNumber))
	ctx, span := o.deps.Tracer.Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("harvest.run_id", runID),
		attribute.Int("harvest.batch_number", o.cfg.BatchNumber),
		attribute.Int("harvest.items", len(items)),
	))
	defer span.End()

	o.update(func(s *Status) {
		*s = Status{
			RunID:       runID,
			State:       StateBootstrap,
			BatchNumber: o.cfg.BatchNumber,
			Total:       len(items),
			Queued:      len(items),
			StartedAt:   startedAt,
		}
	})
	if len(items) == 0 {
		o.setState(StateFailed)
		span.SetStatus(codes.Error, harvest.ErrNoInput.Error())
		return harvest.RunReport{}, harvest.ErrNoInput
	}
	queue := harvest.NewQueue(items)

	o.setState(StateAcquiring)
	credential, err := o.deps.Credentials.Acquire(ctx)
	if err != nil {
		metrics.ObserveCredential("failure")
		o.setState(StateFailed)
		logger.Error("credential acquisition failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential unavailable")
		if !errors.Is(err, harvest.ErrCredentialUnavailable) {
			err = fmt.Errorf("%w: %w", harvest.ErrCredentialUnavailable, err)
		}
		return harvest.RunReport{}, err
	}
	metrics.ObserveCredential("success")
	logger.Info("credential acquired", zap.Int("cookies", len(credential.Cookies())))

	o.setState(StateBatchLoop)
	results := make([]harvest.ItemResult, 0, len(queue))
	seen := make(map[int]struct{}, len(queue))
	var blocked, interrupted bool

	for batch := 1; ; batch++ {
		logger.Info("starting batch", zap.Int("batch", batch), zap.Int("queued", len(queue)))
		batchCtx, batchSpan := o.deps.Tracer.Start(ctx, "harvest.batch", trace.WithAttributes(
			attribute.Int("harvest.batch", batch),
			attribute.Int("harvest.queued", len(queue)),
		))
		res := o.dispatcher.RunBatch(batchCtx, queue, credential)
		batchSpan.SetAttributes(
			attribute.Int("harvest.completed", len(res.Completed)),
			attribute.Int("harvest.remaining", len(res.Remaining)),
			attribute.Bool("harvest.blocked", res.Blocked),
		)
		batchSpan.End()

		for _, c := range res.Completed {
			if _, dup := seen[c.Entry.Seq]; dup {
				continue
			}
			seen[c.Entry.Seq] = struct{}{}
			results = append(results, harvest.ItemResult{
				Seq:      c.Entry.Seq,
				WorkItem: c.Entry.Item,
				Outcome:  c.Outcome,
			})
		}
		queue = res.Remaining
		o.update(func(s *Status) {
			s.Batches = batch
			s.Processed = len(results)
			s.Queued = len(queue)
			s.Successful = countSuccessful(results)
		})

		if res.Blocked || res.Interrupted {
			blocked, interrupted = res.Blocked, res.Interrupted
			logger.Warn("batch stopped early, handing off remaining work",
				zap.Int("batch", batch),
				zap.Bool("blocked", blocked),
				zap.Bool("interrupted", interrupted),
				zap.Int("remaining", len(queue)),
			)
			break
		}
		if len(queue) == 0 {
			break
		}

		pauseStart := time.Now()
		o.deps.Pauser.Pause(ctx, o.cfg.Pacing)
		metrics.ObservePacingDelay(time.Since(pauseStart))
		if ctx.Err() != nil {
			interrupted = true
			logger.Warn("run interrupted between batches", zap.Int("remaining", len(queue)))
			break
		}
	}

	report := o.buildReport(runID, startedAt, len(items), results, queue, blocked, interrupted)
	span.SetAttributes(
		attribute.Int("harvest.successful", report.Successful),
		attribute.Int("harvest.remaining", len(report.Remaining)),
		attribute.Bool("harvest.handoff", report.Blocked || report.Interrupted),
	)
	report, err = o.finish(ctx, report, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
	}
	return report, err
}

func (o *Orchestrator) buildReport(
	runID string,
	startedAt time.Time,
	total int,
	results []harvest.ItemResult,
	queue []harvest.QueueEntry,
	blocked, interrupted bool,
) harvest.RunReport {
	report := harvest.RunReport{
		RunID:          runID,
		BatchNumber:    o.cfg.BatchNumber,
		TotalRequested: total,
		Processed:      len(results),
		Remaining:      harvest.Items(queue),
		Blocked:        blocked,
		Interrupted:    interrupted && !blocked,
		StartedAt:      startedAt,
		FinishedAt:     o.deps.Clock.Now(),
		Results:        results,
	}
	for _, r := range results {
		if r.Outcome.IsSuccess() {
			report.Successful++
			report.RecordsFound += len(r.Outcome.Records)
		} else {
			report.Failed++
		}
	}
	return report
}

// finish persists the report, plus a manifest on a blocked or interrupted
// exit, then records and announces the run.
func (o *Orchestrator) finish(ctx context.Context, report harvest.RunReport, logger *zap.Logger) (harvest.RunReport, error) {
	// Persistence must outlive an interrupt of the run context.
	persistCtx := context.WithoutCancel(ctx)

	handoff := report.Blocked || report.Interrupted
	if handoff {
		o.setState(StateBlockedExit)
	} else {
		o.setState(StateDrainedExit)
	}

	reportLoc, err := o.deps.Checkpoints.Persist(persistCtx, report)
	if err != nil {
		logger.Error("persist report failed", zap.Error(err))
		return report, fmt.Errorf("persist report: %w", err)
	}
	logger.Info("report persisted", zap.String("location", reportLoc))

	var manifestLoc string
	if handoff {
		manifest := harvest.ResumeManifest{
			RunID:          report.RunID,
			RemainingItems: report.Remaining,
			BlockedItems:   blockedItems(report.Results),
			BatchNumber:    report.BatchNumber,
			CreatedAt:      report.FinishedAt,
		}
		manifestLoc, err = o.deps.Checkpoints.PersistManifest(persistCtx, manifest)
		if err != nil {
			logger.Error("persist manifest failed", zap.Error(err))
			return report, fmt.Errorf("persist manifest: %w", err)
		}
		logger.Info("resume manifest persisted",
			zap.String("location", manifestLoc),
			zap.Int("remaining", len(manifest.RemainingItems)),
			zap.Int("next_batch_number", manifest.NextBatchNumber()),
		)
	}

	summary := harvest.RunSummary{
		RunID:            report.RunID,
		BatchNumber:      report.BatchNumber,
		TotalRequested:   report.TotalRequested,
		Processed:        report.Processed,
		Remaining:        len(report.Remaining),
		Successful:       report.Successful,
		Blocked:          report.Blocked,
		Interrupted:      report.Interrupted,
		ReportLocation:   reportLoc,
		ManifestLocation: manifestLoc,
		FinishedAt:       report.FinishedAt,
	}
	// Recording and notification are best effort: the checkpoint is the hand-off.
	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.RecordRun(persistCtx, summary); err != nil {
			logger.Warn("record run failed", zap.Error(err))
		}
	}
	if o.deps.Publisher != nil && o.cfg.Topic != "" {
		payload := RunFinished{Event: EventRunFinished, Summary: summary}
		if msgID, err := o.deps.Publisher.Publish(persistCtx, o.cfg.Topic, payload); err != nil {
			logger.Warn("publish run notification failed", zap.Error(err))
		} else {
			logger.Debug("run notification published", zap.String("message_id", msgID))
		}
	}

	logger.Info("run finished",
		zap.Int("processed", report.Processed),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Int("records", report.RecordsFound),
		zap.Int("remaining", len(report.Remaining)),
		zap.Bool("blocked", report.Blocked),
	)
	return report, nil
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.status)
	o.status.UpdatedAt = time.Now()
}

func (o *Orchestrator) setState(state State) {
	o.update(func(s *Status) { s.State = state })
}

func countSuccessful(results []harvest.ItemResult) int {
	n := 0
	for _, r := range results {
		if r.Outcome.IsSuccess() {
			n++
		}
	}
	return n
}

func blockedItems(results []harvest.ItemResult) []harvest.WorkItem {
	var out []harvest.WorkItem
	for _, r := range results {
		if r.Outcome.IsBlocked() {
			out = append(out, r.WorkItem)
		}
	}
	return out
}
