package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

func TestRun_BlockedScenarioPersistsReportAndManifest(t *testing.T) {
	t.Parallel()

	done100 := make(chan struct{})
	done200 := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, item harvest.WorkItem) harvest.ItemOutcome {
		switch item {
		case "100":
			defer close(done100)
			return harvest.Success([]harvest.CollectedRecord{{WorkItem: item, SubID: "B1"}})
		case "200":
			defer close(done200)
			return harvest.Success(nil)
		case "300":
			<-done100
			<-done200
			time.Sleep(50 * time.Millisecond)
			return harvest.Blocked("search blocked with status 429")
		default:
			<-ctx.Done()
			return harvest.Failure("search canceled", true)
		}
	})
	h := newHarness(proc)
	o := h.orchestrator(t, Config{MaxConcurrency: 5, MaxBatchSize: 5, Pacing: time.Second, BatchNumber: 1, Topic: "runs"})

	report, err := o.Run(context.Background(), []harvest.WorkItem{"100", "200", "300", "400", "500", "600"})
	require.NoError(t, err)

	require.True(t, report.Blocked)
	require.False(t, report.Interrupted)
	require.True(t, report.NeedsHandoff())
	require.Equal(t, 6, report.TotalRequested)
	require.Equal(t, 3, report.Processed)
	require.Equal(t, 2, report.Successful)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.RecordsFound)
	require.Equal(t, []harvest.WorkItem{"400", "500", "600"}, report.Remaining)
	require.Equal(t, map[harvest.WorkItem]harvest.OutcomeKind{
		"100": harvest.OutcomeSuccess,
		"200": harvest.OutcomeSuccess,
		"300": harvest.OutcomeBlocked,
	}, resultKinds(report))

	require.Len(t, h.checkpoints.reports, 1)
	require.Len(t, h.checkpoints.manifests, 1)
	manifest := h.checkpoints.manifests[0]
	require.Equal(t, []harvest.WorkItem{"400", "500", "600"}, manifest.RemainingItems)
	require.Equal(t, []harvest.WorkItem{"300"}, manifest.BlockedItems)
	require.Equal(t, 1, manifest.BatchNumber)
	require.Equal(t, "run-1", manifest.RunID)
	require.Empty(t, h.pauser.delays, "no pacing after the final batch")

	require.Len(t, h.recorder.summaries, 1)
	summary := h.recorder.summaries[0]
	assert.Equal(t, "reports/0", summary.ReportLocation)
	assert.Equal(t, "manifests/0", summary.ManifestLocation)
	assert.Equal(t, 3, summary.Remaining)
	assert.True(t, summary.Blocked)

	require.Len(t, h.publisher.messages, 1)
	assert.Equal(t, "runs", h.publisher.messages[0].topic)
	note, ok := h.publisher.messages[0].payload.(RunFinished)
	require.True(t, ok)
	assert.Equal(t, EventRunFinished, note.Event)
	assert.Equal(t, "true", note.Attributes()["handoff"])
	assert.Equal(t, report.RunID, note.Summary.RunID)

	status := o.Status()
	assert.Equal(t, StateBlockedExit, status.State)
	assert.Equal(t, 3, status.Processed)
	assert.Equal(t, 3, status.Queued)
}

func TestRun_DrainsAcrossBatchesWithPacing(t *testing.T) {
	t.Parallel()

	proc := processorFunc(func(_ context.Context, item harvest.WorkItem) harvest.ItemOutcome {
		if item == "E" {
			return harvest.Failure("search application error (status 404)", true)
		}
		return harvest.Success([]harvest.CollectedRecord{{WorkItem: item, SubID: "X"}})
	})
	h := newHarness(proc)
	o := h.orchestrator(t, Config{MaxConcurrency: 2, MaxBatchSize: 3, Pacing: 2 * time.Second, BatchNumber: 4})

	report, err := o.Run(context.Background(), []harvest.WorkItem{"A", "B", "C", "D", "E", "F", "G"})
	require.NoError(t, err)

	require.False(t, report.Blocked)
	require.False(t, report.NeedsHandoff())
	require.Empty(t, report.Remaining)
	require.Equal(t, 7, report.Processed)
	require.Equal(t, 6, report.Successful)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 6, report.RecordsFound)
	require.Equal(t, 4, report.BatchNumber)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.pauser.delays)

	require.Len(t, h.checkpoints.reports, 1)
	require.Empty(t, h.checkpoints.manifests)
	require.Empty(t, h.recorder.summaries[0].ManifestLocation)
	require.Empty(t, h.publisher.messages, "no topic configured")
	require.Equal(t, StateDrainedExit, o.Status().State)
	require.Equal(t, 3, o.Status().Batches)
}

func TestRun_CredentialFailureIsFatal(t *testing.T) {
	t.Parallel()

	proc := processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		t.Fatal("no item may run without a credential")
		return harvest.ItemOutcome{}
	})
	h := newHarness(proc)
	h.credentials.err = errors.New("challenge iframe never rendered")
	o := h.orchestrator(t, Config{})

	report, err := o.Run(context.Background(), []harvest.WorkItem{"A"})
	require.ErrorIs(t, err, harvest.ErrCredentialUnavailable)
	require.Empty(t, report.RunID)
	require.Empty(t, h.checkpoints.reports)
	require.Empty(t, h.checkpoints.manifests)
	require.Empty(t, h.recorder.summaries)
	require.Equal(t, StateFailed, o.Status().State)
}

func TestRun_TypedCredentialErrorIsKept(t *testing.T) {
	t.Parallel()

	h := newHarness(processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		return harvest.Success(nil)
	}))
	h.credentials.err = &harvest.CredentialError{Provider: "browser", Attempts: 3, Err: errors.New("solver timeout")}
	o := h.orchestrator(t, Config{})

	_, err := o.Run(context.Background(), []harvest.WorkItem{"A"})
	var credErr *harvest.CredentialError
	require.ErrorAs(t, err, &credErr)
	require.Equal(t, 3, credErr.Attempts)
}

func TestRun_EmptyInput(t *testing.T) {
	t.Parallel()

	h := newHarness(processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		return harvest.Success(nil)
	}))
	o := h.orchestrator(t, Config{})

	_, err := o.Run(context.Background(), nil)
	require.ErrorIs(t, err, harvest.ErrNoInput)
	require.Zero(t, h.credentials.calls)
}

func TestRun_DuplicatesKeepBothOutcomes(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := 0
	proc := processorFunc(func(_ context.Context, item harvest.WorkItem) harvest.ItemOutcome {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == 1 {
			return harvest.Failure("search transport failure", true)
		}
		return harvest.Success(nil)
	})
	h := newHarness(proc)
	o := h.orchestrator(t, Config{MaxConcurrency: 1, MaxBatchSize: 1})

	report, err := o.Run(context.Background(), []harvest.WorkItem{"A", "A"})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Equal(t, 0, report.Results[0].Seq)
	require.Equal(t, harvest.OutcomeFailure, report.Results[0].Outcome.Kind)
	require.Equal(t, 1, report.Results[1].Seq)
	require.Equal(t, harvest.OutcomeSuccess, report.Results[1].Outcome.Kind)
}

func TestRun_InterruptBetweenBatchesHandsOff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		return harvest.Success(nil)
	}))
	h.pauser.onPause = cancel
	o := h.orchestrator(t, Config{MaxConcurrency: 2, MaxBatchSize: 2, Pacing: time.Second})

	report, err := o.Run(ctx, []harvest.WorkItem{"A", "B", "C", "D"})
	require.NoError(t, err)
	require.False(t, report.Blocked)
	require.True(t, report.Interrupted)
	require.True(t, report.NeedsHandoff())
	require.Equal(t, []harvest.WorkItem{"C", "D"}, report.Remaining)
	require.Len(t, h.checkpoints.manifests, 1)
	require.Equal(t, []harvest.WorkItem{"C", "D"}, h.checkpoints.manifests[0].RemainingItems)
}

func TestRun_PersistFailureStillReturnsReport(t *testing.T) {
	t.Parallel()

	h := newHarness(processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		return harvest.Success(nil)
	}))
	h.checkpoints.err = errors.New("bucket unavailable")
	o := h.orchestrator(t, Config{})

	report, err := o.Run(context.Background(), []harvest.WorkItem{"A", "B"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist report")
	require.Equal(t, 2, report.Successful)
	require.Empty(t, h.recorder.summaries)
}

func TestRun_RecorderAndPublisherFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		return harvest.Success(nil)
	}))
	h.recorder.err = errors.New("db down")
	h.publisher.err = errors.New("topic missing")
	o := h.orchestrator(t, Config{Topic: "runs"})

	report, err := o.Run(context.Background(), []harvest.WorkItem{"A"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Successful)
}

func TestRun_ResumeFromManifestKeepsOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []harvest.WorkItem
	proc := processorFunc(func(_ context.Context, item harvest.WorkItem) harvest.ItemOutcome {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, item)
		return harvest.Success(nil)
	})

	data, err := harvest.EncodeManifest(harvest.ResumeManifest{
		RemainingItems: []harvest.WorkItem{"A", "B"},
		BatchNumber:    2,
	})
	require.NoError(t, err)
	manifest, err := harvest.LoadManifest(data)
	require.NoError(t, err)

	h := newHarness(proc)
	o := h.orchestrator(t, Config{MaxConcurrency: 1, MaxBatchSize: 5, BatchNumber: manifest.NextBatchNumber()})

	report, err := o.Run(context.Background(), manifest.ResumeInput(false))
	require.NoError(t, err)
	require.Equal(t, []harvest.WorkItem{"A", "B"}, order)
	require.Equal(t, 3, report.BatchNumber)
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{}, nil)
	require.Error(t, err)
}

type harness struct {
	processor   harvest.Processor
	credentials *fakeCredentials
	checkpoints *fakeCheckpoints
	recorder    *fakeRecorder
	publisher   *fakePublisher
	pauser      *fakePauser
}

func newHarness(proc harvest.Processor) *harness {
	return &harness{
		processor:   proc,
		credentials: &fakeCredentials{},
		checkpoints: &fakeCheckpoints{},
		recorder:    &fakeRecorder{},
		publisher:   &fakePublisher{},
		pauser:      &fakePauser{},
	}
}

func (h *harness) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, Dependencies{
		Credentials: h.credentials,
		Processor:   h.processor,
		Checkpoints: h.checkpoints,
		Recorder:    h.recorder,
		Publisher:   h.publisher,
		Clock:       fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		IDs:         &sequenceIDs{},
		Pauser:      h.pauser,
	}, zap.NewNop())
	require.NoError(t, err)
	return o
}

type processorFunc func(ctx context.Context, item harvest.WorkItem) harvest.ItemOutcome

func (f processorFunc) Process(ctx context.Context, item harvest.WorkItem, _ harvest.SessionCredential) harvest.ItemOutcome {
	return f(ctx, item)
}

type fakeCredentials struct {
	err   error
	calls int
}

func (f *fakeCredentials) Acquire(context.Context) (harvest.SessionCredential, error) {
	f.calls++
	if f.err != nil {
		return harvest.SessionCredential{}, f.err
	}
	return harvest.NewSessionCredential(map[string]string{"session": "abc"}, nil, time.Unix(0, 0)), nil
}

type fakeCheckpoints struct {
	err       error
	reports   []harvest.RunReport
	manifests []harvest.ResumeManifest
}

func (f *fakeCheckpoints) Persist(_ context.Context, report harvest.RunReport) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.reports = append(f.reports, report)
	return fmt.Sprintf("reports/%d", len(f.reports)-1), nil
}

func (f *fakeCheckpoints) PersistManifest(_ context.Context, manifest harvest.ResumeManifest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.manifests = append(f.manifests, manifest)
	return fmt.Sprintf("manifests/%d", len(f.manifests)-1), nil
}

type fakeRecorder struct {
	err       error
	summaries []harvest.RunSummary
}

func (f *fakeRecorder) RecordRun(_ context.Context, summary harvest.RunSummary) error {
	f.summaries = append(f.summaries, summary)
	return f.err
}

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	err      error
	messages []published
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload})
	return "msg-1", nil
}

type fakePauser struct {
	delays  []time.Duration
	onPause func()
}

func (f *fakePauser) Pause(_ context.Context, delay time.Duration) {
	f.delays = append(f.delays, delay)
	if f.onPause != nil {
		f.onPause()
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type sequenceIDs struct{ n int }

func (s *sequenceIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

func resultKinds(report harvest.RunReport) map[harvest.WorkItem]harvest.OutcomeKind {
	out := make(map[harvest.WorkItem]harvest.OutcomeKind, len(report.Results))
	for _, r := range report.Results {
		out[r.WorkItem] = r.Outcome.Kind
	}
	return out
}

func TestRun_RecordsRunAndBatchSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(processorFunc(func(context.Context, harvest.WorkItem) harvest.ItemOutcome {
		return harvest.Success(nil)
	}))
	o, err := New(Config{MaxConcurrency: 1, MaxBatchSize: 1}, Dependencies{
		Credentials: h.credentials,
		Processor:   h.processor,
		Checkpoints: h.checkpoints,
		Clock:       fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		IDs:         &sequenceIDs{},
		Pauser:      h.pauser,
		Tracer:      tp.Tracer("test"),
	}, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), []harvest.WorkItem{"1", "2"})
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"harvest.batch", "harvest.batch", "harvest.run"}, names)
	run := recorder.Ended()[2]
	assert.Contains(t, run.Attributes(), attribute.Bool("harvest.handoff", false))
	assert.Contains(t, run.Attributes(), attribute.Int("harvest.successful", 2))
}
