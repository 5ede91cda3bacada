// Package app builds the long-lived services of a harvesting run from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/api"
	"github.com/JakeFAU/registry-harvester/internal/checkpoint"
	"github.com/JakeFAU/registry-harvester/internal/clock/system"
	"github.com/JakeFAU/registry-harvester/internal/config"
	"github.com/JakeFAU/registry-harvester/internal/credential"
	"github.com/JakeFAU/registry-harvester/internal/credential/browser"
	"github.com/JakeFAU/registry-harvester/internal/credential/solver"
	"github.com/JakeFAU/registry-harvester/internal/credential/static"
	"github.com/JakeFAU/registry-harvester/internal/harvest"
	"github.com/JakeFAU/registry-harvester/internal/id/uuid"
	"github.com/JakeFAU/registry-harvester/internal/metrics"
	"github.com/JakeFAU/registry-harvester/internal/orchestrator"
	"github.com/JakeFAU/registry-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/registry-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/registry-harvester/internal/publisher/pubsub"
	collyregistry "github.com/JakeFAU/registry-harvester/internal/registry/colly"
	gcsstorage "github.com/JakeFAU/registry-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/registry-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/registry-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/registry-harvester/internal/storage/postgres"
	"github.com/JakeFAU/registry-harvester/internal/telemetry"
	"github.com/JakeFAU/registry-harvester/internal/worker"
)

// localTopic receives run notifications when Pub/Sub is not configured.
const localTopic = "local-run-events"

// ErrConflictingInput means both explicit file numbers and a manifest were given.
var ErrConflictingInput = errors.New("file numbers and a resume manifest are mutually exclusive")

// Input selects the work of one run. Empty fields fall back to configuration.
type Input struct {
	FileNumbers  string
	Manifest     string
	ResumeLatest bool
	BatchNumber  int
}

// Overrides lets callers replace built components, mainly in tests.
type Overrides struct {
	Credentials harvest.CredentialProvider
	Blobs       harvest.BlobStore
	Pauser      harvest.Pauser
}

// App holds the services shared by the run and the status server.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	credentials harvest.CredentialProvider
	processor   harvest.Processor
	checkpoints *checkpoint.Store
	runs        *pgstore.RunStore
	publisher   harvest.Publisher
	topic       string
	pauser      harvest.Pauser
	server      *api.Server

	storageClient *storage.Client
	pubsubClient  *pubsub.Client
	gcpPublisher  *gcppublisher.Publisher
	browser       *browser.Provider
	tracer        *sdktrace.TracerProvider

	mu      sync.RWMutex
	current *orchestrator.Orchestrator
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, overrides Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:    cfg,
		logger: logger,
		pauser: overrides.Pauser,
	}
	a.logger.Info("building application dependencies",
		zap.String("credential_provider", cfg.Credential.Provider),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Int("concurrency", cfg.Run.Concurrency),
		zap.Int("batch_size", cfg.Run.BatchSize),
	)

	steps := []func(context.Context, Overrides) error{
		a.setupTracing,
		a.setupCheckpoints,
		a.setupDatabase,
		a.setupPublisher,
		a.setupProcessor,
		a.setupCredentials,
	}
	for _, step := range steps {
		if err := step(ctx, overrides); err != nil {
			a.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	a.setupServer()
	return a, nil
}

func (a *App) setupTracing(ctx context.Context, _ Overrides) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Exporter:    a.cfg.Telemetry.Exporter,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	return nil
}

func (a *App) setupCheckpoints(ctx context.Context, overrides Overrides) error {
	blobs := overrides.Blobs
	if blobs == nil {
		var err error
		switch a.cfg.Checkpoint.Backend {
		case config.BackendGCS:
			a.logger.Info("using GCS checkpoint backend", zap.String("bucket", a.cfg.Checkpoint.GCSBucket))
			a.storageClient, err = storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("gcs client init failed: %w", err)
			}
			blobs, err = gcsstorage.New(a.storageClient, gcsstorage.Config{Bucket: a.cfg.Checkpoint.GCSBucket})
			if err != nil {
				return fmt.Errorf("gcs blob store init failed: %w", err)
			}
		case config.BackendLocal:
			a.logger.Info("using local checkpoint backend", zap.String("path", a.cfg.Checkpoint.BaseDir))
			blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Checkpoint.BaseDir})
			if err != nil {
				return fmt.Errorf("local blob store init failed: %w", err)
			}
		default:
			a.logger.Warn("using in-memory checkpoint backend, nothing survives the process")
			blobs = memorystorage.NewBlobStore()
		}
	}
	store, err := checkpoint.New(blobs, a.cfg.Checkpoint.Prefix, a.logger)
	if err != nil {
		return fmt.Errorf("checkpoint store init failed: %w", err)
	}
	a.checkpoints = store
	return nil
}

func (a *App) setupDatabase(ctx context.Context, _ Overrides) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no DSN specified, runs will not be indexed")
		return nil
	}
	var err error
	a.runs, err = pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.logger.Info("run store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, _ Overrides) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		a.topic = localTopic
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient)
	a.publisher = a.gcpPublisher
	a.topic = a.cfg.PubSub.TopicName
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.topic),
	)
	return nil
}

func (a *App) setupProcessor(_ context.Context, _ Overrides) error {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Registry.RequestsPerSecond,
		DefaultBurst: a.cfg.Registry.Burst,
	})
	registry, err := collyregistry.New(collyregistry.Config{
		BaseURL:    a.cfg.Registry.BaseURL,
		SearchPath: a.cfg.Registry.SearchPath,
		DetailPath: a.cfg.Registry.DetailPath,
		UserAgent:  a.cfg.Registry.UserAgent,
		Timeout:    a.cfg.RegistryTimeout(),
	}, limiter, a.logger)
	if err != nil {
		return fmt.Errorf("registry client init failed: %w", err)
	}
	var statuses []int
	if len(a.cfg.Registry.BlockedStatuses) > 0 {
		statuses = a.cfg.Registry.BlockedStatuses
	}
	a.processor = worker.New(registry, harvest.NewBlockDetector(statuses, nil, nil), a.logger)
	a.logger.Info("registry client initialized",
		zap.String("base_url", a.cfg.Registry.BaseURL),
		zap.Float64("requests_per_second", a.cfg.Registry.RequestsPerSecond),
	)
	return nil
}

func (a *App) setupCredentials(_ context.Context, overrides Overrides) error {
	provider := overrides.Credentials
	if provider == nil {
		var err error
		provider, err = a.newProvider()
		if err != nil {
			return err
		}
	}
	backoff := harvest.NewExponentialBackoff(
		a.cfg.Credential.MaxAttempts,
		time.Duration(a.cfg.Credential.BackoffInitialMs)*time.Millisecond,
		time.Duration(a.cfg.Credential.BackoffMaxMs)*time.Millisecond,
	)
	a.credentials = credential.WithRetry(a.cfg.Credential.Provider, provider, backoff, a.pauser, a.logger)
	return nil
}

func (a *App) newProvider() (harvest.CredentialProvider, error) {
	clock := system.New()
	switch a.cfg.Credential.Provider {
	case config.ProviderStatic:
		cookies, err := a.cfg.StaticCookies()
		if err != nil {
			return nil, err
		}
		a.logger.Info("using static session cookies", zap.Int("cookies", len(cookies)))
		return static.New(cookies, a.cfg.Header(), clock), nil
	case config.ProviderBrowser:
		solverClient, err := solver.New(solver.Config{
			APIKey:       a.cfg.Solver.APIKey,
			SubmitURL:    a.cfg.Solver.SubmitURL,
			ResultURL:    a.cfg.Solver.ResultURL,
			PollInterval: time.Duration(a.cfg.Solver.PollIntervalSeconds) * time.Second,
			MaxPolls:     a.cfg.Solver.MaxPolls,
			Timeout:      a.cfg.RegistryTimeout(),
		}, a.pauser, a.logger)
		if err != nil {
			return nil, fmt.Errorf("solver init failed: %w", err)
		}
		a.browser, err = browser.New(browser.Config{
			PageURL:           a.cfg.Credential.PageURL,
			SearchSelector:    a.cfg.Credential.SearchSelector,
			CaptchaIframe:     a.cfg.Credential.CaptchaIframe,
			CaptchaSelector:   a.cfg.Credential.CaptchaSelector,
			UserAgent:         a.cfg.Registry.UserAgent,
			Headers:           a.cfg.Header(),
			SearchWait:        time.Duration(a.cfg.Credential.SearchWaitSeconds) * time.Second,
			SettleWait:        time.Duration(a.cfg.Credential.SettleSeconds) * time.Second,
			NavigationTimeout: time.Duration(a.cfg.Credential.NavTimeoutSeconds) * time.Second,
		}, solverClient, clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("browser provider init failed: %w", err)
		}
		a.logger.Info("using browser session provider", zap.String("page_url", a.cfg.Credential.PageURL))
		return a.browser, nil
	default:
		return nil, fmt.Errorf("unknown credential provider %q", a.cfg.Credential.Provider)
	}
}

func (a *App) setupServer() {
	if a.cfg.Server.MetricsAddr == "" {
		return
	}
	checks := map[string]api.ReadinessCheck{}
	if a.runs != nil {
		checks["postgres"] = a.runs.Ping
	}
	a.server = api.NewServer(a, checks, a.logger)
	a.server.Start(a.cfg.Server.MetricsAddr)
}

// Status reports the progress of the current run, or idle before one starts.
func (a *App) Status() orchestrator.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return orchestrator.Status{State: orchestrator.StateIdle}
	}
	return a.current.Status()
}

// Run resolves the input and executes one run.
func (a *App) Run(ctx context.Context, in Input) (harvest.RunReport, error) {
	items, batchNumber, err := a.resolveInput(ctx, in)
	if err != nil {
		return harvest.RunReport{}, err
	}
	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrency: a.cfg.Run.Concurrency,
		MaxBatchSize:   a.cfg.Run.BatchSize,
		Pacing:         a.cfg.Pacing(),
		BatchNumber:    batchNumber,
		Topic:          a.topic,
	}, orchestrator.Dependencies{
		Credentials: a.credentials,
		Processor:   a.processor,
		Checkpoints: a.checkpoints,
		Recorder:    a.recorder(),
		Publisher:   a.publisher,
		Clock:       system.New(),
		IDs:         uuid.New(),
		Pauser:      a.pauser,
	}, a.logger)
	if err != nil {
		return harvest.RunReport{}, fmt.Errorf("build orchestrator: %w", err)
	}
	a.mu.Lock()
	a.current = orch
	a.mu.Unlock()

	a.logger.Info("starting run", zap.Int("items", len(items)), zap.Int("batch_number", batchNumber))
	return orch.Run(ctx, items)
}

func (a *App) recorder() harvest.RunRecorder {
	if a.runs == nil {
		return nil
	}
	return a.runs
}

func (a *App) resolveInput(ctx context.Context, in Input) ([]harvest.WorkItem, int, error) {
	key := strings.TrimSpace(in.Manifest)
	if key != "" && strings.TrimSpace(in.FileNumbers) != "" {
		return nil, 0, ErrConflictingInput
	}
	if key == "" && in.ResumeLatest {
		if a.runs == nil {
			return nil, 0, fmt.Errorf("resuming the latest run requires db.dsn")
		}
		latest, err := a.runs.LatestManifest(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("find latest manifest: %w", err)
		}
		key = latest
	}

	if key != "" {
		manifest, err := a.checkpoints.LoadManifest(ctx, key)
		if err != nil {
			return nil, 0, fmt.Errorf("load manifest: %w", err)
		}
		batchNumber := manifest.NextBatchNumber()
		if in.BatchNumber > 0 {
			batchNumber = in.BatchNumber
		}
		items := manifest.ResumeInput(a.cfg.Run.RetryBlocked)
		a.logger.Info("resuming from manifest",
			zap.String("manifest", key),
			zap.String("previous_run_id", manifest.RunID),
			zap.Int("remaining", len(manifest.RemainingItems)),
			zap.Int("blocked", len(manifest.BlockedItems)),
			zap.Bool("retry_blocked", a.cfg.Run.RetryBlocked),
		)
		if len(items) == 0 {
			return nil, 0, harvest.ErrNoInput
		}
		return items, batchNumber, nil
	}

	raw := in.FileNumbers
	if strings.TrimSpace(raw) == "" {
		raw = a.cfg.Run.FileNumbers
	}
	items, err := harvest.ParseFileNumbers(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("parse file numbers: %w", err)
	}
	batchNumber := a.cfg.Run.BatchNumber
	if in.BatchNumber > 0 {
		batchNumber = in.BatchNumber
	}
	return items, batchNumber, nil
}

// Close gracefully shuts down all services.
func (a *App) Close(ctx context.Context) {
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runs != nil {
		a.runs.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
