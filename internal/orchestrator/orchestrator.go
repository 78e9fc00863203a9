// Package orchestrator runs scrape tasks in the background: admission, fetch,
// then a local parse and a remote processing call joined into one envelope.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/dispatcher"
	"github.com/JakeFAU/distributed-scraper/internal/metrics"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/settle"
	"github.com/JakeFAU/distributed-scraper/internal/task"
	"github.com/JakeFAU/distributed-scraper/internal/telemetry"
)

// EnvelopeStatus is the top-level status of every stored envelope. Branch
// failures are reported inside the envelope, never here.
const EnvelopeStatus = "success"

// NotificationTopic labels published task notifications.
const NotificationTopic = "scrape.task"

var (
	// ErrMissingURL rejects a submission without a URL.
	ErrMissingURL = errors.New("URL is required")
	// ErrNotCompleted is returned by Result for tasks that are not completed.
	ErrNotCompleted = errors.New("task not completed")
	// ErrShuttingDown rejects submissions after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// NotCompletedError is returned by Result for a task without an envelope.
// It matches ErrNotCompleted and carries the stored error of a failed task.
type NotCompletedError struct {
	Status scrape.Status
	Reason string
}

func (e *NotCompletedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task not completed; current status: %s", e.Status)
	}
	return fmt.Sprintf("task not completed; current status: %s: %s", e.Status, e.Reason)
}

// Is reports whether target is ErrNotCompleted.
func (e *NotCompletedError) Is(target error) bool {
	return target == ErrNotCompleted
}

var tracer = otel.Tracer("github.com/JakeFAU/distributed-scraper/internal/orchestrator")

// Deps are the collaborators of an Orchestrator. Cache and Publisher are
// optional; a nil Cache disables caching.
type Deps struct {
	Tasks     *task.Manager
	Fetcher   scrape.Fetcher
	Parser    scrape.StructureParser
	Metadata  scrape.MetadataExtractor
	Processor scrape.Processor
	Limiter   scrape.RateLimiter
	Cache     scrape.Cache
	CPU       *dispatcher.Dispatcher
	Publisher scrape.Publisher
	Clock     scrape.Clock
	Logger    *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Tasks == nil:
		return errors.New("task manager is required")
	case d.Fetcher == nil:
		return errors.New("fetcher is required")
	case d.Parser == nil:
		return errors.New("structure parser is required")
	case d.Metadata == nil:
		return errors.New("metadata extractor is required")
	case d.Processor == nil:
		return errors.New("processor is required")
	case d.Limiter == nil:
		return errors.New("rate limiter is required")
	case d.CPU == nil:
		return errors.New("cpu dispatcher is required")
	case d.Clock == nil:
		return errors.New("clock is required")
	}
	return nil
}

// Orchestrator owns the task lifecycle of the scrape tier.
type Orchestrator struct {
	deps    Deps
	tracker *tracker
	logger  *zap.Logger
}

// New validates deps and returns an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator deps: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:    deps,
		tracker: newTracker(),
		logger:  deps.Logger.Named("orchestrator"),
	}, nil
}

// Submit creates a pending task for rawURL and starts processing it in the
// background. It returns without waiting for any network I/O.
func (o *Orchestrator) Submit(rawURL string) (scrape.Task, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return scrape.Task{}, ErrMissingURL
	}
	if o.tracker.closed() {
		return scrape.Task{}, ErrShuttingDown
	}
	id, err := o.deps.Tasks.Create(rawURL)
	if err != nil {
		return scrape.Task{}, fmt.Errorf("create task: %w", err)
	}
	snapshot, _ := o.deps.Tasks.Get(id)
	if !o.tracker.Go(func(ctx context.Context) { o.Process(ctx, id, rawURL) }) {
		o.deps.Tasks.SetError(id, ErrShuttingDown.Error())
		return scrape.Task{}, ErrShuttingDown
	}
	o.logger.Info("task submitted", zap.String("task_id", id), zap.String("url", rawURL))
	return snapshot, nil
}

// Status returns the current snapshot of task id.
func (o *Orchestrator) Status(id string) (scrape.Task, error) {
	t, ok := o.deps.Tasks.Get(id)
	if !ok {
		return scrape.Task{}, task.ErrNotFound
	}
	return t, nil
}

// Result returns the envelope of a completed task. For any other state it
// returns a *NotCompletedError along with the current status.
func (o *Orchestrator) Result(id string) (scrape.Envelope, scrape.Status, error) {
	t, ok := o.deps.Tasks.Get(id)
	if !ok {
		return scrape.Envelope{}, "", task.ErrNotFound
	}
	if t.Status != scrape.StatusCompleted || t.Result == nil {
		nc := &NotCompletedError{Status: t.Status}
		if t.Status == scrape.StatusFailed {
			nc.Reason = t.Error
		}
		return scrape.Envelope{}, t.Status, nc
	}
	return *t.Result, t.Status, nil
}

// Process runs the pipeline for one task and records the outcome. A run
// interrupted by ctx leaves the task in its last status and stores nothing.
func (o *Orchestrator) Process(ctx context.Context, id, rawURL string) {
	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	ctx, span := tracer.Start(ctx, "orchestrator.process")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", id), attribute.String("url", rawURL))

	logger := o.logger.With(zap.String("task_id", id), zap.String("url", rawURL)).
		With(telemetry.TraceFields(ctx)...)
	o.deps.Tasks.UpdateStatus(id, scrape.StatusScraping)

	var (
		env     scrape.Envelope
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		env, err = o.run(ctx, rawURL)
	})
	if rec := catcher.Recovered(); rec != nil {
		err = rec.AsError()
	}

	if ctx.Err() != nil {
		logger.Warn("task cancelled; discarding partial state", zap.Error(ctx.Err()))
		metrics.ObserveTask("cancelled")
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("task failed", zap.Error(err))
		o.deps.Tasks.SetError(id, err.Error())
		metrics.ObserveTask(string(scrape.StatusFailed))
		o.notify(ctx, id, rawURL, scrape.StatusFailed, false, err.Error())
		return
	}
	o.deps.Tasks.SetResult(id, env)
	metrics.ObserveTask(string(scrape.StatusCompleted))
	logger.Info("task completed", zap.Bool("from_cache", env.FromCache))
	o.notify(ctx, id, rawURL, scrape.StatusCompleted, env.FromCache, "")
}

// run is the pipeline: cache lookup, admission, fetch, then the three
// branches joined without failing fast.
func (o *Orchestrator) run(ctx context.Context, rawURL string) (scrape.Envelope, error) {
	if env, ok := o.cached(ctx, rawURL); ok {
		return env, nil
	}

	domain := Domain(rawURL)
	waited, err := o.deps.Limiter.Admit(ctx, domain)
	if err != nil {
		return scrape.Envelope{}, fmt.Errorf("rate limit admission: %w", err)
	}
	if waited > 0 {
		o.logger.Debug("rate limit delayed request", zap.String("domain", domain), zap.Duration("waited", waited))
	}

	page, err := o.deps.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return scrape.Envelope{}, err
	}
	base := page.FinalURL
	if base == "" {
		base = rawURL
	}

	var g settle.Group
	structure := settle.Go(&g, func() (scrape.Structure, error) {
		return onCPU(ctx, o.deps.CPU, "parse_structure", func() (scrape.Structure, error) {
			return o.deps.Parser.ParseStructure(page.HTML, base)
		})
	})
	meta := settle.Go(&g, func() (map[string]string, error) {
		return onCPU(ctx, o.deps.CPU, "extract_metadata", func() (map[string]string, error) {
			return o.deps.Metadata.ExtractMetadata(page.HTML)
		})
	})
	processing := settle.Go(&g, func() (scrape.ProcessingData, error) {
		ctx, span := tracer.Start(ctx, "orchestrator.remote_processing")
		defer span.End()
		return o.deps.Processor.Process(ctx, rawURL)
	})
	g.Wait()

	data := scrape.ScrapingData{MetaTags: map[string]string{}}
	if structure.OK() {
		data.Structure = structure.Value
	} else {
		o.logger.Warn("structure parse failed", zap.String("url", rawURL), zap.Error(structure.Err))
		data.Err = structure.Err.Error()
	}
	if meta.OK() && meta.Value != nil {
		data.MetaTags = meta.Value
	} else if !meta.OK() {
		o.logger.Warn("metadata extraction failed", zap.String("url", rawURL), zap.Error(meta.Err))
	}
	procData := processing.Value
	if !processing.OK() {
		o.logger.Warn("remote processing failed", zap.String("url", rawURL), zap.Error(processing.Err))
		procData = scrape.ProcessingData{Err: processing.Err.Error()}
	}

	env := scrape.Envelope{
		URL:            rawURL,
		Timestamp:      o.deps.Clock.Now(),
		ScrapingData:   data,
		ProcessingData: procData,
		Status:         EnvelopeStatus,
	}
	o.store(ctx, rawURL, env)
	return env, nil
}

func (o *Orchestrator) cached(ctx context.Context, rawURL string) (scrape.Envelope, bool) {
	if o.deps.Cache == nil {
		return scrape.Envelope{}, false
	}
	env, ok, err := o.deps.Cache.Get(ctx, rawURL)
	if err != nil {
		o.logger.Warn("cache lookup failed", zap.String("url", rawURL), zap.Error(err))
		ok = false
	}
	metrics.ObserveCacheLookup(ok)
	if !ok {
		return scrape.Envelope{}, false
	}
	env.FromCache = true
	return env, true
}

func (o *Orchestrator) store(ctx context.Context, rawURL string, env scrape.Envelope) {
	if o.deps.Cache == nil {
		return
	}
	if err := o.deps.Cache.Set(ctx, rawURL, env); err != nil {
		o.logger.Warn("cache store failed", zap.String("url", rawURL), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, id, rawURL string, status scrape.Status, fromCache bool, msg string) {
	if o.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	note := scrape.Notification{
		TaskID:    id,
		URL:       rawURL,
		Status:    status,
		FromCache: fromCache,
		Error:     msg,
		Timestamp: o.deps.Clock.Now(),
	}
	if _, err := o.deps.Publisher.Publish(ctx, NotificationTopic, note); err != nil {
		o.logger.Warn("publish notification failed", zap.String("task_id", id), zap.Error(err))
	}
}

// Shutdown cancels every running task and waits for them until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.tracker.Shutdown(ctx)
}

// Domain returns the host of rawURL, or "unknown" when it has none.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}

// onCPU runs fn on the CPU-bound dispatcher and waits for it.
func onCPU[T any](ctx context.Context, pool *dispatcher.Dispatcher, name string, fn func() (T, error)) (T, error) {
	_, span := tracer.Start(ctx, "orchestrator."+name)
	defer span.End()
	return dispatcher.Submit(ctx, pool, func(context.Context) (T, error) {
		return fn()
	}).Await(ctx)
}
