// Package dispatch moves queued jobs into execution: a polling
// dispatcher leases due jobs, a queue subscriber reacts to push
// notifications, and a reaper sweeps up what neither finished.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/metrics"
	"github.com/webmonitor/sitewatch/internal/monitor"
)

// Runner executes a leased job to its terminal state. The returned
// error drives retry: nil means no requeue is needed, an error
// wrapping monitor.ErrPermanent is terminal, anything else requeues
// while the retry budget lasts.
type Runner interface {
	Run(ctx context.Context, job monitor.Job) error
}

// Config tunes the dispatcher loop.
type Config struct {
	// PollInterval is how often the queue table is checked.
	PollInterval time.Duration
	// MaxConcurrent caps jobs executing at once in this process.
	MaxConcurrent int
	// RetryBackoff delays the first requeue; each retry doubles it.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	return c
}

// Dispatcher polls for due queued jobs and fans them out to the
// runner, at most MaxConcurrent at a time and never two jobs for the
// same site concurrently.
type Dispatcher struct {
	store  monitor.Store
	runner Runner
	clock  monitor.Clock
	cfg    Config
	log    *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	mu            sync.Mutex
	inFlightSites map[string]struct{}
}

// New builds a Dispatcher.
func New(store monitor.Store, runner Runner, clock monitor.Clock, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	metrics.Init()
	return &Dispatcher{
		store:         store,
		runner:        runner,
		clock:         clock,
		cfg:           cfg,
		log:           log.Named("dispatch"),
		slots:         make(chan struct{}, cfg.MaxConcurrent),
		inFlightSites: make(map[string]struct{}),
	}
}

// Run polls until the context finishes, then waits for in-flight jobs
// to drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until all in-flight jobs finish. Run calls this on
// shutdown; it is exported for callers driving DispatchOnce directly.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// DispatchOnce runs a single poll cycle. Exported so the subscriber
// and tests can trigger a cycle without the ticker.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	now := d.clock.Now()
	jobs, err := d.store.ListQueuedJobs(ctx, now, 2*d.cfg.MaxConcurrent)
	if err != nil {
		d.log.Error("list queued jobs", zap.Error(err))
		return
	}
	metrics.SetQueueDepth(len(jobs))

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		d.tryStart(ctx, job)
	}
}

// tryStart leases the job and launches it if a slot is free and no
// other job for the same site is running. Losing the lease race is
// not an error; another worker took it.
func (d *Dispatcher) tryStart(ctx context.Context, job monitor.Job) {
	select {
	case d.slots <- struct{}{}:
	default:
		return
	}

	d.mu.Lock()
	if _, busy := d.inFlightSites[job.SiteID]; busy {
		d.mu.Unlock()
		<-d.slots
		return
	}
	d.inFlightSites[job.SiteID] = struct{}{}
	d.mu.Unlock()

	leased, err := d.store.AcquireJobLease(ctx, job.ID, d.clock.Now())
	if err != nil {
		d.release(job.SiteID)
		if !errors.Is(err, monitor.ErrLeaseConflict) && !errors.Is(err, monitor.ErrNotFound) {
			d.log.Error("acquire job lease", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(leased.SiteID)
		d.execute(ctx, leased)
	}()
}

func (d *Dispatcher) release(siteID string) {
	d.mu.Lock()
	delete(d.inFlightSites, siteID)
	d.mu.Unlock()
	<-d.slots
}

func (d *Dispatcher) execute(ctx context.Context, job monitor.Job) {
	log := d.log.With(zap.String("job_id", job.ID), zap.String("site_id", job.SiteID))
	log.Info("job started", zap.Int("retry_count", job.RetryCount))

	err := d.runner.Run(ctx, job)
	if err == nil {
		log.Info("job finished")
		return
	}
	if errors.Is(err, monitor.ErrPermanent) {
		log.Warn("job failed permanently", zap.Error(err))
		return
	}
	d.maybeRequeue(ctx, job, err)
}

// maybeRequeue puts a retryable failure back on the queue with an
// exponential backoff, or leaves it failed once the budget is spent.
func (d *Dispatcher) maybeRequeue(ctx context.Context, job monitor.Job, runErr error) {
	log := d.log.With(zap.String("job_id", job.ID))

	current, err := d.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Error("reload job after failure", zap.Error(err))
		return
	}
	maxRetries := current.MaxRetries
	if maxRetries <= 0 {
		maxRetries = monitor.DefaultMaxRetries
	}
	if current.RetryCount >= maxRetries {
		log.Warn("job failed, retry budget exhausted",
			zap.Int("retry_count", current.RetryCount), zap.Error(runErr))
		return
	}

	backoff := d.cfg.RetryBackoff << current.RetryCount
	due := d.clock.Now().Add(backoff)
	current.Status = monitor.JobStatusQueued
	current.RetryCount++
	current.Progress = 0
	current.ScheduledFor = &due
	if err := d.store.UpdateJob(ctx, current); err != nil {
		log.Error("requeue job", zap.Error(err))
		return
	}
	log.Info("job requeued",
		zap.Int("retry_count", current.RetryCount),
		zap.Duration("backoff", backoff),
		zap.Error(runErr))
}
