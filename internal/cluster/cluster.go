// Package cluster runs exploration jobs over a fixed pool of browsers.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

const (
	defaultRespawnBackoff = time.Second
	maxRespawnAttempts    = 3
)

// Option configures a Cluster.
type Option func(*Cluster)

// WithBrowserOptions is passed to every browser the cluster spawns.
func WithBrowserOptions(opts ...browser.Option) Option {
	return func(c *Cluster) { c.browserOpts = append(c.browserOpts, opts...) }
}

// WithShared makes the cluster's browsers work against an existing jar and scope.
func WithShared(shared *browser.Shared) Option {
	return func(c *Cluster) { c.shared = shared }
}

// WithRespawnBackoff sets the minimum interval between respawns once the burst of
// one respawn per slot is used up.
func WithRespawnBackoff(d time.Duration) Option {
	return func(c *Cluster) { c.respawnBackoff = d }
}

type jobOptions struct {
	handler  Handler
	maxDepth *int
}

// JobOption configures a submitted job.
type JobOption func(*jobOptions)

// WithHandler sends the job's pages to h instead of the cluster's handler.
func WithHandler(h Handler) JobOption {
	return func(o *jobOptions) { o.handler = h }
}

// WithMaxDepth overrides dom_depth_limit for an Analyze job.
func WithMaxDepth(depth int) JobOption {
	return func(o *jobOptions) { o.maxDepth = &depth }
}

type dispatch struct {
	job     Job
	handler Handler
}

// slot is one worker position. Its fields belong to the slot's goroutine.
type slot struct {
	id      int
	browser *browser.Browser
	served  int
	emit    Handler
}

// Cluster hands jobs to a pool of browsers, one job per browser at a time. Jobs are
// admitted in arrival order and a submitter only blocks while every worker is busy.
type Cluster struct {
	cfg         config.BrowserConfig
	shared      *browser.Shared
	handler     Handler
	logger      *zap.Logger
	browserOpts []browser.Option

	respawnBackoff time.Duration
	respawn        *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *dispatch
	closed chan struct{}
	// exhausted is closed once no slot has a browser left.
	exhausted chan struct{}
	wg        sync.WaitGroup

	mu           sync.Mutex
	shutdown     bool
	pending      int
	waiters      []chan struct{}
	browsers     map[int]*browser.Browser
	live         int
	lastSpawnErr error
}

// New spawns pool_size browsers concurrently. If any of them fails to start, the
// others are closed and the *browser.SpawnError is returned.
func New(ctx context.Context, cfg config.Interface, handler Handler, logger *zap.Logger, opts ...Option) (*Cluster, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if handler == nil {
		handler = func(*schemas.Page) {}
	}

	c := &Cluster{
		cfg:            cfg.Browser(),
		handler:        handler,
		logger:         logger.Named("cluster"),
		respawnBackoff: defaultRespawnBackoff,
		jobs:           make(chan *dispatch),
		closed:         make(chan struct{}),
		exhausted:      make(chan struct{}),
		browsers:       make(map[int]*browser.Browser),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shared == nil {
		shared, err := browser.NewShared(cfg)
		if err != nil {
			return nil, err
		}
		c.shared = shared
	}

	size := c.cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	c.respawn = rate.NewLimiter(rate.Every(c.respawnBackoff), size)
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	browsers := make([]*browser.Browser, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range browsers {
		g.Go(func() error {
			b, err := c.spawn(gctx)
			if err != nil {
				return err
			}
			browsers[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range browsers {
			if b != nil {
				_ = b.Close()
			}
		}
		c.cancel()
		return nil, err
	}

	c.live = size
	for i, b := range browsers {
		s := &slot{id: i}
		c.attach(s, b)
		c.wg.Add(1)
		go c.work(s)
	}
	c.logger.Info("Browser cluster started.", zap.Int("pool_size", size))
	return c, nil
}

// Analyze explores resource on the next idle worker. It blocks while every worker
// is busy. Resources browser.Load does not accept are rejected with a
// *browser.LoadError.
func (c *Cluster) Analyze(resource any, opts ...JobOption) error {
	if !browser.Loadable(resource) {
		return &browser.LoadError{Resource: resource}
	}
	o := newJobOptions(opts)
	depth := c.cfg.DOMDepthLimit
	if o.maxDepth != nil {
		depth = *o.maxDepth
	}
	return c.submit("analyze", NewResourceExploration(resource, depth), o)
}

// Submit runs job on the next idle worker. It blocks while every worker is busy.
func (c *Cluster) Submit(job Job, opts ...JobOption) error {
	return c.submit("submit", job, newJobOptions(opts))
}

func newJobOptions(opts []JobOption) jobOptions {
	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Cluster) submit(op string, job Job, o jobOptions) error {
	handler := o.handler
	if handler == nil {
		handler = c.handler
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return &AlreadyShutdownError{Op: op}
	}
	if c.live == 0 {
		err := c.lastSpawnErr
		c.mu.Unlock()
		return err
	}
	c.pending++
	c.mu.Unlock()

	select {
	case c.jobs <- &dispatch{job: job, handler: handler}:
		return nil
	case <-c.closed:
		c.finish()
		return &AlreadyShutdownError{Op: op}
	case <-c.exhausted:
		c.finish()
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.lastSpawnErr
	}
}

// Wait blocks until every submitted job has finished and its worker is idle again.
func (c *Cluster) Wait() (*Cluster, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, &AlreadyShutdownError{Op: "wait"}
	}
	if c.pending == 0 {
		c.mu.Unlock()
		return c, nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return c, nil
	case <-c.closed:
		return nil, &AlreadyShutdownError{Op: "wait"}
	}
}

// Done reports whether no job is outstanding.
func (c *Cluster) Done() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false, &AlreadyShutdownError{Op: "check"}
	}
	return c.pending == 0, nil
}

// Shutdown closes every browser at once, including those in the middle of a job,
// and waits for the workers to exit. The cluster cannot be used afterwards.
func (c *Cluster) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return &AlreadyShutdownError{Op: "shutdown"}
	}
	c.shutdown = true
	browsers := make([]*browser.Browser, 0, len(c.browsers))
	for _, b := range c.browsers {
		browsers = append(browsers, b)
	}
	c.mu.Unlock()

	c.logger.Info("Shutting down browser cluster.", zap.Int("browsers", len(browsers)))
	close(c.closed)
	c.cancel()

	var errs []error
	for _, b := range browsers {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser %s: %w", b.ID(), err))
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func (c *Cluster) spawn(ctx context.Context) (*browser.Browser, error) {
	return browser.New(ctx, c.cfg, c.shared, c.logger, c.browserOpts...)
}

// attach makes b the browser of s and routes its pages to the slot's current job.
// It refuses once the cluster is shutting down.
func (c *Cluster) attach(s *slot, b *browser.Browser) bool {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return false
	}
	c.browsers[s.id] = b
	c.mu.Unlock()

	s.browser = b
	s.served = 0
	b.OnNewPage(func(p *schemas.Page) {
		if s.emit != nil {
			s.emit(p)
		}
	})
	return true
}

func (c *Cluster) work(s *slot) {
	defer c.wg.Done()
	logger := c.logger.With(zap.Int("slot", s.id))

	for {
		select {
		case <-c.closed:
			c.retire(s)
			return
		case d := <-c.jobs:
			timedOut := c.run(s, d, logger)
			if reason := c.retirement(s, timedOut); reason != "" {
				logger.Debug("Retiring browser.", zap.String("browser_id", s.browser.ID()), zap.String("reason", reason))
				c.retire(s)
				if !c.replace(s, logger) {
					c.slotDied()
					c.finish()
					return
				}
			}
			c.finish()
		}
	}
}

// run executes d on the slot's browser and reports whether it hit job_timeout.
func (c *Cluster) run(s *slot, d *dispatch, logger *zap.Logger) bool {
	logger = logger.With(zap.String("job_id", d.job.ID()), zap.String("browser_id", s.browser.ID()))
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if c.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.cfg.JobTimeout)
	}
	defer cancel()

	s.emit = func(p *schemas.Page) {
		s.served++
		d.handler(p)
	}
	defer func() { s.emit = nil }()

	start := time.Now()
	err := d.job.Run(ctx, s.browser, s.emit)
	for _, p := range s.browser.FlushCapturedPages() {
		s.emit(p)
	}
	s.browser.FlushPageSnapshots()

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	switch {
	case timedOut:
		logger.Warn("Job timed out.", zap.Duration("timeout", c.cfg.JobTimeout))
	case err != nil:
		logger.Warn("Job failed.", zap.Error(err))
	default:
		logger.Debug("Job finished.", zap.Duration("duration", time.Since(start)), zap.Int("served", s.served))
	}
	return timedOut
}

// retirement names why the slot's browser must be replaced, or returns "".
func (c *Cluster) retirement(s *slot, timedOut bool) string {
	switch {
	case !s.browser.Alive():
		return "not alive"
	case timedOut:
		return "job timed out"
	case c.cfg.TimeToLive > 0 && s.served >= c.cfg.TimeToLive:
		return "time to live reached"
	}
	return ""
}

func (c *Cluster) retire(s *slot) {
	if err := s.browser.Close(); err != nil {
		c.logger.Debug("Failed to close retired browser.", zap.String("browser_id", s.browser.ID()), zap.Error(err))
	}
	c.mu.Lock()
	if c.browsers[s.id] == s.browser {
		delete(c.browsers, s.id)
	}
	c.mu.Unlock()
}

// replace spawns a new browser for s, retrying with backoff. It gives up after
// maxRespawnAttempts failures or when the cluster shuts down.
func (c *Cluster) replace(s *slot, logger *zap.Logger) bool {
	for attempt := 1; attempt <= maxRespawnAttempts; attempt++ {
		if err := c.respawn.Wait(c.ctx); err != nil {
			return false
		}
		b, err := c.spawn(c.ctx)
		if err != nil {
			logger.Warn("Failed to respawn browser.", zap.Int("attempt", attempt), zap.Error(err))
			c.mu.Lock()
			c.lastSpawnErr = err
			c.mu.Unlock()
			continue
		}

		if !c.attach(s, b) {
			_ = b.Close()
			return false
		}
		return true
	}
	return false
}

func (c *Cluster) slotDied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live--
	if c.live == 0 && !c.shutdown {
		c.logger.Error("Every browser slot is dead.", zap.Error(c.lastSpawnErr))
		close(c.exhausted)
	}
}

func (c *Cluster) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending > 0 {
		return
	}
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}
