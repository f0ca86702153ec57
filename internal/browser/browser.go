// Package browser drives a single instrumented browser engine. A Browser loads
// resources, fires DOM events, captures de-duplicated snapshots of the states it
// reaches and replays recorded transitions to get back to any of them.
//
// A Browser is owned by one goroutine at a time.
package browser

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
	"github.com/xkilldash9x/scalpel-explorer/internal/jar"
	"github.com/xkilldash9x/scalpel-explorer/internal/lifeline"
	"github.com/xkilldash9x/scalpel-explorer/internal/scope"
)

const (
	defaultSyncPoll  = 100 * time.Millisecond
	defaultSyncQuiet = 300 * time.Millisecond
)

// Shared is the state every browser of a pool works against.
type Shared struct {
	Jar    *jar.Jar
	Scope  scope.Scope
	Inputs *Inputs
}

// NewShared builds the shared state from cfg.
func NewShared(cfg config.Interface) (*Shared, error) {
	policy, err := scope.New(cfg.Scope())
	if err != nil {
		return nil, err
	}
	inputs, err := NewInputs(cfg.Inputs())
	if err != nil {
		return nil, err
	}
	return &Shared{Jar: jar.New(), Scope: policy, Inputs: inputs}, nil
}

// Supervisor watches a browser process from outside it.
type Supervisor interface {
	Pid() int
	Alive() bool
	Kill() error
}

// SupervisorFactory starts a supervisor for the engine with pid browserPID.
type SupervisorFactory func(ctx context.Context, browserPID int, pollInterval time.Duration, logger *zap.Logger) (Supervisor, error)

func spawnLifeline(ctx context.Context, browserPID int, pollInterval time.Duration, logger *zap.Logger) (Supervisor, error) {
	p, err := lifeline.Spawn(ctx, browserPID, pollInterval, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Option configures a Browser.
type Option func(*Browser)

// WithDriverFactory replaces the Chrome driver.
func WithDriverFactory(f DriverFactory) Option {
	return func(b *Browser) { b.newDriver = f }
}

// WithSupervisorFactory replaces the lifeline process.
func WithSupervisorFactory(f SupervisorFactory) Option {
	return func(b *Browser) { b.newSupervisor = f }
}

// WithSyncTiming sets how often pending work is polled and how long it must stay
// at zero before the page counts as settled.
func WithSyncTiming(poll, quiet time.Duration) Option {
	return func(b *Browser) {
		if poll > 0 {
			b.syncPoll = poll
		}
		if quiet >= 0 {
			b.syncQuiet = quiet
		}
	}
}

type waitRule struct {
	pattern  *regexp.Regexp
	selector string
}

// Browser is one engine plus the exploration state built on top of it.
type Browser struct {
	id     string
	cfg    config.BrowserConfig
	shared *Shared
	logger *zap.Logger

	newDriver     DriverFactory
	newSupervisor SupervisorFactory
	driver        Driver
	supervisor    Supervisor
	waitRules     []waitRule
	syncPoll      time.Duration
	syncQuiet     time.Duration

	transitions   []*schemas.Transition
	skipStates    *schemas.SkipStates
	lastResponse  *Response
	pageSnapshots []*schemas.Page
	capturedPages []*schemas.Page
	firedEvents   int

	observerMu sync.RWMutex
	observers  map[ObserverKind][]PageObserver

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ schemas.Player = (*Browser)(nil)

// New spawns an engine and its lifeline. Any failure is returned as a *SpawnError
// after everything already started has been shut down.
func New(ctx context.Context, cfg config.BrowserConfig, shared *Shared, logger *zap.Logger, opts ...Option) (*Browser, error) {
	if shared == nil {
		var err error
		if shared, err = NewShared(config.NewDefaultConfig()); err != nil {
			return nil, &SpawnError{Err: err}
		}
	}

	b := &Browser{
		id:            uuid.NewString(),
		cfg:           cfg,
		shared:        shared,
		newDriver:     NewChromeDriver,
		newSupervisor: spawnLifeline,
		syncPoll:      defaultSyncPoll,
		syncQuiet:     defaultSyncQuiet,
		skipStates:    schemas.NewSkipStates(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.Named("browser").With(zap.String("browser_id", b.id))

	for _, w := range cfg.WaitForElements {
		re, err := regexp.Compile(w.Pattern)
		if err != nil {
			return nil, &SpawnError{Err: fmt.Errorf("invalid wait_for_elements pattern %q: %w", w.Pattern, err)}
		}
		b.waitRules = append(b.waitRules, waitRule{pattern: re, selector: w.Selector})
	}

	driver, err := b.newDriver(ctx, cfg, b.logger)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	b.driver = driver

	supervisor, err := b.newSupervisor(ctx, driver.Pid(), cfg.Lifeline.PollInterval, b.logger)
	if err != nil {
		if cerr := driver.Close(); cerr != nil {
			b.logger.Warn("Failed to close engine after lifeline failure.", zap.Error(cerr))
		}
		return nil, &SpawnError{Err: fmt.Errorf("failed to spawn lifeline: %w", err)}
	}
	b.supervisor = supervisor

	b.logger.Debug("Browser spawned.", zap.Int("pid", driver.Pid()), zap.Int("lifeline_pid", supervisor.Pid()))
	return b, nil
}

// ID identifies the browser in logs.
func (b *Browser) ID() string { return b.id }

// Pid is the engine's process id.
func (b *Browser) Pid() int { return b.driver.Pid() }

// Alive reports whether the browser is open and its lifeline is still running.
func (b *Browser) Alive() bool {
	return !b.closed.Load() && b.supervisor.Alive()
}

// FiredEvents counts the events fired successfully so far.
func (b *Browser) FiredEvents() int { return b.firedEvents }

// Transitions returns the transitions that lead to the current state.
func (b *Browser) Transitions() []*schemas.Transition {
	return append([]*schemas.Transition(nil), b.transitions...)
}

// SkipStates returns a copy of the digests of every state captured so far.
func (b *Browser) SkipStates() *schemas.SkipStates { return b.skipStates.Copy() }

// Cookies returns the cookies held by the engine.
func (b *Browser) Cookies(ctx context.Context) ([]*schemas.Cookie, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return b.driver.Cookies(ctx)
}

// PageSnapshots returns the buffered snapshots.
func (b *Browser) PageSnapshots() []*schemas.Page {
	return append([]*schemas.Page(nil), b.pageSnapshots...)
}

// FlushPageSnapshots returns and clears the buffered snapshots.
func (b *Browser) FlushPageSnapshots() []*schemas.Page {
	out := b.pageSnapshots
	b.pageSnapshots = nil
	return out
}

// CapturedPages returns the XHR and fetch responses captured so far, as pages.
func (b *Browser) CapturedPages() []*schemas.Page {
	b.collectResponses()
	return append([]*schemas.Page(nil), b.capturedPages...)
}

// FlushCapturedPages returns and clears the captured responses.
func (b *Browser) FlushCapturedPages() []*schemas.Page {
	b.collectResponses()
	out := b.capturedPages
	b.capturedPages = nil
	return out
}

// Close shuts down the engine and its lifeline. It is safe to call more than once.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		var errs []error
		if err := b.driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close engine: %w", err))
		}
		if err := b.supervisor.Kill(); err != nil {
			errs = append(errs, err)
		}
		b.closeErr = errors.Join(errs...)
		b.logger.Debug("Browser closed.")
	})
	return b.closeErr
}

func (b *Browser) collectResponses() {
	if b.closed.Load() {
		return
	}
	for _, resp := range b.driver.CapturedResponses() {
		if !b.cfg.StorePages || !b.shared.Scope.InScope(resp.URL) {
			continue
		}
		transitions := b.Transitions()
		b.capturedPages = append(b.capturedPages, &schemas.Page{
			URL:     resp.URL,
			Code:    resp.Status,
			Headers: maps.Clone(resp.Headers),
			Body:    resp.Body,
			DOM: schemas.DOM{
				URL:         resp.URL,
				Transitions: transitions,
				Digest:      schemas.ResponseDigest(transitions, resp.URL, resp.Body),
			},
		})
	}
}

// syncCookies merges the engine's cookies into the shared jar.
func (b *Browser) syncCookies(ctx context.Context) {
	cookies, err := b.driver.Cookies(ctx)
	if err != nil {
		b.logger.Debug("Failed to read engine cookies.", zap.Error(err))
		return
	}
	b.shared.Jar.Update(cookies...)
}
