package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(p *schemas.Page) { m.Called(p) }

func TestAnalyzeStreamsEveryJob(t *testing.T) {
	h := newHarness()
	var pages collector
	c := newCluster(t, testConfig(2), h, pages.handle, zaptest.NewLogger(t))

	const jobs = 5
	for i := range jobs {
		require.NoError(t, c.Analyze(root(i)))
	}
	got, err := c.Wait()
	require.NoError(t, err)
	assert.Same(t, c, got)

	done, err := c.Done()
	require.NoError(t, err)
	assert.True(t, done)

	urls := pages.urls()
	assert.Len(t, urls, jobs*3, "every root plus its two leaves")
	for i := range jobs {
		assert.Contains(t, urls, fmt.Sprintf("/p%d", i))
	}
	assert.Equal(t, 2, h.spawned(), "no worker was recycled")
}

func TestAnalyzeWithHandler(t *testing.T) {
	h := newHarness()
	var fallback collector
	c := newCluster(t, testConfig(1), h, fallback.handle, zaptest.NewLogger(t))

	m := new(mockHandler)
	m.On("Handle", mock.AnythingOfType("*schemas.Page")).Return()

	require.NoError(t, c.Analyze(root(0), WithHandler(m.Handle), WithMaxDepth(0)))
	_, err := c.Wait()
	require.NoError(t, err)

	m.AssertNumberOfCalls(t, "Handle", 3)
	assert.Empty(t, fallback.urls())
}

func TestAnalyzeOutOfScope(t *testing.T) {
	h := newHarness()
	var pages collector
	c := newCluster(t, testConfig(1), h, pages.handle, zaptest.NewLogger(t))

	require.NoError(t, c.Analyze("http://other.com/"))
	_, err := c.Wait()
	require.NoError(t, err)

	require.Len(t, pages.pages, 1)
	assert.Equal(t, "http://other.com/", pages.pages[0].URL)
	assert.Zero(t, pages.pages[0].Code)
	assert.NotEmpty(t, pages.pages[0].DOM.Digest)
}

func TestEveryHandledPageHasADigest(t *testing.T) {
	h := newHarness()
	h.xhr = true
	var pages collector
	c := newCluster(t, testConfig(1), h, pages.handle, zaptest.NewLogger(t))

	require.NoError(t, c.Analyze(root(0)))
	require.NoError(t, c.Analyze("http://other.com/"))
	_, err := c.Wait()
	require.NoError(t, err)

	assert.Contains(t, pages.urls(), "/p0/api", "captured responses reach the handler")
	assert.Contains(t, pages.urls(), "http://other.com/")
	for _, p := range pages.pages {
		assert.NotEmpty(t, p.DOM.Digest, "page %s", p.URL)
	}
}

func TestAnalyzeRejectsUnsupportedResources(t *testing.T) {
	c := newCluster(t, testConfig(1), newHarness(), nil, zaptest.NewLogger(t))

	err := c.Analyze(42)
	var loadErr *browser.LoadError
	require.ErrorAs(t, err, &loadErr)

	done, err := c.Done()
	require.NoError(t, err)
	assert.True(t, done, "nothing was queued")
}

func TestSubmitEventTrigger(t *testing.T) {
	h := newHarness()
	var pages collector
	c := newCluster(t, testConfig(1), h, pages.handle, zaptest.NewLogger(t))

	require.NoError(t, c.Submit(&EventTrigger{
		JobID:    "trigger",
		Resource: root(3),
		Locator:  schemas.NewElementLocator("a", map[string]string{"href": "/y"}),
		Event:    schemas.EventClick,
		MaxDepth: 1,
	}))
	require.NoError(t, c.Submit(&EventTrigger{
		JobID:    "missing",
		Resource: root(3),
		Locator:  schemas.NewElementLocator("a", map[string]string{"href": "/nowhere"}),
		Event:    schemas.EventClick,
	}))
	_, err := c.Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{"/y"}, pages.urls())
}

func TestSubmitIsFIFO(t *testing.T) {
	c := newCluster(t, testConfig(1), newHarness(), nil, zaptest.NewLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, c.Submit(&funcJob{id: "blocker", run: func(context.Context, *browser.Browser, Handler) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Submit(&funcJob{id: "queued", run: func(context.Context, *browser.Browser, Handler) error {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, i)
				return nil
			}}))
		}()
		// Give the submitter time to block on the hand-off.
		time.Sleep(30 * time.Millisecond)
	}

	close(release)
	wg.Wait()
	_, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRetireAfterTimeToLive(t *testing.T) {
	h := newHarness()
	cfg := testConfig(1, func(c *config.Config) { c.BrowserCfg.TimeToLive = 3 })
	var pages collector
	c := newCluster(t, cfg, h, pages.handle, zaptest.NewLogger(t))

	for i := range 3 {
		require.NoError(t, c.Analyze(root(i)))
	}
	_, err := c.Wait()
	require.NoError(t, err)

	assert.Len(t, pages.urls(), 9, "retirement never drops pages")
	assert.Equal(t, 4, h.spawned())
	for i := range 3 {
		assert.True(t, h.driver(i).isClosed(), "retired browser %d is closed", i)
		assert.False(t, h.supervisor(i).Alive())
	}
}

func TestReplaceDeadWorker(t *testing.T) {
	h := newHarness()
	var pages collector
	c := newCluster(t, testConfig(1), h, pages.handle, zaptest.NewLogger(t))

	require.NoError(t, c.Submit(&funcJob{id: "crash", run: func(ctx context.Context, b *browser.Browser, _ Handler) error {
		if _, err := b.Load(ctx, root(0)); err != nil {
			return err
		}
		// The lifeline reports the engine gone mid-job.
		h.supervisor(0).dead.Store(true)
		return nil
	}}))
	_, err := c.Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{"/p0"}, pages.urls(), "pages captured before the crash are kept")
	assert.Equal(t, 2, h.spawned())
	assert.True(t, h.driver(0).isClosed())

	require.NoError(t, c.Analyze(root(1)))
	_, err = c.Wait()
	require.NoError(t, err)
	assert.Len(t, pages.urls(), 4, "the replacement serves jobs")
}

func TestRetireAfterJobTimeout(t *testing.T) {
	h := newHarness()
	cfg := testConfig(1, func(c *config.Config) { c.BrowserCfg.JobTimeout = 20 * time.Millisecond })
	c := newCluster(t, cfg, h, nil, zaptest.NewLogger(t))

	require.NoError(t, c.Submit(&funcJob{id: "slow", run: func(ctx context.Context, _ *browser.Browser, _ Handler) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	_, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, h.spawned())
}

func TestNewSpawnFailure(t *testing.T) {
	h := newHarness()
	h.failFrom = 2

	_, err := New(context.Background(), testConfig(3), nil, zaptest.NewLogger(t), h.options()...)
	var spawnErr *browser.SpawnError
	require.ErrorAs(t, err, &spawnErr)

	require.Len(t, h.drivers, 1)
	assert.True(t, h.driver(0).isClosed(), "browsers spawned before the failure are torn down")
	assert.False(t, h.supervisor(0).Alive())
}

func TestAnalyzeAfterEverySlotDied(t *testing.T) {
	h := newHarness()
	h.failFrom = 2
	cfg := testConfig(1, func(c *config.Config) { c.BrowserCfg.TimeToLive = 1 })
	var pages collector
	c := newCluster(t, cfg, h, pages.handle, zaptest.NewLogger(t))

	require.NoError(t, c.Analyze(root(0)))
	_, err := c.Wait()
	require.NoError(t, err)
	assert.Len(t, pages.urls(), 3)
	assert.Equal(t, 1+maxRespawnAttempts, h.spawned())

	err = c.Analyze(root(1))
	var spawnErr *browser.SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestShutdown(t *testing.T) {
	h := newHarness()
	c, err := New(context.Background(), testConfig(3), nil, zaptest.NewLogger(t), h.options()...)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown())
	for i := range 3 {
		assert.True(t, h.driver(i).isClosed())
		assert.False(t, h.supervisor(i).Alive())
	}

	checks := map[string]error{
		"analyze":  c.Analyze(root(0)),
		"submit":   c.Submit(&funcJob{id: "late"}),
		"shutdown": c.Shutdown(),
	}
	_, checks["wait"] = c.Wait()
	_, checks["done"] = c.Done()

	for op, err := range checks {
		var shutdownErr *AlreadyShutdownError
		assert.ErrorAs(t, err, &shutdownErr, op)
		assert.True(t, errors.Is(err, ErrAlreadyShutdown), op)
	}
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	h := newHarness()
	c, err := New(context.Background(), testConfig(2), nil, zaptest.NewLogger(t), h.options()...)
	require.NoError(t, err)

	started := make(chan struct{}, 2)
	for range 2 {
		require.NoError(t, c.Submit(&funcJob{id: "forever", run: func(ctx context.Context, _ *browser.Browser, _ Handler) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}}))
	}
	<-started
	<-started

	require.NoError(t, c.Shutdown())
	assert.Equal(t, 2, h.spawned(), "nothing is respawned during shutdown")
	for i := range 2 {
		assert.True(t, h.driver(i).isClosed())
	}
}
