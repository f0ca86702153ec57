package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

const origin = "http://example.com"

// site maps a URL to the paths it links to.
type site map[string][]string

// testSite has ten roots, each linking to two leaves.
func testSite() site {
	s := site{origin + "/x": nil, origin + "/y": nil}
	for i := range 10 {
		s[root(i)] = []string{"/x", "/y"}
	}
	return s
}

func root(i int) string { return fmt.Sprintf("%s/p%d", origin, i) }

// fakeDriver is a link-only engine over a site.
type fakeDriver struct {
	mu        sync.Mutex
	site      site
	url       string
	cookies   []*schemas.Cookie
	xhr       bool // every navigation also fetches <url>/api
	responses []*browser.Response
	closed    bool
}

func (d *fakeDriver) Navigate(_ context.Context, url string) (*browser.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("engine closed")
	}
	d.url = url
	if d.xhr {
		d.responses = append(d.responses, &browser.Response{URL: url + "/api", Status: 200, Body: `{}`})
	}
	return &browser.Response{URL: url, Status: 200}, nil
}

func (d *fakeDriver) Location(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDriver) HTML(context.Context) (string, error) {
	return "<html><body></body></html>", nil
}

func (d *fakeDriver) Skeleton(ctx context.Context) (string, error) {
	return d.Location(ctx)
}

func (d *fakeDriver) ElementsWithEvents(context.Context) ([]shim.ElementRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []shim.ElementRecord
	for _, href := range d.site[d.url] {
		out = append(out, shim.ElementRecord{
			TagName:     "a",
			Attributes:  map[string]string{"href": href},
			URL:         href,
			ResolvedURL: origin + href,
		})
	}
	return out, nil
}

func (d *fakeDriver) FormFields(context.Context, *schemas.ElementLocator) ([]shim.FieldRecord, error) {
	return nil, nil
}

func (d *fakeDriver) Fire(_ context.Context, l *schemas.ElementLocator, _ schemas.Event, _ map[string]string, _ *string) (shim.FireResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return shim.FireResult{}, errors.New("engine closed")
	}
	href, _ := l.Attribute("href")
	for _, link := range d.site[d.url] {
		if link == href {
			d.url = origin + href
			return shim.FireResult{Status: shim.FireOK}, nil
		}
	}
	return shim.FireResult{Status: shim.FireMissing}, nil
}

func (d *fakeDriver) Pending(context.Context) (int, error)          { return 0, nil }
func (d *fakeDriver) Exists(context.Context, string) (bool, error) { return true, nil }
func (d *fakeDriver) Sinks(context.Context) (shim.SinkBatch, error) {
	return shim.SinkBatch{}, nil
}

func (d *fakeDriver) Cookies(context.Context) ([]*schemas.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*schemas.Cookie(nil), d.cookies...), nil
}

func (d *fakeDriver) SetCookies(_ context.Context, cookies []*schemas.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookies = cookies
	return nil
}

func (d *fakeDriver) OpenedWindows(context.Context) ([]browser.Window, error) { return nil, nil }
func (d *fakeDriver) Pid() int                                                { return 4242 }

func (d *fakeDriver) CapturedResponses() []*browser.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.responses
	d.responses = nil
	return out
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeSupervisor struct {
	dead atomic.Bool
}

func (s *fakeSupervisor) Pid() int    { return 4343 }
func (s *fakeSupervisor) Alive() bool { return !s.dead.Load() }
func (s *fakeSupervisor) Kill() error {
	s.dead.Store(true)
	return nil
}

// harness spawns fake browsers and remembers them.
type harness struct {
	mu          sync.Mutex
	site        site
	spawns      int
	failFrom    int // spawn number from which spawning fails, 0 for never
	xhr         bool
	drivers     []*fakeDriver
	supervisors []*fakeSupervisor
}

func newHarness() *harness { return &harness{site: testSite()} }

func (h *harness) newDriver(context.Context, config.BrowserConfig, *zap.Logger) (browser.Driver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawns++
	if h.failFrom > 0 && h.spawns >= h.failFrom {
		return nil, fmt.Errorf("spawn %d refused", h.spawns)
	}
	d := &fakeDriver{site: h.site, url: "about:blank", xhr: h.xhr}
	h.drivers = append(h.drivers, d)
	return d, nil
}

func (h *harness) newSupervisor(context.Context, int, time.Duration, *zap.Logger) (browser.Supervisor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &fakeSupervisor{}
	h.supervisors = append(h.supervisors, s)
	return s, nil
}

func (h *harness) spawned() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawns
}

func (h *harness) driver(i int) *fakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drivers[i]
}

func (h *harness) supervisor(i int) *fakeSupervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.supervisors[i]
}

func (h *harness) options() []Option {
	return []Option{
		WithBrowserOptions(
			browser.WithDriverFactory(h.newDriver),
			browser.WithSupervisorFactory(h.newSupervisor),
			browser.WithSyncTiming(time.Millisecond, 0),
		),
		WithRespawnBackoff(time.Millisecond),
	}
}

func testConfig(poolSize int, mutate ...func(*config.Config)) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SetBrowserPoolSize(poolSize)
	cfg.SetBrowserDOMDepthLimit(1)
	cfg.SetScopeHosts([]string{"example.com"})
	cfg.BrowserCfg.TimeToLive = 0
	cfg.BrowserCfg.RequestTimeout = time.Second
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

// collector is a Handler recording every page it receives.
type collector struct {
	mu    sync.Mutex
	pages []*schemas.Page
}

func (c *collector) handle(p *schemas.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, p)
}

func (c *collector) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, strings.TrimPrefix(p.URL, origin))
	}
	return out
}

// funcJob runs an arbitrary function.
type funcJob struct {
	id  string
	run func(ctx context.Context, b *browser.Browser, emit Handler) error
}

func (j *funcJob) ID() string { return j.id }

func (j *funcJob) Run(ctx context.Context, b *browser.Browser, emit Handler) error {
	return j.run(ctx, b, emit)
}

func newCluster(t *testing.T, cfg *config.Config, h *harness, handler Handler, logger *zap.Logger) *Cluster {
	t.Helper()
	c, err := New(context.Background(), cfg, handler, logger, h.options()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}
