package browser

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

// fakeElement is an interactive element of a fakePage.
type fakeElement struct {
	tag      string
	attrs    map[string]string
	events   map[string][]string
	href     string // raw href or action
	requires string // flag that must be set for the element to be visible
	sets     string // flag toggled when any event fires
	navigate string // absolute URL loaded when any event fires
	fields   []shim.FieldRecord
}

func (e fakeElement) record() shim.ElementRecord {
	resolved := e.href
	if strings.HasPrefix(e.href, "/") {
		resolved = "http://example.com" + e.href
	}
	return shim.ElementRecord{TagName: e.tag, Attributes: e.attrs, Events: e.events, URL: e.href, ResolvedURL: resolved}
}

// fakePage renders differently depending on the flags set by fired events.
type fakePage struct {
	status   int
	elements []fakeElement
	body     func(flags map[string]bool) string
}

type fakeSite map[string]*fakePage

type firedEvent struct {
	locator string
	event   schemas.Event
	inputs  map[string]string
	value   *string
}

// fakeDriver is an in-memory engine over a fakeSite.
type fakeDriver struct {
	mu          sync.Mutex
	site        fakeSite
	url         string
	flags       map[string]bool
	cookies     map[string]*schemas.Cookie
	navigations []string
	fired       []firedEvent
	pending     int
	pendingCall int
	exists      map[string]bool
	sinks       shim.SinkBatch
	windows     []Window
	responses   []*Response
	closed      bool
}

func newFakeDriver(site fakeSite) *fakeDriver {
	return &fakeDriver{
		site:    site,
		url:     "about:blank",
		flags:   map[string]bool{},
		cookies: map[string]*schemas.Cookie{},
		exists:  map[string]bool{},
	}
}

func (d *fakeDriver) page() *fakePage {
	if p, ok := d.site[d.url]; ok {
		return p
	}
	return &fakePage{status: 404}
}

func (d *fakeDriver) visible() []fakeElement {
	var out []fakeElement
	for _, e := range d.page().elements {
		if e.requires == "" || d.flags[e.requires] {
			out = append(out, e)
		}
	}
	return out
}

func (d *fakeDriver) find(l *schemas.ElementLocator) (fakeElement, bool) {
	for _, e := range d.visible() {
		if e.record().Locator().Equal(l) {
			return e, true
		}
	}
	return fakeElement{}, false
}

func (d *fakeDriver) Navigate(_ context.Context, url string) (*Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("engine closed")
	}
	d.url = url
	d.flags = map[string]bool{}
	d.navigations = append(d.navigations, url)
	return &Response{URL: url, Status: d.page().status, Headers: map[string]string{"Content-Type": "text/html"}}, nil
}

func (d *fakeDriver) Location(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDriver) HTML(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.page(); p.body != nil {
		return p.body(d.flags), nil
	}
	return "<html><body></body></html>", nil
}

func (d *fakeDriver) Skeleton(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var flags []string
	for f, on := range d.flags {
		if on {
			flags = append(flags, f)
		}
	}
	sort.Strings(flags)
	return d.url + "|" + strings.Join(flags, ","), nil
}

func (d *fakeDriver) ElementsWithEvents(context.Context) ([]shim.ElementRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []shim.ElementRecord
	for _, e := range d.visible() {
		out = append(out, e.record())
	}
	return out, nil
}

func (d *fakeDriver) FormFields(_ context.Context, l *schemas.ElementLocator) ([]shim.FieldRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.find(l)
	if !ok {
		return nil, nil
	}
	return append([]shim.FieldRecord{}, e.fields...), nil
}

func (d *fakeDriver) Fire(_ context.Context, l *schemas.ElementLocator, event schemas.Event, inputs map[string]string, value *string) (shim.FireResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.find(l)
	if !ok {
		return shim.FireResult{Status: shim.FireMissing}, nil
	}
	d.fired = append(d.fired, firedEvent{locator: l.String(), event: event, inputs: inputs, value: value})
	if e.sets != "" {
		d.flags[e.sets] = !d.flags[e.sets]
	}
	if e.navigate != "" {
		d.url = e.navigate
		d.flags = map[string]bool{}
		d.navigations = append(d.navigations, e.navigate)
	}
	return shim.FireResult{Status: shim.FireOK}, nil
}

func (d *fakeDriver) Pending(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingCall++
	if d.pending > 0 {
		d.pending--
		return 1, nil
	}
	return 0, nil
}

func (d *fakeDriver) Exists(_ context.Context, selector string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exists[selector], nil
}

func (d *fakeDriver) Sinks(context.Context) (shim.SinkBatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.sinks
	d.sinks = shim.SinkBatch{}
	return out, nil
}

func (d *fakeDriver) Cookies(context.Context) ([]*schemas.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*schemas.Cookie, 0, len(d.cookies))
	for _, c := range d.cookies {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *fakeDriver) SetCookies(_ context.Context, cookies []*schemas.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cookies {
		cp := *c
		d.cookies[c.Name] = &cp
	}
	return nil
}

func (d *fakeDriver) OpenedWindows(context.Context) ([]Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.windows
	d.windows = nil
	return out, nil
}

func (d *fakeDriver) CapturedResponses() []*Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.responses
	d.responses = nil
	return out
}

func (d *fakeDriver) Pid() int { return 4242 }

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) firedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fired)
}

func (d *fakeDriver) lastFired() firedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired[len(d.fired)-1]
}

// fakeSupervisor stands in for the lifeline process.
type fakeSupervisor struct {
	dead   atomic.Bool
	killed atomic.Int32
}

func (s *fakeSupervisor) Pid() int    { return 4343 }
func (s *fakeSupervisor) Alive() bool { return !s.dead.Load() }
func (s *fakeSupervisor) Kill() error {
	s.killed.Add(1)
	s.dead.Store(true)
	return nil
}

// testConfig returns a default configuration scoped to example.com.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.RequestTimeout = time.Second
	cfg.SetScopeHosts([]string{"example.com"})
	return cfg
}

type testBrowser struct {
	*Browser
	driver     *fakeDriver
	supervisor *fakeSupervisor
	shared     *Shared
}

func newTestBrowser(t *testing.T, site fakeSite, mutate ...func(*config.Config)) *testBrowser {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	shared, err := NewShared(cfg)
	require.NoError(t, err)
	return newTestBrowserWithShared(t, site, cfg, shared)
}

func newTestBrowserWithShared(t *testing.T, site fakeSite, cfg *config.Config, shared *Shared) *testBrowser {
	t.Helper()
	driver := newFakeDriver(site)
	supervisor := &fakeSupervisor{}

	b, err := New(context.Background(), cfg.Browser(), shared, zaptest.NewLogger(t),
		WithDriverFactory(func(context.Context, config.BrowserConfig, *zap.Logger) (Driver, error) {
			return driver, nil
		}),
		WithSupervisorFactory(func(context.Context, int, time.Duration, *zap.Logger) (Supervisor, error) {
			return supervisor, nil
		}),
		WithSyncTiming(time.Millisecond, 0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &testBrowser{Browser: b, driver: driver, supervisor: supervisor, shared: shared}
}
