package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

const (
	launchTimeout    = 30 * time.Second
	closeGracePeriod = 5 * time.Second
	windowTimeout    = 5 * time.Second
	maxTimerDelay    = 5 * time.Second
)

// cdpDriver drives a Chrome process over the DevTools protocol.
type cdpDriver struct {
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	harvester *Harvester
	monitor   string
	mainID    target.ID
	pid       int

	mu     sync.Mutex
	opened []target.ID
}

// NewChromeDriver launches Chrome with cfg. The process lives until Close, not until
// ctx ends, so callers can bound startup without bounding the browser's lifetime.
func NewChromeDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Driver, error) {
	monitor, err := shim.MonitorScript(monitorConfig(cfg))
	if err != nil {
		return nil, err
	}
	tracer, err := shim.TracerScript(cfg.TaintSeed)
	if err != nil {
		return nil, err
	}

	d := &cdpDriver{logger: logger.Named("chrome"), monitor: monitor}
	d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(cfg)...)
	d.tabCtx, d.tabCancel = chromedp.NewContext(d.allocCtx)

	if err := d.start(ctx, cfg, monitor, tracer); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *cdpDriver) start(ctx context.Context, cfg config.BrowserConfig, scripts ...string) error {
	startCtx, cancel := context.WithTimeout(d.tabCtx, launchTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// The first Run allocates the process and the main tab.
	if err := chromedp.Run(startCtx); err != nil {
		return fmt.Errorf("browser failed to start: %w", err)
	}

	c := chromedp.FromContext(d.tabCtx)
	if c.Target != nil {
		d.mainID = c.Target.TargetID
	}
	if c.Browser != nil && c.Browser.Process() != nil {
		d.pid = c.Browser.Process().Pid
	}
	if d.pid == 0 {
		return errors.New("browser process id is unknown")
	}

	d.harvester = NewHarvester(d.tabCtx, d.logger, cfg.StorePages)
	if err := d.harvester.Start(); err != nil {
		return fmt.Errorf("failed to start harvester: %w", err)
	}

	chromedp.ListenBrowser(d.tabCtx, d.onBrowserEvent)

	actions := make([]chromedp.Action, 0, len(scripts)+1)
	for _, src := range scripts {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
			return err
		}))
	}
	if len(cfg.Headers) > 0 {
		headers := make(network.Headers, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	if err := chromedp.Run(startCtx, actions...); err != nil {
		return fmt.Errorf("failed to instrument browser: %w", err)
	}
	return nil
}

// allocatorOptions assembles the flags for a configurable browser instance.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		// Later flags win, which drops the default automation banner.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.WindowSize(int(cfg.Width), int(cfg.Height)),
	)
	if cfg.IgnoreImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	// Needed inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

func monitorConfig(cfg config.BrowserConfig) shim.MonitorConfig {
	items := make([]shim.StorageItem, 0, len(cfg.LocalStorage))
	for _, item := range cfg.LocalStorage {
		items = append(items, shim.StorageItem{Key: item.Key, Value: item.Value})
	}
	return shim.MonitorConfig{LocalStorage: items, MaxTimerDelayMS: maxTimerDelay.Milliseconds()}
}

func (d *cdpDriver) onBrowserEvent(ev interface{}) {
	e, ok := ev.(*target.EventTargetCreated)
	if !ok || e.TargetInfo == nil || e.TargetInfo.Type != "page" {
		return
	}
	if e.TargetInfo.TargetID == d.mainID || e.TargetInfo.OpenerID != d.mainID {
		return
	}
	d.mu.Lock()
	d.opened = append(d.opened, e.TargetInfo.TargetID)
	d.mu.Unlock()
}

func (d *cdpDriver) Navigate(ctx context.Context, url string) (*Response, error) {
	var resp *network.Response
	err := d.run(ctx, func(tctx context.Context) error {
		var err error
		resp, err = chromedp.RunResponse(tctx, chromedp.Navigate(url))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if resp == nil {
		// Non-network schemes such as about: and data: have no response.
		return &Response{URL: url, Status: 200, Headers: map[string]string{}}, nil
	}
	return &Response{
		URL:      resp.URL,
		Status:   int(resp.Status),
		Headers:  flattenHeaders(resp.Headers),
		MimeType: resp.MimeType,
	}, nil
}

func (d *cdpDriver) Location(ctx context.Context) (string, error) {
	var out string
	if err := d.eval(ctx, shim.LocationExpr(), &out); err != nil {
		return "", err
	}
	return out, nil
}

func (d *cdpDriver) HTML(ctx context.Context) (string, error) {
	var out string
	if err := d.eval(ctx, shim.HTMLExpr(), &out); err != nil {
		return "", err
	}
	return out, nil
}

func (d *cdpDriver) Skeleton(ctx context.Context) (string, error) {
	var out string
	if err := d.eval(ctx, shim.SkeletonExpr(), &out); err != nil {
		return "", err
	}
	return out, nil
}

func (d *cdpDriver) ElementsWithEvents(ctx context.Context) ([]shim.ElementRecord, error) {
	var raw string
	if err := d.eval(ctx, shim.ElementsWithEventsExpr(), &raw); err != nil {
		return nil, err
	}
	return shim.DecodeElements(raw)
}

func (d *cdpDriver) FormFields(ctx context.Context, locator *schemas.ElementLocator) ([]shim.FieldRecord, error) {
	expr, err := shim.FormFieldsExpr(locator.TagName, locator.Attributes)
	if err != nil {
		return nil, err
	}
	var raw string
	if err := d.eval(ctx, expr, &raw); err != nil {
		return nil, err
	}
	return shim.DecodeFields(raw)
}

func (d *cdpDriver) Fire(ctx context.Context, locator *schemas.ElementLocator, event schemas.Event, inputs map[string]string, value *string) (shim.FireResult, error) {
	expr, err := shim.FireExpr(locator.TagName, locator.Attributes, string(event), inputs, value)
	if err != nil {
		return shim.FireResult{Status: shim.FireError}, err
	}
	var raw string
	if err := d.eval(ctx, expr, &raw); err != nil {
		// Navigations triggered by the event tear down the execution context mid-call.
		if isContextDestroyed(err) {
			return shim.FireResult{Status: shim.FireOK}, nil
		}
		return shim.FireResult{Status: shim.FireError, Message: err.Error()}, err
	}
	return shim.DecodeFire(raw)
}

func (d *cdpDriver) Pending(ctx context.Context) (int, error) {
	var n int
	if err := d.eval(ctx, shim.PendingExpr(), &n); err != nil {
		return 0, err
	}
	return n + d.harvester.Inflight(), nil
}

func (d *cdpDriver) Exists(ctx context.Context, selector string) (bool, error) {
	expr, err := shim.ExistsExpr(selector)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := d.eval(ctx, expr, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (d *cdpDriver) Sinks(ctx context.Context) (shim.SinkBatch, error) {
	var raw string
	if err := d.eval(ctx, shim.FlushSinksExpr(), &raw); err != nil {
		return shim.SinkBatch{}, err
	}
	return shim.DecodeSinks(raw)
}

func (d *cdpDriver) Cookies(ctx context.Context) ([]*schemas.Cookie, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, func(tctx context.Context) error {
		return chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}

	out := make([]*schemas.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Size:     c.Size,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: schemas.CookieSameSite(c.SameSite),
		})
	}
	return out, nil
}

func (d *cdpDriver) SetCookies(ctx context.Context, cookies []*schemas.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		// A domain makes CDP create a domain cookie; host-only cookies are set by URL.
		if strings.HasPrefix(c.Domain, ".") {
			p.Domain = c.Domain
		} else {
			scheme := "http"
			if c.Secure {
				scheme = "https"
			}
			p.URL = scheme + "://" + c.Domain + "/"
		}
		if !c.Session && c.Expires > 0 {
			sec := int64(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(sec, 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	err := d.run(ctx, func(tctx context.Context) error {
		return chromedp.Run(tctx, network.SetCookies(params))
	})
	if err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (d *cdpDriver) OpenedWindows(ctx context.Context) ([]Window, error) {
	d.mu.Lock()
	ids := d.opened
	d.opened = nil
	d.mu.Unlock()

	var windows []Window
	var errs []error
	for _, id := range ids {
		w, err := d.captureWindow(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		windows = append(windows, w)
	}
	return windows, errors.Join(errs...)
}

func (d *cdpDriver) captureWindow(ctx context.Context, id target.ID) (Window, error) {
	wctx, cancel := chromedp.NewContext(d.tabCtx, chromedp.WithTargetID(id))
	defer cancel()
	tctx, tcancel := context.WithTimeout(wctx, windowTimeout)
	defer tcancel()
	stop := context.AfterFunc(ctx, tcancel)
	defer stop()

	// Popups do not inherit scripts registered on the main tab.
	var w Window
	err := chromedp.Run(tctx,
		chromedp.Evaluate(d.monitor, nil),
		chromedp.Evaluate(shim.LocationExpr(), &w.URL),
		chromedp.Evaluate(shim.HTMLExpr(), &w.HTML),
		chromedp.Evaluate(shim.SkeletonExpr(), &w.Skeleton),
	)

	closeCtx, closeCancel := context.WithTimeout(d.tabCtx, windowTimeout)
	defer closeCancel()
	if cerr := chromedp.Run(closeCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.CloseTarget(id).Do(ctx)
	})); cerr != nil {
		d.logger.Debug("Failed to close window.", zap.String("target_id", string(id)), zap.Error(cerr))
	}

	if err != nil {
		return Window{}, fmt.Errorf("failed to capture window %s: %w", id, err)
	}
	return w, nil
}

func (d *cdpDriver) CapturedResponses() []*Response {
	return d.harvester.Drain()
}

func (d *cdpDriver) Pid() int { return d.pid }

func (d *cdpDriver) Close() error {
	if d.harvester != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
		d.harvester.Stop(ctx)
		cancel()
	}

	var err error
	if d.tabCtx != nil {
		// Cancel closes the browser gracefully when it allocated it.
		if cerr := chromedp.Cancel(d.tabCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = cerr
		}
		d.tabCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	return err
}

// run executes fn against the main tab, bounded by ctx as well as the tab's lifetime.
func (d *cdpDriver) run(ctx context.Context, fn func(tctx context.Context) error) error {
	tctx, cancel := context.WithCancel(d.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := fn(tctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *cdpDriver) eval(ctx context.Context, expr string, res interface{}) error {
	return d.run(ctx, func(tctx context.Context) error {
		return chromedp.Run(tctx, chromedp.Evaluate(expr, res))
	})
}

func isContextDestroyed(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "Cannot find context with specified id") ||
		strings.Contains(msg, "Inspected target navigated or closed")
}
