package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

type loadOptions struct {
	cookies           map[string]string
	takeSnapshot      bool
	updateTransitions bool
}

// LoadOption configures Load and Goto.
type LoadOption func(*loadOptions)

// WithCookies adds cookies to the shared jar before navigating.
func WithCookies(cookies map[string]string) LoadOption {
	return func(o *loadOptions) { o.cookies = cookies }
}

// WithoutSnapshot skips capturing the loaded state.
func WithoutSnapshot() LoadOption {
	return func(o *loadOptions) { o.takeSnapshot = false }
}

// WithoutTransitionUpdate leaves the browser's transition chain untouched.
func WithoutTransitionUpdate() LoadOption {
	return func(o *loadOptions) { o.updateTransitions = false }
}

func newLoadOptions(opts []LoadOption) loadOptions {
	o := loadOptions{takeSnapshot: true, updateTransitions: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Load brings the browser to resource, which may be a URL (string or *url.URL), an
// *http.Response, or a captured *schemas.Page or *schemas.DOM. Pages and DOMs are
// restored by replaying their transitions; a failed step aborts with an error
// wrapping schemas.ErrReplayFailed. Unknown resources yield a *LoadError and leave
// the browser untouched.
func (b *Browser) Load(ctx context.Context, resource any, opts ...LoadOption) (*schemas.Transition, error) {
	if !Loadable(resource) {
		return nil, &LoadError{Resource: resource}
	}
	switch r := resource.(type) {
	case string:
		return b.Goto(ctx, r, opts...)
	case *url.URL:
		return b.Goto(ctx, r.String(), opts...)
	case *http.Response:
		b.shared.Jar.SetCookies(r.Request.URL, r.Cookies())
		return b.Goto(ctx, r.Request.URL.String(), opts...)
	case *schemas.Page:
		b.shared.Jar.Update(r.Cookies...)
		return b.restore(ctx, &r.DOM, newLoadOptions(opts))
	default:
		return b.restore(ctx, r.(*schemas.DOM), newLoadOptions(opts))
	}
}

// Loadable reports whether Load accepts resource.
func Loadable(resource any) bool {
	switch r := resource.(type) {
	case string:
		return true
	case *url.URL:
		return r != nil
	case *http.Response:
		return r != nil && r.Request != nil && r.Request.URL != nil
	case *schemas.Page:
		return r != nil
	case *schemas.DOM:
		return r != nil
	}
	return false
}

func (b *Browser) restore(ctx context.Context, dom *schemas.DOM, o loadOptions) (*schemas.Transition, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.skipStates.Merge(dom.SkipStates)
	b.shared.Jar.Update(dom.Cookies...)
	if err := b.shared.Jar.SetValues(dom.URL, o.cookies); err != nil {
		return nil, err
	}

	saved := b.transitions
	last, err := dom.Restore(ctx, b)
	if !o.updateTransitions {
		b.transitions = saved
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", dom.URL, err)
	}
	return last, nil
}

// Goto navigates to rawURL. Out-of-scope URLs are not visited and yield a nil
// transition with a nil error.
func (b *Browser) Goto(ctx context.Context, rawURL string, opts ...LoadOption) (*schemas.Transition, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	o := newLoadOptions(opts)
	logger := b.logger.With(zap.String("url", rawURL))

	if !b.shared.Scope.InScope(rawURL) {
		logger.Debug("Skipping out-of-scope URL.")
		return nil, nil
	}

	if err := b.shared.Jar.SetValues(rawURL, o.cookies); err != nil {
		return nil, err
	}
	if err := b.driver.SetCookies(ctx, b.shared.Jar.ForURL(rawURL)); err != nil {
		return nil, err
	}

	t := schemas.NewPageTransition(rawURL, o.cookies)
	start := time.Now()

	resp, err := b.driver.Navigate(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	b.lastResponse = resp

	b.waitForSettle(ctx)
	b.waitForElements(ctx, rawURL)
	b.syncCookies(ctx)

	if err := t.Complete(time.Since(start)); err != nil {
		return nil, err
	}
	logger.Debug("Loaded page.", zap.Int("status", resp.Status), zap.Duration("duration", t.Duration()))

	var pending *schemas.Transition
	if o.updateTransitions {
		b.transitions = []*schemas.Transition{t}
	} else {
		pending = t
	}
	if o.takeSnapshot {
		b.CaptureSnapshot(ctx, pending)
	}
	return t, nil
}

// PlayLoad replays a recorded page load.
func (b *Browser) PlayLoad(ctx context.Context, rawURL string, cookies map[string]string) (*schemas.Transition, error) {
	return b.Goto(ctx, rawURL, WithCookies(cookies), WithoutSnapshot())
}
