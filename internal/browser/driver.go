package browser

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

// Response is the main-frame response of a navigation, or an XHR/fetch response
// observed on the wire.
type Response struct {
	URL      string
	Status   int
	Headers  map[string]string
	MimeType string
	Body     string
}

// Window is a snapshot of a window opened by page script, taken just before the
// window was closed.
type Window struct {
	URL      string
	HTML     string
	Skeleton string
}

// Driver is the engine-facing half of a Browser. Methods are called from a single
// goroutine.
type Driver interface {
	// Navigate loads url in the main tab and returns its main-frame response.
	Navigate(ctx context.Context, url string) (*Response, error)
	// Location returns the current document URL.
	Location(ctx context.Context) (string, error)
	// HTML serializes the current document.
	HTML(ctx context.Context) (string, error)
	// Skeleton returns the structural skeleton used for state digests.
	Skeleton(ctx context.Context) (string, error)
	// ElementsWithEvents lists visible elements that have handlers or navigate.
	ElementsWithEvents(ctx context.Context) ([]shim.ElementRecord, error)
	// FormFields lists the fillable fields of the form at locator. A nil slice with a
	// nil error means the element is gone.
	FormFields(ctx context.Context, locator *schemas.ElementLocator) ([]shim.FieldRecord, error)
	// Fire dispatches event on the element at locator.
	Fire(ctx context.Context, locator *schemas.ElementLocator, event schemas.Event, inputs map[string]string, value *string) (shim.FireResult, error)
	// Pending returns the number of in-flight requests and short timers.
	Pending(ctx context.Context) (int, error)
	// Exists reports whether a CSS selector matches in the current document.
	Exists(ctx context.Context, selector string) (bool, error)
	// Sinks drains the taint sinks recorded since the last call.
	Sinks(ctx context.Context) (shim.SinkBatch, error)
	// Cookies returns every cookie the engine holds.
	Cookies(ctx context.Context) ([]*schemas.Cookie, error)
	// SetCookies installs cookies in the engine.
	SetCookies(ctx context.Context, cookies []*schemas.Cookie) error
	// OpenedWindows captures and closes every window opened since the last call.
	OpenedWindows(ctx context.Context) ([]Window, error)
	// CapturedResponses drains XHR/fetch responses observed since the last call.
	CapturedResponses() []*Response
	// Pid is the engine's process id.
	Pid() int
	// Close terminates the engine.
	Close() error
}

// DriverFactory starts an engine.
type DriverFactory func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Driver, error)
