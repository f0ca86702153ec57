// internal/browser/harvester.go
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const bodyFetchTimeout = 15 * time.Second

// Harvester listens to network events of one tab. It tracks in-flight requests for
// sync and, when asked to, keeps the XHR and fetch responses the page made.
type Harvester struct {
	logger        *zap.Logger
	captureBodies bool

	// The context for the browser tab this harvester is attached to.
	tabCtx context.Context
	// A separate context for the listener so it can be stopped cleanly.
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	lock      sync.RWMutex
	inflight  map[network.RequestID]struct{}
	responses map[network.RequestID]*Response
	captured  []*Response
	started   bool

	// Tracks body fetches so Stop does not return while one is writing.
	bodyFetchWG sync.WaitGroup
}

// NewHarvester creates a harvester for the tab behind tabCtx.
func NewHarvester(tabCtx context.Context, logger *zap.Logger, captureBodies bool) *Harvester {
	return &Harvester{
		tabCtx:        tabCtx,
		logger:        logger.Named("harvester"),
		captureBodies: captureBodies,
		inflight:      make(map[network.RequestID]struct{}),
		responses:     make(map[network.RequestID]*Response),
	}
}

// Start enables the network domain and begins listening.
func (h *Harvester) Start() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.started {
		return nil
	}

	h.listenerCtx, h.cancelListener = context.WithCancel(h.tabCtx)
	chromedp.ListenTarget(h.listenerCtx, h.dispatch)

	if err := chromedp.Run(h.tabCtx, network.Enable()); err != nil {
		h.cancelListener()
		return err
	}

	h.started = true
	h.logger.Debug("Harvester started and listening for events.")
	return nil
}

// Stop halts event collection and waits for outstanding body fetches.
func (h *Harvester) Stop(ctx context.Context) {
	h.lock.Lock()
	if h.cancelListener != nil {
		h.cancelListener()
		h.cancelListener = nil
	}
	h.started = false
	h.lock.Unlock()

	done := make(chan struct{})
	go func() {
		h.bodyFetchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Timed out waiting for response bodies to be fetched.", zap.Error(ctx.Err()))
	}
}

// Inflight returns the number of requests that have not finished loading.
func (h *Harvester) Inflight() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.inflight)
}

// Drain returns and forgets the captured responses.
func (h *Harvester) Drain() []*Response {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := h.captured
	h.captured = nil
	return out
}

func (h *Harvester) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		h.handleRequestWillBeSent(e)
	case *network.EventResponseReceived:
		h.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		h.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		h.handleLoadingFailed(e)
	}
}

// -- Event Handlers --

func (h *Harvester) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	h.lock.Lock()
	defer h.lock.Unlock()
	// Redirect legs reuse the request id, so the map keeps the count right.
	h.inflight[e.RequestID] = struct{}{}
}

func (h *Harvester) handleResponseReceived(e *network.EventResponseReceived) {
	if !h.captureBodies || e.Response == nil {
		return
	}
	if e.Type != network.ResourceTypeXHR && e.Type != network.ResourceTypeFetch {
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	h.responses[e.RequestID] = &Response{
		URL:      e.Response.URL,
		Status:   int(e.Response.Status),
		Headers:  flattenHeaders(e.Response.Headers),
		MimeType: e.Response.MimeType,
	}
}

func (h *Harvester) handleLoadingFinished(e *network.EventLoadingFinished) {
	h.lock.Lock()
	delete(h.inflight, e.RequestID)
	resp, ok := h.responses[e.RequestID]
	delete(h.responses, e.RequestID)
	if !ok {
		h.lock.Unlock()
		return
	}

	if !isTextMime(resp.MimeType) {
		h.captured = append(h.captured, resp)
		h.lock.Unlock()
		return
	}
	h.bodyFetchWG.Add(1)
	// Unlock before the goroutine, the fetch takes the lock again.
	h.lock.Unlock()
	go h.fetchBody(e.RequestID, resp)
}

func (h *Harvester) handleLoadingFailed(e *network.EventLoadingFailed) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.inflight, e.RequestID)
	delete(h.responses, e.RequestID)
}

// fetchBody grabs the response body for a finished request. Runs in its own goroutine.
func (h *Harvester) fetchBody(requestID network.RequestID, resp *Response) {
	defer h.bodyFetchWG.Done()

	if h.tabCtx.Err() == nil {
		ctx, cancel := context.WithTimeout(h.tabCtx, bodyFetchTimeout)
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			body, err := network.GetResponseBody(requestID).Do(ctx)
			if err == nil {
				resp.Body = string(body)
			}
			return err
		}))
		cancel()
		if err != nil && h.tabCtx.Err() == nil {
			h.logger.Debug("Failed to fetch response body.", zap.String("url", resp.URL), zap.Error(err))
		}
	}

	h.lock.Lock()
	h.captured = append(h.captured, resp)
	h.lock.Unlock()
}

// flattenHeaders joins multi-value headers, which CDP separates with newlines.
func flattenHeaders(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if s, ok := value.(string); ok {
			out[name] = strings.ReplaceAll(s, "\n", ", ")
		}
	}
	return out
}

func isTextMime(mimeType string) bool {
	mime := strings.ToLower(mimeType)
	return strings.HasPrefix(mime, "text/") ||
		strings.Contains(mime, "json") ||
		strings.Contains(mime, "javascript") ||
		strings.Contains(mime, "xml") ||
		strings.Contains(mime, "x-www-form-urlencoded")
}
