package browser

import (
	"context"
	"maps"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

// CaptureSnapshot records the current state, plus any windows the last interaction
// opened, and returns the pages for the states not seen before. pending, when set,
// is a transition that led here but is not yet part of the browser's chain.
func (b *Browser) CaptureSnapshot(ctx context.Context, pending *schemas.Transition) []*schemas.Page {
	if b.closed.Load() {
		return nil
	}

	location, err := b.driver.Location(ctx)
	if err != nil {
		b.logger.Debug("Failed to read location.", zap.Error(err))
		return nil
	}
	if !b.shared.Scope.InScope(location) {
		return nil
	}
	b.collectResponses()

	// Sinks belong to the main document. Those of a known state are dropped.
	sinks, err := b.driver.Sinks(ctx)
	if err != nil {
		b.logger.Debug("Failed to read taint sinks.", zap.Error(err))
	}

	transitions := b.Transitions()
	if pending != nil {
		transitions = append(transitions, pending)
	}

	var pages []*schemas.Page
	skeleton, err := b.driver.Skeleton(ctx)
	if err != nil {
		b.logger.Debug("Failed to read skeleton.", zap.Error(err))
	} else if digest := schemas.ComputeDigest(transitions, skeleton); b.skipStates.Add(digest) {
		body, err := b.driver.HTML(ctx)
		if err != nil {
			b.logger.Debug("Failed to read document.", zap.Error(err))
		} else {
			page := b.buildPage(ctx, location, body, transitions, digest)
			page.DOM.DataFlowSinks = sinks.DataFlow
			page.DOM.ExecutionFlowSinks = sinks.ExecutionFlow
			pages = append(pages, page)
		}
	}

	windows, err := b.driver.OpenedWindows(ctx)
	if err != nil {
		b.logger.Debug("Failed to capture some windows.", zap.Error(err))
	}
	for _, w := range windows {
		if !b.shared.Scope.InScope(w.URL) {
			continue
		}
		// A popup is reached again by loading it directly.
		load := schemas.NewPageTransition(w.URL, nil)
		_ = load.Complete(0)
		chain := []*schemas.Transition{load}
		digest := schemas.ComputeDigest(chain, w.Skeleton)
		if !b.skipStates.Add(digest) {
			continue
		}
		pages = append(pages, b.buildPage(ctx, w.URL, w.HTML, chain, digest))
	}

	for _, page := range pages {
		b.emit(page)
	}
	return pages
}

func (b *Browser) buildPage(ctx context.Context, location, body string, transitions []*schemas.Transition, digest string) *schemas.Page {
	page := &schemas.Page{
		URL:  location,
		Body: body,
		DOM: schemas.DOM{
			URL:         location,
			Transitions: transitions,
			Digest:      digest,
			SkipStates:  b.skipStates.Copy(),
		},
	}
	if b.lastResponse != nil {
		page.Code = b.lastResponse.Status
		page.Headers = maps.Clone(b.lastResponse.Headers)
	}
	page.Forms, page.Links = extractFormsAndLinks(body, location)

	if elements, err := b.EachElementWithEvents(ctx); err != nil {
		b.logger.Debug("Failed to list elements with events.", zap.Error(err))
	} else {
		page.ElementsWithEvents = elements
	}
	if cookies, err := b.driver.Cookies(ctx); err != nil {
		b.logger.Debug("Failed to read engine cookies.", zap.Error(err))
	} else {
		page.Cookies = cookies
		page.DOM.Cookies = cookies
	}
	return page
}

func (b *Browser) emit(page *schemas.Page) {
	b.logger.Debug("Captured new state.", zap.String("url", page.URL), zap.String("digest", page.DOM.Digest))
	b.notify(NewPage, page)
	if page.HasSinks() {
		b.notify(NewPageWithSink, page)
	}
	if b.cfg.StorePages {
		b.pageSnapshots = append(b.pageSnapshots, page)
	}
}

// extractFormsAndLinks parses body and returns its forms and absolute http(s) links.
func extractFormsAndLinks(body, location string) ([]schemas.Form, []schemas.Link) {
	doc, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return nil, nil
	}
	base, _ := url.Parse(location)
	if n := htmlquery.FindOne(doc, "//base[@href]"); n != nil && base != nil {
		if href, err := base.Parse(htmlquery.SelectAttr(n, "href")); err == nil {
			base = href
		}
	}

	var forms []schemas.Form
	for _, n := range htmlquery.Find(doc, "//form") {
		method := strings.ToUpper(strings.TrimSpace(htmlquery.SelectAttr(n, "method")))
		if method == "" {
			method = "GET"
		}
		forms = append(forms, schemas.Form{
			Action: resolve(base, htmlquery.SelectAttr(n, "action")),
			Method: method,
			Inputs: formInputs(n),
		})
	}

	var links []schemas.Link
	seen := make(map[string]bool)
	for _, n := range htmlquery.Find(doc, "//a[@href]") {
		abs := resolve(base, htmlquery.SelectAttr(n, "href"))
		if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		links = append(links, schemas.Link{URL: abs})
	}
	return forms, links
}

func formInputs(form *html.Node) []schemas.Input {
	var inputs []schemas.Input
	for _, n := range htmlquery.Find(form, ".//input|.//textarea|.//select|.//button") {
		name := htmlquery.SelectAttr(n, "name")
		if name == "" {
			continue
		}
		in := schemas.Input{Name: name, Type: n.Data, Value: htmlquery.SelectAttr(n, "value")}
		switch n.Data {
		case "input", "button":
			if t := strings.ToLower(htmlquery.SelectAttr(n, "type")); t != "" {
				in.Type = t
			} else if n.Data == "input" {
				in.Type = "text"
			} else {
				in.Type = "submit"
			}
		case "textarea":
			in.Value = htmlquery.InnerText(n)
		}
		inputs = append(inputs, in)
	}
	return inputs
}

// resolve makes ref absolute against base. An empty ref resolves to base itself.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	u.Fragment = ""
	return u.String()
}
