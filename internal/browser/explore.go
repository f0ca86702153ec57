package browser

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

// frontier is a state waiting to be explored.
type frontier struct {
	transitions []*schemas.Transition
	depth       int
}

// ExploreAndFlush explores breadth-first from the current state: every event of
// every element is fired from a freshly restored state and the result captured. New
// states are explored in turn while their depth is below maxDepth (zero or less means
// unbounded) and until dom_event_limit events have been fired. It returns and clears
// the snapshot buffer.
func (b *Browser) ExploreAndFlush(ctx context.Context, maxDepth int) ([]*schemas.Page, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	limit := b.cfg.DOMEventLimit
	fired := 0
	queue := []frontier{{transitions: b.Transitions()}}
	dirty := false

explore:
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && f.depth >= maxDepth {
			continue
		}
		if dirty && !b.replay(ctx, f.transitions) {
			continue
		}
		dirty = false

		elements, err := b.EachElementWithEvents(ctx)
		if err != nil {
			b.logger.Debug("Failed to list elements with events.", zap.Error(err))
			continue
		}

		for _, el := range elements {
			for _, event := range sortedEvents(el.Events) {
				if ctx.Err() != nil || (limit > 0 && fired >= limit) {
					break explore
				}
				if dirty && !b.replay(ctx, f.transitions) {
					continue
				}
				dirty = true

				if b.FireEvent(ctx, el.Locator, event) == nil {
					continue
				}
				fired++
				for _, page := range b.CaptureSnapshot(ctx, nil) {
					queue = append(queue, frontier{transitions: page.DOM.Transitions, depth: f.depth + 1})
				}
			}
		}
	}

	if limit > 0 && fired >= limit {
		b.logger.Debug("DOM event limit reached.", zap.Int("limit", limit))
	}
	return b.FlushPageSnapshots(), ctx.Err()
}

// replay restores the state reached by transitions.
func (b *Browser) replay(ctx context.Context, transitions []*schemas.Transition) bool {
	if len(transitions) == 0 {
		return false
	}
	dom := &schemas.DOM{URL: transitions[0].Options().URL, Transitions: transitions}
	if _, err := dom.Restore(ctx, b); err != nil {
		b.logger.Debug("Failed to restore state.", zap.Error(err))
		return false
	}
	return true
}

// EachElementWithEvents lists the visible elements of the current state together
// with their events. Links and forms whose target is out of scope are left out;
// javascript: targets are kept.
func (b *Browser) EachElementWithEvents(ctx context.Context) ([]schemas.ElementWithEvents, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	records, err := b.driver.ElementsWithEvents(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]schemas.ElementWithEvents, 0, len(records))
	for _, r := range records {
		target := strings.TrimSpace(r.URL)
		navigates := (r.TagName == "a" || r.TagName == "form") && target != ""
		if navigates && !isJavaScriptURL(target) && !b.shared.Scope.InScope(r.ResolvedURL) {
			continue
		}
		el := r.Schema()
		if len(el.Events) == 0 {
			continue
		}
		out = append(out, el)
	}
	return out, nil
}

func sortedEvents(events map[schemas.Event][]string) []schemas.Event {
	out := make([]schemas.Event, 0, len(events))
	for ev := range events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func isJavaScriptURL(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "javascript:")
}
