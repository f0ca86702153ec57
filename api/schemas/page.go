package schemas

import (
	"context"
	"fmt"
)

// -- Snapshot Schemas --

// Input is a named form field.
type Input struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Form is a <form> element extracted from a snapshot.
type Form struct {
	Action string  `json:"action"`
	Method string  `json:"method"`
	Inputs []Input `json:"inputs"`
}

// Link is an absolute hyperlink extracted from a snapshot.
type Link struct {
	URL string `json:"url"`
}

// ElementWithEvents pairs an element with the handlers registered for each event.
// Handler strings are the handler source (inline attribute value, listener source or
// javascript: URL).
type ElementWithEvents struct {
	Locator *ElementLocator    `json:"locator"`
	Events  map[Event][]string `json:"events"`
}

// Function describes a JavaScript function at a point of a trace.
type Function struct {
	Name      string   `json:"name"`
	Source    string   `json:"source,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
}

// Frame is a single stack frame of a sink trace.
type Frame struct {
	Function Function `json:"function"`
	Line     int      `json:"line"`
	URL      string   `json:"url"`
}

// Sink records data reaching a JavaScript sink, plus the stack that led there.
type Sink struct {
	Data  Function `json:"data"`
	Trace []Frame  `json:"trace"`
}

// DOM is the replayable state of a page.
type DOM struct {
	URL                string        `json:"url"`
	Transitions        []*Transition `json:"transitions"`
	Digest             string        `json:"digest"`
	SkipStates         *SkipStates   `json:"skip_states,omitempty"`
	Cookies            []*Cookie     `json:"cookies,omitempty"`
	DataFlowSinks      []Sink        `json:"data_flow_sinks,omitempty"`
	ExecutionFlowSinks []Sink        `json:"execution_flow_sinks,omitempty"`
}

// Restore replays every transition in order and returns the last recorded one.
func (d *DOM) Restore(ctx context.Context, p Player) (*Transition, error) {
	if len(d.Transitions) == 0 {
		return nil, fmt.Errorf("%w: DOM for %s has no transitions", ErrReplayFailed, d.URL)
	}
	var last *Transition
	for i, t := range d.Transitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := t.Play(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("step %d of %d: %w", i+1, len(d.Transitions), err)
		}
		last = next
	}
	return last, nil
}

// Page is a captured snapshot of a DOM state.
type Page struct {
	URL                string              `json:"url"`
	Code               int                 `json:"code"`
	Headers            map[string]string   `json:"headers,omitempty"`
	Body               string              `json:"body"`
	Forms              []Form              `json:"forms,omitempty"`
	Links              []Link              `json:"links,omitempty"`
	Cookies            []*Cookie           `json:"cookies,omitempty"`
	ElementsWithEvents []ElementWithEvents `json:"elements_with_events,omitempty"`
	DOM                DOM                 `json:"dom"`
}

// EmptyPage is returned in place of states that were never loaded, such as
// out-of-scope navigations. Its digest covers a bare load of url.
func EmptyPage(url string) *Page {
	load := NewPageTransition(url, nil)
	_ = load.Complete(0)
	transitions := []*Transition{load}
	return &Page{
		URL: url,
		DOM: DOM{URL: url, Transitions: transitions, Digest: ComputeDigest(transitions, "")},
	}
}

// ResponseDigest fingerprints a response captured while the given transitions
// were played. The response URL and body stand in for a document skeleton.
func ResponseDigest(transitions []*Transition, url, body string) string {
	return ComputeDigest(transitions, "response\x00"+url+"\x00"+body)
}

// HasSinks reports whether any taint trace was recorded for the page.
func (p *Page) HasSinks() bool {
	return len(p.DOM.DataFlowSinks) > 0 || len(p.DOM.ExecutionFlowSinks) > 0
}
