package schemas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrTransitionCompleted is returned when mutating a transition that has already completed.
	ErrTransitionCompleted = errors.New("transition already completed")
	// ErrReplayFailed is returned when a recorded transition cannot be reproduced.
	ErrReplayFailed = errors.New("transition replay failed")
)

// Event is a DOM event name, as found in on* attributes without the prefix.
type Event string

const (
	EventLoad      Event = "load"
	EventClick     Event = "click"
	EventDblClick  Event = "dblclick"
	EventSubmit    Event = "submit"
	EventChange    Event = "change"
	EventInput     Event = "input"
	EventSelect    Event = "select"
	EventFocus     Event = "focus"
	EventBlur      Event = "blur"
	EventMouseOver Event = "mouseover"
	EventMouseOut  Event = "mouseout"
	EventMouseDown Event = "mousedown"
	EventMouseUp   Event = "mouseup"
	EventKeyDown   Event = "keydown"
	EventKeyUp     Event = "keyup"
	EventKeyPress  Event = "keypress"
)

// EventFromAttribute maps an inline handler attribute (onclick) to its event.
func EventFromAttribute(attr string) (Event, bool) {
	attr = strings.ToLower(attr)
	if !strings.HasPrefix(attr, "on") || len(attr) <= 2 {
		return "", false
	}
	return Event(attr[2:]), true
}

// TransitionOptions carries the parameters needed to reproduce a transition.
type TransitionOptions struct {
	URL     string            `json:"url,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Inputs  map[string]string `json:"inputs,omitempty"`
	Value   *string           `json:"value,omitempty"`
}

func (o TransitionOptions) clone() TransitionOptions {
	c := TransitionOptions{URL: o.URL}
	if o.Cookies != nil {
		c.Cookies = make(map[string]string, len(o.Cookies))
		for k, v := range o.Cookies {
			c.Cookies[k] = v
		}
	}
	if o.Inputs != nil {
		c.Inputs = make(map[string]string, len(o.Inputs))
		for k, v := range o.Inputs {
			c.Inputs[k] = v
		}
	}
	if o.Value != nil {
		v := *o.Value
		c.Value = &v
	}
	return c
}

// Player reproduces transitions against a live browser.
type Player interface {
	// PlayLoad navigates to url with the given cookies and returns the resulting page transition.
	PlayLoad(ctx context.Context, url string, cookies map[string]string) (*Transition, error)
	// PlayEvent fires event on the element described by element. A nil transition
	// means the element could not be found or the event could not be fired.
	PlayEvent(ctx context.Context, element *ElementLocator, event Event, opts TransitionOptions) *Transition
}

// Transition is a replayable step between two DOM states. A nil element means the
// target is the page itself (a navigation). Transitions are mutable while being built
// and immutable after Complete.
type Transition struct {
	element   *ElementLocator
	event     Event
	options   TransitionOptions
	duration  time.Duration
	completed bool
}

// NewTransition starts building a transition on element.
func NewTransition(element *ElementLocator, event Event, opts TransitionOptions) *Transition {
	return &Transition{
		element: element.Clone(),
		event:   event,
		options: opts.clone(),
	}
}

// NewPageTransition starts building a page load transition.
func NewPageTransition(url string, cookies map[string]string) *Transition {
	return NewTransition(nil, EventLoad, TransitionOptions{URL: url, Cookies: cookies})
}

func (t *Transition) Element() *ElementLocator  { return t.element.Clone() }
func (t *Transition) Event() Event               { return t.event }
func (t *Transition) Options() TransitionOptions { return t.options.clone() }
func (t *Transition) Duration() time.Duration    { return t.duration }
func (t *Transition) Completed() bool            { return t.completed }

// IsPage reports whether the transition targets the page rather than an element.
func (t *Transition) IsPage() bool { return t.element == nil }

// SetOptions replaces the options of a transition that is still being built.
func (t *Transition) SetOptions(opts TransitionOptions) error {
	if t.completed {
		return ErrTransitionCompleted
	}
	t.options = opts.clone()
	return nil
}

// Complete freezes the transition.
func (t *Transition) Complete(d time.Duration) error {
	if t.completed {
		return ErrTransitionCompleted
	}
	t.duration = d
	t.completed = true
	return nil
}

// Equal compares target, event and options. Timing is ignored.
func (t *Transition) Equal(other *Transition) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Fingerprint() == other.Fingerprint()
}

// Fingerprint is a canonical rendering of target, event and options, stable across
// runs and independent of map ordering.
func (t *Transition) Fingerprint() string {
	var b strings.Builder
	b.WriteString(t.element.String())
	b.WriteString(" ")
	b.WriteString(string(t.event))
	if t.options.URL != "" {
		b.WriteString(" url=")
		b.WriteString(t.options.URL)
	}
	writeSortedMap(&b, " cookies=", t.options.Cookies)
	writeSortedMap(&b, " inputs=", t.options.Inputs)
	if t.options.Value != nil {
		b.WriteString(" value=")
		b.WriteString(*t.options.Value)
	}
	return b.String()
}

func (t *Transition) String() string {
	return fmt.Sprintf("%s (%s)", t.Fingerprint(), t.duration)
}

// Play reproduces the transition and returns the newly recorded transition.
func (t *Transition) Play(ctx context.Context, p Player) (*Transition, error) {
	if t.IsPage() {
		if t.event != EventLoad {
			return nil, fmt.Errorf("%w: unsupported page event %q", ErrReplayFailed, t.event)
		}
		next, err := p.PlayLoad(ctx, t.options.URL, t.options.Cookies)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s is out of scope", ErrReplayFailed, t.options.URL)
		}
		return next, nil
	}

	next := p.PlayEvent(ctx, t.element, t.event, t.options.clone())
	if next == nil {
		return nil, fmt.Errorf("%w: %s", ErrReplayFailed, t.Fingerprint())
	}
	return next, nil
}

type transitionJSON struct {
	Element   *ElementLocator   `json:"element"`
	Event     Event             `json:"event"`
	Options   TransitionOptions `json:"options"`
	Duration  time.Duration     `json:"duration"`
	Completed bool              `json:"completed"`
}

func (t *Transition) MarshalJSON() ([]byte, error) {
	return json.Marshal(transitionJSON{
		Element:   t.element,
		Event:     t.event,
		Options:   t.options,
		Duration:  t.duration,
		Completed: t.completed,
	})
}

func (t *Transition) UnmarshalJSON(data []byte) error {
	var raw transitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.element = raw.Element
	t.event = raw.Event
	t.options = raw.Options
	t.duration = raw.Duration
	t.completed = raw.Completed
	return nil
}

func writeSortedMap(b *strings.Builder, label string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(label)
	for i, k := range keys {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(m[k])
	}
}
