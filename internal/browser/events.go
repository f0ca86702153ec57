package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser/shim"
)

type eventOptions struct {
	inputs map[string]string
	value  *string
}

// EventOption configures FireEvent.
type EventOption func(*eventOptions)

// WithInputs fills form fields by name before the event fires.
func WithInputs(inputs map[string]string) EventOption {
	return func(o *eventOptions) { o.inputs = inputs }
}

// WithValue sets the element's value, or every otherwise unfilled form field.
func WithValue(value string) EventOption {
	return func(o *eventOptions) { o.value = &value }
}

// Events whose handlers usually read what the user typed.
var valueEvents = map[schemas.Event]bool{
	schemas.EventChange:   true,
	schemas.EventInput:    true,
	schemas.EventKeyDown:  true,
	schemas.EventKeyUp:    true,
	schemas.EventKeyPress: true,
	schemas.EventBlur:     true,
}

// FireEvent fires event on the element at locator and returns the completed
// transition. Missing or hidden elements, and engine errors, yield nil.
func (b *Browser) FireEvent(ctx context.Context, locator *schemas.ElementLocator, event schemas.Event, opts ...EventOption) *schemas.Transition {
	if locator == nil || b.closed.Load() {
		return nil
	}
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := b.logger.With(zap.Stringer("element", locator), zap.String("event", string(event)))
	start := time.Now()

	var inputs map[string]string
	var value *string
	switch {
	case locator.TagName == "form":
		fields, err := b.driver.FormFields(ctx, locator)
		if err != nil {
			logger.Debug("Failed to read form fields.", zap.Error(err))
			return nil
		}
		if fields == nil {
			logger.Debug("Element is gone.")
			return nil
		}
		inputs = b.fillForm(fields, o)
	case o.value != nil:
		value = o.value
	case isTextEntry(locator) && valueEvents[event]:
		name, _ := locator.Attribute("name")
		if name == "" {
			name, _ = locator.Attribute("id")
		}
		v := b.shared.Inputs.Value(name)
		value = &v
	}

	res, err := b.driver.Fire(ctx, locator, event, inputs, value)
	if err != nil {
		logger.Debug("Failed to fire event.", zap.Error(err))
		return nil
	}
	if !res.Fired() {
		logger.Debug("Event was not fired.", zap.String("status", string(res.Status)), zap.String("message", res.Message))
		return nil
	}
	b.firedEvents++

	b.waitForSettle(ctx)
	b.syncCookies(ctx)

	t := schemas.NewTransition(locator, event, schemas.TransitionOptions{Inputs: inputs, Value: value})
	_ = t.Complete(time.Since(start))
	b.transitions = append(b.transitions, t)
	return t
}

// PlayEvent replays a recorded element event with its recorded values.
func (b *Browser) PlayEvent(ctx context.Context, element *schemas.ElementLocator, event schemas.Event, opts schemas.TransitionOptions) *schemas.Transition {
	var eo []EventOption
	if opts.Inputs != nil {
		eo = append(eo, WithInputs(opts.Inputs))
	}
	if opts.Value != nil {
		eo = append(eo, WithValue(*opts.Value))
	}
	return b.FireEvent(ctx, element, event, eo...)
}

// fillForm decides the value of every named field: explicit inputs first, then the
// single value, then the configured samples.
func (b *Browser) fillForm(fields []shim.FieldRecord, o eventOptions) map[string]string {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		if _, done := values[f.Name]; done {
			continue
		}
		switch v, ok := o.inputs[f.Name]; {
		case ok:
			values[f.Name] = v
		case o.value != nil:
			values[f.Name] = *o.value
		default:
			values[f.Name] = b.shared.Inputs.Field(f)
		}
	}
	return values
}

func isTextEntry(l *schemas.ElementLocator) bool {
	switch l.TagName {
	case "textarea", "select":
		return true
	case "input":
		t, _ := l.Attribute("type")
		switch t {
		case "", "text", "search", "email", "password", "tel", "url", "number":
			return true
		}
	}
	return false
}
