package shim

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

// FireStatus is the outcome of a fire call inside the page.
type FireStatus string

const (
	FireOK      FireStatus = "ok"
	FireMissing FireStatus = "missing"
	FireHidden  FireStatus = "hidden"
	FireError   FireStatus = "error"
)

// FireResult is what the monitor reports after firing an event.
type FireResult struct {
	Status  FireStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Fired reports whether the event reached the element.
func (r FireResult) Fired() bool { return r.Status == FireOK }

// ElementRecord is an element with events as reported by the monitor. URL is the raw
// href or action attribute; ResolvedURL is the absolute form the browser computed.
type ElementRecord struct {
	TagName     string              `json:"tag_name"`
	Attributes  map[string]string   `json:"attributes"`
	Events      map[string][]string `json:"events"`
	URL         string              `json:"url"`
	ResolvedURL string              `json:"resolved_url"`
}

// Locator returns the record's element locator.
func (r ElementRecord) Locator() *schemas.ElementLocator {
	return schemas.NewElementLocator(r.TagName, r.Attributes)
}

// Schema converts the record. Links and forms with a target but no handler get a
// synthetic click or submit entry holding their URL, so navigation is explored like
// any other event.
func (r ElementRecord) Schema() schemas.ElementWithEvents {
	events := make(map[schemas.Event][]string, len(r.Events)+1)
	for name, handlers := range r.Events {
		ev := schemas.Event(strings.ToLower(name))
		events[ev] = append(events[ev], handlers...)
	}
	switch strings.ToLower(r.TagName) {
	case "a":
		if r.URL != "" && len(events[schemas.EventClick]) == 0 {
			events[schemas.EventClick] = []string{r.ResolvedURL}
		}
	case "form":
		if r.URL != "" && len(events[schemas.EventSubmit]) == 0 {
			events[schemas.EventSubmit] = []string{r.ResolvedURL}
		}
	}
	return schemas.ElementWithEvents{Locator: r.Locator(), Events: events}
}

// FieldRecord is a fillable form field.
type FieldRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SinkBatch is a drained set of taint sinks.
type SinkBatch struct {
	DataFlow      []schemas.Sink `json:"data_flow"`
	ExecutionFlow []schemas.Sink `json:"execution_flow"`
}

// DecodeElements decodes the result of ElementsWithEventsExpr.
func DecodeElements(raw string) ([]ElementRecord, error) {
	var out []ElementRecord
	if err := decode(raw, &out, "elements"); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeFields decodes the result of FormFieldsExpr. A nil slice with a nil error
// means the form was not found.
func DecodeFields(raw string) ([]FieldRecord, error) {
	var out []FieldRecord
	if err := decode(raw, &out, "form fields"); err != nil {
		return nil, err
	}
	if out == nil && strings.TrimSpace(raw) != "null" {
		out = []FieldRecord{}
	}
	return out, nil
}

// DecodeFire decodes the result of FireExpr.
func DecodeFire(raw string) (FireResult, error) {
	var out FireResult
	if err := decode(raw, &out, "fire result"); err != nil {
		return FireResult{Status: FireError, Message: err.Error()}, err
	}
	if out.Status == "" {
		out.Status = FireError
	}
	return out, nil
}

// DecodeSinks decodes the result of FlushSinksExpr.
func DecodeSinks(raw string) (SinkBatch, error) {
	var out SinkBatch
	if err := decode(raw, &out, "sinks"); err != nil {
		return SinkBatch{}, err
	}
	return out, nil
}

func decode(raw string, v any, what string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.UnmarshalFromString(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}
