// internal/browser/shim/shim.go
package shim

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	// MonitorPlaceholder is replaced in the monitor template with its JSON configuration.
	MonitorPlaceholder = "/*{{SCALPEL_MONITOR_CONFIG}}*/"
	// TracerPlaceholder is replaced in the tracer template with its JSON configuration.
	TracerPlaceholder = "/*{{SCALPEL_TRACER_CONFIG}}*/"

	monitorGlobal = "window.__scalpel_monitor"
	tracerGlobal  = "window.__scalpel_tracer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VolatileAttributes change while a state is being interacted with and are left out
// of skeletons.
var VolatileAttributes = []string{"style", "value", "checked", "selected", "nonce"}

// Build injects configJSON into template at placeholder.
func Build(template, placeholder, configJSON string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, placeholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", placeholder)
	}
	// The scripts always dereference their config, so never inject nothing.
	if strings.TrimSpace(configJSON) == "" {
		configJSON = "{}"
	}
	return strings.Replace(template, placeholder, configJSON, 1), nil
}

// StorageItem is a localStorage entry seeded before any page script runs.
type StorageItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MonitorConfig parameterizes the DOM monitor.
type MonitorConfig struct {
	LocalStorage       []StorageItem `json:"local_storage,omitempty"`
	VolatileAttributes []string      `json:"volatile_attributes"`
	MaxTimerDelayMS    int64         `json:"max_timer_delay_ms"`
}

// MonitorScript renders the DOM monitor for cfg.
func MonitorScript(cfg MonitorConfig) (string, error) {
	if cfg.VolatileAttributes == nil {
		cfg.VolatileAttributes = VolatileAttributes
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode monitor config: %w", err)
	}
	return Build(monitorTemplate, MonitorPlaceholder, string(raw))
}

// TracerScript renders the taint tracer. With an empty seed only execution-flow
// sinks are recorded.
func TracerScript(seed string) (string, error) {
	raw, err := json.Marshal(struct {
		Seed string `json:"seed"`
	}{seed})
	if err != nil {
		return "", fmt.Errorf("failed to encode tracer config: %w", err)
	}
	return Build(tracerTemplate, TracerPlaceholder, string(raw))
}

// -- Expressions --
//
// Every expression that returns structured data evaluates to a JSON string so it can
// be decoded with the Decode helpers regardless of the driver's own result handling.

// ElementsWithEventsExpr lists visible elements that carry handlers or navigate.
func ElementsWithEventsExpr() string {
	return guarded(monitorGlobal, "JSON.stringify("+monitorGlobal+".elementsWithEvents())", `"[]"`)
}

// SkeletonExpr returns the structural skeleton of the current document.
func SkeletonExpr() string {
	return guarded(monitorGlobal, monitorGlobal+".skeleton()", `""`)
}

// PendingExpr returns the number of in-page timers and requests still outstanding.
func PendingExpr() string {
	return guarded(monitorGlobal, monitorGlobal+".pending()", "0")
}

// HTMLExpr serializes the current document.
func HTMLExpr() string {
	return `document.documentElement ? document.documentElement.outerHTML : ""`
}

// LocationExpr returns the current document URL.
func LocationExpr() string {
	return "document.location.href"
}

// ExistsExpr reports whether selector matches anything.
func ExistsExpr(selector string) (string, error) {
	arg, err := literal(selector)
	if err != nil {
		return "", err
	}
	return guarded(monitorGlobal, monitorGlobal+".exists("+arg+")", "false"), nil
}

// FormFieldsExpr lists the fillable fields of the form matching tag and attrs. It
// evaluates to "null" when the element is missing.
func FormFieldsExpr(tag string, attrs map[string]string) (string, error) {
	args, err := literals(tag, nonNil(attrs))
	if err != nil {
		return "", err
	}
	return guarded(monitorGlobal, "JSON.stringify("+monitorGlobal+".formFields("+args+"))", `"null"`), nil
}

// FireExpr fires event on the element matching tag and attrs, filling form inputs
// first or setting value on the element itself.
func FireExpr(tag string, attrs map[string]string, event string, inputs map[string]string, value *string) (string, error) {
	args, err := literals(tag, nonNil(attrs), event, nonNil(inputs), value)
	if err != nil {
		return "", err
	}
	return guarded(monitorGlobal, "JSON.stringify("+monitorGlobal+".fire("+args+"))", `'{"status":"missing"}'`), nil
}

// FlushSinksExpr drains the sinks recorded by the tracer.
func FlushSinksExpr() string {
	return guarded(tracerGlobal, "JSON.stringify("+tracerGlobal+".flush())", `"{}"`)
}

func guarded(global, expr, fallback string) string {
	return "(" + global + " ? " + expr + " : " + fallback + ")"
}

func literal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode script argument: %w", err)
	}
	return string(raw), nil
}

func literals(vs ...any) (string, error) {
	parts := make([]string, len(vs))
	for i, v := range vs {
		s, err := literal(v)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return strings.Join(parts, ", "), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
