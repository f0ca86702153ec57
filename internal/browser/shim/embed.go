package shim

import (
	_ "embed"
)

//go:embed dom_monitor.js
var monitorTemplate string

//go:embed taint_tracer.js
var tracerTemplate string

// Templates returns the raw script templates, before configuration is injected.
func Templates() (monitor, tracer string) {
	return monitorTemplate, tracerTemplate
}
