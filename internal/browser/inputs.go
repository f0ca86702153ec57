package browser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-explorer/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

// Inputs picks sample values for form fields by matching field names.
type Inputs struct {
	rules []inputRule
	def   string
}

type inputRule struct {
	re    *regexp.Regexp
	value string
}

// NewInputs compiles the configured name patterns. Patterns are case-insensitive and
// tried in order.
func NewInputs(cfg config.InputsConfig) (*Inputs, error) {
	in := &Inputs{def: cfg.Default}
	for _, v := range cfg.Values {
		re, err := regexp.Compile("(?i)" + v.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid input pattern %q: %w", v.Pattern, err)
		}
		in.rules = append(in.rules, inputRule{re: re, value: v.Value})
	}
	return in, nil
}

// Value returns the sample value for a field called name.
func (in *Inputs) Value(name string) string {
	if in == nil {
		return ""
	}
	for _, r := range in.rules {
		if r.re.MatchString(name) {
			return r.value
		}
	}
	return in.def
}

// Field returns the value to fill f with. Fields whose value selects an option keep
// their own value so that filling them turns them on.
func (in *Inputs) Field(f shim.FieldRecord) string {
	switch strings.ToLower(f.Type) {
	case "checkbox", "radio":
		if f.Value != "" {
			return f.Value
		}
		return "on"
	case "hidden", "select-one", "select-multiple", "select":
		return f.Value
	}
	return in.Value(f.Name)
}
