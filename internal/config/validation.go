package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
)

// Warning flags an unknown or deprecated key that was loaded.
type Warning struct {
	Key         string
	Suggestions []string
	Deprecated  bool
}

func (w Warning) String() string {
	if w.Deprecated {
		return fmt.Sprintf("'%s' is deprecated, use '%s'", w.Key, w.Suggestions[0])
	}
	msg := fmt.Sprintf("'%s' is not a known config key", w.Key)
	switch len(w.Suggestions) {
	case 0:
	case 1:
		msg += fmt.Sprintf(". Did you mean '%s'?", w.Suggestions[0])
	default:
		msg += fmt.Sprintf(". Did you mean one of: %s?", strings.Join(w.Suggestions, ", "))
	}
	return msg
}

// Validate compares every key loaded into k against the registry.
func Validate(k *koanf.Koanf) []Warning {
	var warnings []Warning
	for _, key := range k.Keys() {
		if info, ok := LookupKey(key); ok {
			if info.ReplacedBy != "" {
				warnings = append(warnings, Warning{Key: key, Suggestions: []string{info.ReplacedBy}, Deprecated: true})
			}
			continue
		}
		if hasRegisteredParent(key) {
			continue
		}
		warnings = append(warnings, Warning{Key: key, Suggestions: FindSimilarKeys(key, 3)})
	}
	return warnings
}

// FormatWarnings renders warnings as an indented block, or "" when there are
// none.
func FormatWarnings(warnings []Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("config warnings:\n")
	for _, w := range warnings {
		sb.WriteString("  - ")
		sb.WriteString(w.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
