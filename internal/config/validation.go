package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
)

// Warning flags a loaded key that is unknown or deprecated.
type Warning struct {
	Key         string
	Suggestions []string
	Deprecated  bool
}

func (w Warning) String() string {
	if w.Deprecated && len(w.Suggestions) == 1 {
		return fmt.Sprintf("'%s' is deprecated, use '%s'", w.Key, w.Suggestions[0])
	}
	msg := fmt.Sprintf("'%s' is not a known config key", w.Key)
	switch len(w.Suggestions) {
	case 0:
	case 1:
		msg += fmt.Sprintf(", did you mean '%s'?", w.Suggestions[0])
	default:
		msg += ", did you mean one of: " + strings.Join(w.Suggestions, ", ")
	}
	return msg
}

// Validate checks every loaded key against the registry. Keys under a map
// typed key (e.g. "oauth.scopes.read") are accepted as part of their parent.
func (r *Registry) Validate(k *koanf.Koanf) []Warning {
	var warnings []Warning
	for _, key := range k.Keys() {
		if info, ok := r.covered(key); ok {
			if info.Deprecated() {
				warnings = append(warnings, Warning{
					Key:         key,
					Suggestions: []string{info.ReplacedBy},
					Deprecated:  true,
				})
			}
			continue
		}
		warnings = append(warnings, Warning{Key: key, Suggestions: r.Similar(key, 3)})
	}
	return warnings
}

// FormatWarnings renders warnings as a block suitable for a log line.
func FormatWarnings(warnings []Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration warnings:\n")
	for _, w := range warnings {
		sb.WriteString("  - ")
		sb.WriteString(w.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// LoadDefaults sets every registered default that is not already present.
func (r *Registry) LoadDefaults(k *koanf.Koanf) {
	for key, val := range r.Defaults() {
		if !k.Exists(key) {
			_ = k.Set(key, val)
		}
	}
}
