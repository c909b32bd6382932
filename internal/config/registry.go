// Package config keeps the catalog of known configuration keys and the
// helpers used to load and check configuration.
package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// KeyInfo describes a known configuration key.
type KeyInfo struct {
	Key         string      // Full dotted path, e.g. "oauth.signingKey"
	Description string      // Shown by `oauthdispatch config`
	Type        string      // "string", "int", "bool", "duration", "[]string", "map"
	Default     interface{} // Loaded when nothing else sets the key
	Namespace   bool        // Sub-keys of a namespace are accepted without registration
	ReplacedBy  string      // Set for deprecated keys
}

// Deprecated reports whether the key has been replaced.
func (k KeyInfo) Deprecated() bool {
	return k.ReplacedBy != ""
}

// Registry holds known keys. The zero value is not usable, call NewRegistry.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: map[string]KeyInfo{}}
}

// Register adds or replaces key definitions.
func (r *Registry) Register(infos ...KeyInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		r.keys[info.Key] = info
	}
}

// Deprecate records that oldKey has been replaced by newKey.
func (r *Registry) Deprecate(oldKey, newKey string) {
	r.Register(KeyInfo{Key: oldKey, ReplacedBy: newKey})
}

// Lookup returns the definition for key.
func (r *Registry) Lookup(key string) (KeyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.keys[key]
	return info, ok
}

// Keys returns all registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Defaults returns key → default for every key that declares one.
func (r *Registry) Defaults() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]interface{}{}
	for k, info := range r.keys {
		if info.Default != nil {
			out[k] = info.Default
		}
	}
	return out
}

// covered reports whether key is registered, or sits under a registered
// namespace.
func (r *Registry) covered(key string) (KeyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.keys[key]; ok {
		return info, true
	}
	for prefix := parentKey(key); prefix != ""; prefix = parentKey(prefix) {
		if info, ok := r.keys[prefix]; ok && info.Namespace {
			return info, true
		}
	}
	return KeyInfo{}, false
}

// Similar returns up to max registered keys that look like key, closest
// first. Keys sharing a parent get a one point bonus.
func (r *Registry) Similar(key string, max int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		key   string
		score int
	}
	var candidates []candidate
	parent := parentKey(key)
	for k := range r.keys {
		score := levenshtein.ComputeDistance(key, k)
		if parent != "" && parent == parentKey(k) && score > 0 {
			score--
		}
		if score <= 3 {
			candidates = append(candidates, candidate{k, score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	out := []string{}
	for i := 0; i < len(candidates) && i < max; i++ {
		out = append(out, candidates[i].key)
	}
	return out
}

// parentKey returns "oauth" for "oauth.signingKey" and "" for top level keys.
func parentKey(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i]
	}
	return ""
}
