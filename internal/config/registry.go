package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// KeyInfo describes a known configuration key.
type KeyInfo struct {
	Key         string // Full dotted path, e.g. "session.valid".
	Description string
	Type        string // "string", "int", "duration", "[]string", ...
	Default     any    // Optional.
	ReplacedBy  string // Set for deprecated keys.
}

var (
	registry   = make(map[string]KeyInfo)
	registryMu sync.RWMutex
)

// RegisterKeys records known configuration keys.
func RegisterKeys(infos ...KeyInfo) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, info := range infos {
		registry[info.Key] = info
	}
}

// RegisterDeprecatedKey records that oldKey has been renamed to newKey.
func RegisterDeprecatedKey(oldKey, newKey string) {
	RegisterKeys(KeyInfo{Key: oldKey, ReplacedBy: newKey})
}

// LookupKey returns metadata for a registered key.
func LookupKey(key string) (KeyInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, ok := registry[key]
	return info, ok
}

// AllKeys returns every registered key, sorted.
func AllKeys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultConfigs returns the non-nil defaults of all registered keys.
func DefaultConfigs() map[string]any {
	registryMu.RLock()
	defer registryMu.RUnlock()
	defaults := make(map[string]any)
	for key, info := range registry {
		if info.Default != nil {
			defaults[key] = info.Default
		}
	}
	return defaults
}

// FindSimilarKeys returns up to maxResults registered keys within a small edit
// distance of key, closest first. Keys in the same namespace get a one point
// bonus.
func FindSimilarKeys(key string, maxResults int) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	type scored struct {
		key   string
		score int
	}
	var candidates []scored
	prefix := namespace(key)
	for registered := range registry {
		if registered == key {
			continue
		}
		score := levenshtein.ComputeDistance(key, registered)
		if prefix != "" && prefix == namespace(registered) && score > 0 {
			score--
		}
		if score <= 3 {
			candidates = append(candidates, scored{registered, score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	out := make([]string, 0, maxResults)
	for i := 0; i < len(candidates) && i < maxResults; i++ {
		out = append(out, candidates[i].key)
	}
	return out
}

// "session.valid" → "session".
func namespace(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i]
	}
	return ""
}

// hasRegisteredParent reports whether some registered key is a dotted prefix
// of key, which lets applications reserve whole namespaces.
func hasRegisteredParent(key string) bool {
	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if _, ok := LookupKey(strings.Join(parts[:i], ".")); ok {
			return true
		}
	}
	return false
}
