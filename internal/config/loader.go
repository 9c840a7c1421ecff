package config

import (
	"github.com/knadh/koanf/v2"
)

// ApplyDefaults sets the registered default of every key that k does not
// already hold. It is safe to call more than once; later calls only fill in
// keys registered since.
func ApplyDefaults(k *koanf.Koanf) {
	for key, val := range DefaultConfigs() {
		if !k.Exists(key) {
			_ = k.Set(key, val)
		}
	}
}
