package config

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// EnvPrefix marks environment variables that are loaded into the config.
const EnvPrefix = "IG__"

// SearchForConfig looks for filename in startDir and then in each parent
// directory, returning the first absolute path found or "".
func SearchForConfig(filename string, startDir string) string {
	d, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(d, filename)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(d)
		if parent == d {
			return ""
		}
		d = parent
	}
}

// TransformEnv maps an environment variable name onto a config key:
//
//	IG__SESSION__KEEP_ALIVE_FACTOR → session.keepAliveFactor
//	IG__AS__BASE_URL               → as.baseUrl
//
// Double underscores separate path segments and single underscores inside a
// segment become camelCase.
func TransformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	segments := strings.Split(s, "__")
	for i, segment := range segments {
		parts := strings.Split(segment, "_")
		for j := 1; j < len(parts); j++ {
			parts[j] = upperFirst(parts[j])
		}
		segments[i] = strings.Join(parts, "")
	}
	return strings.Join(segments, ".")
}

func upperFirst(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
