package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRegistry(t *testing.T, infos ...KeyInfo) {
	t.Helper()
	registryMu.Lock()
	saved := registry
	registry = make(map[string]KeyInfo)
	registryMu.Unlock()
	RegisterKeys(infos...)
	t.Cleanup(func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	})
}

func TestTransformEnv(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"IG__SESSION__KEEP_ALIVE_FACTOR", "session.keepAliveFactor"},
		{"IG__AS__BASE_URL", "as.baseUrl"},
		{"IG__REDIS__ADDR", "redis.addr"},
		{"IG__A__B_C", "a.bC"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, TransformEnv(tt.input))
		})
	}
}

func TestSearchForConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ingear.yaml"), []byte("name: test\n"), 0o600))

	found := SearchForConfig("ingear.yaml", nested)
	want, err := filepath.Abs(filepath.Join(root, "ingear.yaml"))
	require.NoError(t, err)
	assert.Equal(t, want, found)

	assert.Empty(t, SearchForConfig("ingear-missing-1234.yaml", nested))
}

func TestFindSimilarKeys(t *testing.T) {
	withRegistry(t,
		KeyInfo{Key: "session.keepAliveFactor"},
		KeyInfo{Key: "session.valid"},
		KeyInfo{Key: "session.secret"},
		KeyInfo{Key: "discovery.timeout"},
	)

	assert.Equal(t, []string{"session.valid"}, FindSimilarKeys("session.vaild", 3))
	assert.Contains(t, FindSimilarKeys("session.keepAlivFactor", 3), "session.keepAliveFactor")
	assert.Empty(t, FindSimilarKeys("completely.unrelated", 3))
}

func TestValidate(t *testing.T) {
	withRegistry(t,
		KeyInfo{Key: "session.valid", Default: "15m"},
		KeyInfo{Key: "discovery.timeout", Default: "2s"},
		KeyInfo{Key: "myapp"},
	)
	RegisterDeprecatedKey("session.validity", "session.valid")

	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]any{
		"session.vaild":     "10m",
		"session.validity":  "10m",
		"discovery.timeout": "1s",
		"myapp.anything":    true,
	}, "."), nil))

	warnings := Validate(k)
	byKey := map[string]Warning{}
	for _, w := range warnings {
		byKey[w.Key] = w
	}
	require.Len(t, byKey, 2)
	assert.Equal(t, []string{"session.valid"}, byKey["session.vaild"].Suggestions)
	assert.True(t, byKey["session.validity"].Deprecated)
	assert.Equal(t, "'session.validity' is deprecated, use 'session.valid'", byKey["session.validity"].String())

	out := FormatWarnings(warnings)
	assert.Contains(t, out, "Did you mean 'session.valid'?")
	assert.Empty(t, FormatWarnings(nil))
}

func TestApplyDefaults(t *testing.T) {
	withRegistry(t,
		KeyInfo{Key: "session.valid", Default: "15m"},
		KeyInfo{Key: "discovery.timeout", Default: "2s"},
		KeyInfo{Key: "session.secret"},
	)

	k := koanf.New(".")
	require.NoError(t, k.Set("discovery.timeout", "5s"))
	ApplyDefaults(k)

	assert.Equal(t, "15m", k.String("session.valid"))
	assert.Equal(t, "5s", k.String("discovery.timeout"), "loaded values win over defaults")
	assert.False(t, k.Exists("session.secret"))
}
