package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ngoyal88/webstat/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
server:
  port: ":9090"
proxy:
  target: "http://localhost:3000"
storage:
  descriptor: "bolt:///var/lib/webstat/requests.bolt"
  table: "site_requests"
  bolt_mmap_size: "64MB"
geoip:
  cache_size: 100
  static:
    - network: "10.0.0.0/8"
      country: "CZ"
    - network: "2001:db8::/32"
      country: "FR"
capture:
  exclude_paths: ["/healthz"]
  trust_forwarded: true
  write_timeout: 500ms
log:
  level: debug
`

// writeConfig writes data into a config file in a temporary directory.
func writeConfig(t *testing.T, data string) (path string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Proxy.Target)
	assert.Equal(t, "bolt:///var/lib/webstat/requests.bolt", cfg.Storage.Descriptor)
	assert.Equal(t, "site_requests", cfg.Storage.Table)
	assert.Equal(t, 100, cfg.GeoIP.CacheSize)
	assert.Equal(t, map[string]string{"10.0.0.0/8": "CZ", "2001:db8::/32": "FR"}, cfg.GeoIP.StaticTable())
	assert.Equal(t, []string{"/healthz"}, cfg.Capture.ExcludePaths)
	assert.True(t, cfg.Capture.TrustForwarded)
	assert.Equal(t, 500*time.Millisecond, cfg.Capture.WriteTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	n, err := cfg.Storage.BoltMmapBytes()
	require.NoError(t, err)
	assert.Equal(t, 64<<20, n)

	// Defaults.
	assert.Equal(t, "webstat_id", cfg.Capture.IdentityCookie)
	assert.Equal(t, uint32(5), cfg.Capture.Breaker.MaxFailures)
	assert.Equal(t, 5*time.Second, cfg.Storage.OpTimeout)
	assert.Equal(t, "webstat", cfg.Log.Service)
}

func TestLoad_env(t *testing.T) {
	t.Setenv("WEBSTAT_STORAGE_DESCRIPTOR", "redis://localhost:6379/2")
	t.Setenv("WEBSTAT_ADMIN_KEY", "secret")
	t.Setenv("WEBSTAT_CAPTURE_BREAKER_MAX_FAILURES", "9")

	cfg, err := config.Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/2", cfg.Storage.Descriptor)
	assert.Equal(t, "secret", cfg.Admin.Key)
	assert.Equal(t, uint32(9), cfg.Capture.Breaker.MaxFailures)
}

func TestLoad_shipped(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	// Recording must not turn away proxied traffic unless asked to.
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Positive(t, cfg.Storage.OpTimeout)
}

func TestLoad_invalid(t *testing.T) {
	testCases := []struct {
		wantErr error
		name    string
		data    string
	}{{
		wantErr: config.ErrNoDescriptor,
		name:    "no_descriptor",
		data:    "storage:\n  descriptor: \"\"\n",
	}, {
		wantErr: config.ErrBadRateLimit,
		name:    "rate_limit",
		data:    "ratelimit:\n  enabled: true\n  burst: 0\n",
	}, {
		wantErr: config.ErrBadWriteTimeout,
		name:    "write_timeout",
		data:    "capture:\n  write_timeout: 0s\n",
	}, {
		wantErr: config.ErrBadOpTimeout,
		name:    "op_timeout",
		data:    "storage:\n  op_timeout: 0s\n",
	}, {
		wantErr: config.ErrBadOpTimeout,
		name:    "negative_op_timeout",
		data:    "storage:\n  op_timeout: -1s\n",
	}, {
		wantErr: nil,
		name:    "mmap_size",
		data:    "storage:\n  bolt_mmap_size: \"lots\"\n",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.data))
			require.Error(t, err)

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadAndWatch(t *testing.T) {
	path := writeConfig(t, testConfig)

	store, err := config.LoadAndWatch(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", store.Get().Server.Port)

	// Get returns a copy.
	store.Get().Server.Port = "1"
	require.Equal(t, ":9090", store.Get().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte(testConfig+"admin:\n  key: rotated\n"), 0o600))

	assert.Eventually(t, func() bool {
		return store.Get().Admin.Key == "rotated"
	}, 5*time.Second, 20*time.Millisecond)
}
