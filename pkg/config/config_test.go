package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestServerConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	assert.Equal(t, os.WriteFile(path, []byte(`
addr: 0.0.0.0:6000
password: from-file
keyPathing: true
snapshotInterval: 30s
`), 0o600), nil)
	t.Setenv("REMOTECACHE_PASSWORD", "from-env")
	t.Setenv("REMOTECACHE_SEND_QUEUE_SIZE", "12")
	t.Setenv("REMOTECACHE_JOURNAL_MAX_CHANGES", "200")

	cfg, err := LoadServerConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Addr, "0.0.0.0:6000")
	assert.Equal(t, cfg.Password, "from-env")
	assert.Equal(t, cfg.KeyPathing, true)
	assert.Equal(t, cfg.SnapshotInterval, 30*time.Second)
	assert.Equal(t, cfg.SendQueueSize, 12)
	assert.Equal(t, cfg.Journal, true)
	assert.Equal(t, cfg.JournalMaxChanges, 200)
	assert.Equal(t, cfg.Username, DefaultUsername)
	assert.Equal(t, cfg.Validate(), nil)
	assert.Equal(t, cfg.TransportSettings().SendQueueSize, 12)
	assert.Equal(t, cfg.Credentials().Secret, "from-env")
}

func TestServerConfigValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.NotEqual(t, cfg.Validate(), nil)

	cfg.Password = "secret"
	assert.Equal(t, cfg.Validate(), nil)

	cfg.Addr = "no-port"
	assert.NotEqual(t, cfg.Validate(), nil)
	cfg.Addr = DefaultAddr

	cfg.TLSCertFile = "cert.pem"
	assert.NotEqual(t, cfg.Validate(), nil)
	cfg.TLSKeyFile = "key.pem"
	assert.Equal(t, cfg.Validate(), nil)

	cfg.JournalMaxChanges = 0
	assert.NotEqual(t, cfg.Validate(), nil)
	cfg.Journal = false
	assert.Equal(t, cfg.Validate(), nil)

	cfg.PingInterval = cfg.PongWait
	assert.NotEqual(t, cfg.Validate(), nil)
}

func TestBadEnvironment(t *testing.T) {
	t.Setenv("REMOTECACHE_DEBUG", "sometimes")
	_, err := LoadServerConfig("")
	assert.NotEqual(t, err, nil)

	t.Setenv("REMOTECACHE_REQUEST_TIMEOUT", "soon")
	_, err = LoadClientConfig("")
	assert.NotEqual(t, err, nil)

	_, err = LoadClientConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, err, nil)
}

func TestClientConfig(t *testing.T) {
	t.Setenv("REMOTECACHE_URL", "wss://cache.example.com/sync")
	t.Setenv("REMOTECACHE_PASSWORD", "secret")
	t.Setenv("REMOTECACHE_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("REMOTECACHE_RECONNECT", "false")

	cfg, err := LoadClientConfig("")
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Validate(), nil)

	opts := cfg.ClientOptions()
	assert.Equal(t, opts.URL, "wss://cache.example.com/sync")
	assert.Equal(t, opts.Credentials.Identity, DefaultUsername)
	assert.Equal(t, opts.TLSConfig.InsecureSkipVerify, true)
	assert.Equal(t, opts.Reconnect, false)
	assert.Equal(t, opts.Settings.RequestTimeout, cfg.RequestTimeout)

	cfg.URL = "http://cache.example.com"
	assert.NotEqual(t, cfg.Validate(), nil)
}
