package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4160, cfg.Net.ListeningPort)
	assert.Equal(t, 1024, cfg.Net.MaxConnections)
	assert.Equal(t, 64, cfg.Net.MaxConnectionsPerIP)
	assert.Equal(t, 30*time.Second, cfg.Net.ClientTimeout)
	assert.Equal(t, 256, cfg.Queue.Size)
	assert.Equal(t, 9160, cfg.Metrics.Port)
	assert.Equal(t, "rayrc", cfg.Cache.Namespace)
	assert.Equal(t, HashArgon2, cfg.Auth.HashingAlgorithm)
	assert.False(t, cfg.Auth.EnableAuthentication)

	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ray.conf"))
	require.NoError(t, err)
	assert.Equal(t, 4160, cfg.Net.ListeningPort)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ray.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
net:
  listening_port: 5000
  client_timeout: 2m
queue:
  size: 32
`), 0o644))

	t.Setenv("RAY_QUEUE_SIZE", "64")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Net.ListeningPort)
	assert.Equal(t, 2*time.Minute, cfg.Net.ClientTimeout)
	assert.Equal(t, 64, cfg.Queue.Size)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ray.conf")
	require.NoError(t, os.WriteFile(path, []byte("net: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"port zero", func(c *Config) { c.Net.ListeningPort = 0 }, true},
		{"port too high", func(c *Config) { c.Net.ListeningPort = 70000 }, true},
		{"per ip above total", func(c *Config) { c.Net.MaxConnectionsPerIP = 2048 }, true},
		{"force ssl without cert", func(c *Config) { c.Net.ForceSSL = true }, true},
		{"auth without password", func(c *Config) {
			c.Auth.EnableAuthentication = true
			c.Auth.Username = "admin"
		}, true},
		{"auth with unknown algorithm", func(c *Config) {
			c.Auth.EnableAuthentication = true
			c.Auth.Username = "admin"
			c.Auth.HashedPassword = "x"
			c.Auth.HashingAlgorithm = "md5"
		}, true},
		{"auth with pbkdf2", func(c *Config) {
			c.Auth.EnableAuthentication = true
			c.Auth.Username = "admin"
			c.Auth.HashedPassword = "x"
			c.Auth.HashingAlgorithm = HashPBKDF2
		}, false},
		{"namespace with separator", func(c *Config) { c.Cache.Namespace = "a/b" }, true},
		{"empty store name", func(c *Config) { c.Storage.AppStore = "" }, true},
		{"queue size zero", func(c *Config) { c.Queue.Size = 0 }, true},
		{"rate limiter zero rate", func(c *Config) { c.RateLimiter.RequestsPerSecond = 0 }, true},
		{"rate limiter disabled zero rate", func(c *Config) {
			c.RateLimiter.Enabled = false
			c.RateLimiter.RequestsPerSecond = 0
		}, false},
		{"metrics port clash", func(c *Config) { c.Metrics.Port = c.Net.ListeningPort }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "ray.conf")

	cfg := Default()
	cfg.Net.ListeningPort = 4200
	cfg.Net.ClientTimeout = 90 * time.Second
	cfg.Auth.EnableAuthentication = true
	cfg.Auth.Username = "admin"
	cfg.Auth.HashedPassword = "argon2id$abc"
	require.NoError(t, Save(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "client_timeout: 1m30s")
	assert.Contains(t, string(raw), "# ray node configuration")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSave_RejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Queue.Size = -1
	assert.Error(t, Save(cfg, filepath.Join(t.TempDir(), "ray.conf")))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ray.conf")
	require.NoError(t, Save(Default(), path))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	changes := make(chan *Config, 8)
	w.OnChange(func(c *Config) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cfg := Default()
	cfg.Queue.Size = 512
	require.NoError(t, Save(cfg, path))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Queue.Size == 512 {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

func TestWatcher_ReloadNotifiesEverySubscriber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ray.conf")
	cfg := Default()
	cfg.Queue.Size = 64
	require.NoError(t, Save(cfg, path))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	var got []int
	w.OnChange(func(c *Config) { got = append(got, c.Queue.Size) })
	w.OnChange(func(c *Config) {
		got = append(got, -c.Queue.Size)
		// Subscribing from a callback must not deadlock or join this round.
		w.OnChange(func(*Config) { got = append(got, 0) })
	})

	w.reload()
	assert.Equal(t, []int{64, -64}, got)

	got = nil
	w.reload()
	assert.Equal(t, []int{64, -64, 0}, got)
}
