package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
entropy:
  api_url: "http://127.0.0.1:8090"
draw:
  server_seed_public: "S"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, int64(2), cfg.Entropy.TargetIncrement)
	assert.Equal(t, 1500*time.Millisecond, cfg.Entropy.PollInterval)
	assert.Equal(t, 40, cfg.Entropy.MaxAttempts)
	assert.Equal(t, 1, cfg.Draw.DefaultWinners)
	assert.Equal(t, "@every 1m", cfg.Scheduler.SweepSpec)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, "S", AppConfig.Draw.ServerSeedPublic)
}

func TestLoadConfig_ParsesDurations(t *testing.T) {
	path := writeConfig(t, `
entropy:
  api_url: "https://api.trongrid.io"
  poll_interval: 250ms
  max_attempts: 3
draw:
  server_seed_public: "seed"
  retry_delay: 2s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Entropy.PollInterval)
	assert.Equal(t, 3, cfg.Entropy.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Draw.RetryDelay)
}

func TestLoadConfig_MissingEntropyURL(t *testing.T) {
	path := writeConfig(t, `
draw:
  server_seed_public: "S"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Storage: StorageConfig{Driver: "memory"},
			Lock:    LockConfig{Backend: "local"},
			Entropy: EntropyConfig{APIURL: "http://node:8090", TargetIncrement: 2, MaxAttempts: 40},
			Draw:    DrawConfig{ServerSeedPublic: "S", DefaultWinners: 1},
		}
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"non-http url", func(c *Config) { c.Entropy.APIURL = "ftp://node" }},
		{"zero increment", func(c *Config) { c.Entropy.TargetIncrement = 0 }},
		{"zero attempts", func(c *Config) { c.Entropy.MaxAttempts = 0 }},
		{"blank seed", func(c *Config) { c.Draw.ServerSeedPublic = "  " }},
		{"zero winners", func(c *Config) { c.Draw.DefaultWinners = 0 }},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "zookeeper" }},
		{"redis lock without nodes", func(c *Config) { c.Lock.Backend = "redis" }},
		{"etcd lock without endpoints", func(c *Config) { c.Lock.Backend = "etcd" }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}
