package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WORKER_ID", "")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", c.AppEnv)
	assert.Equal(t, DriverSQLite, c.StoreDriver)
	assert.Equal(t, "itemq.db", c.SQLitePath)
	assert.Equal(t, 5*time.Second, c.PollInterval)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 5*time.Minute, c.LeaseTTL)
	assert.Equal(t, 1, c.WorkerCount)
	assert.NotEmpty(t, c.WorkerID)
	assert.Equal(t, int64(42), c.SchedulerLockKey)
	assert.Equal(t, ":9090", c.MetricsAddr)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://itemq@localhost/itemq")
	t.Setenv("WORKER_ID", "w-7")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("MAX_ATTEMPTS", "5")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "w-7", c.WorkerID)
	assert.Equal(t, 250*time.Millisecond, c.PollInterval)
	assert.Equal(t, 5, c.MaxAttempts)
}

func TestValidate(t *testing.T) {
	valid := Config{StoreDriver: DriverMemory, PollInterval: time.Second, MaxAttempts: 3, LeaseTTL: time.Minute, WorkerCount: 1}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = DriverPostgres }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"zero lease ttl", func(c *Config) { c.LeaseTTL = 0 }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
