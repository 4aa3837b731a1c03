package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Name: "mediacache-worker"},
		Database: config.DatabaseConfig{
			Host: "db.internal", Port: 5432, Database: "mediacache", User: "u", Password: "p",
			MaxConns: 10, MinConns: 2,
			MaxIdleTime: time.Minute, MaxLifetime: time.Hour,
			StatementTimeout: 15 * time.Second,
		},
		Queue: config.QueueConfig{Concurrency: 4},
	}
}

func TestPoolConfig(t *testing.T) {
	pc, err := poolConfig(testConfig())
	require.NoError(t, err)

	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, "mediacache", pc.ConnConfig.Database)
	assert.Equal(t, int32(10), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, "mediacache-worker", pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "15000", pc.ConnConfig.RuntimeParams["statement_timeout"])
}

func TestPoolConfig_CoversWorkerSlots(t *testing.T) {
	cfg := testConfig()
	cfg.Database.MaxConns = 2
	cfg.Database.MinConns = 8
	cfg.Queue.Concurrency = 6

	pc, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(6), pc.MaxConns)
	assert.Equal(t, int32(6), pc.MinConns)
}

func TestPoolConfig_DSNApplicationNameWins(t *testing.T) {
	cfg := testConfig()
	cfg.Database.URL = "postgres://u:p@localhost:5432/mediacache?application_name=ops-shell&sslmode=disable"
	cfg.Database.StatementTimeout = 0

	pc, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ops-shell", pc.ConnConfig.RuntimeParams["application_name"])
	_, set := pc.ConnConfig.RuntimeParams["statement_timeout"]
	assert.False(t, set)
}

func TestPoolConfig_BadURL(t *testing.T) {
	cfg := testConfig()
	cfg.Database.URL = "postgres://%zz"
	_, err := poolConfig(cfg)
	assert.Error(t, err)
}
