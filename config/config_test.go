package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unset clears key for the test and restores it afterwards.
func unset(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "STORE_BACKEND", "TIME_ZONE", "LOG_LEVEL", "AUDIT_INTERVAL", "CORS_ALLOWED_ORIGINS"} {
		unset(t, k)
	}

	c, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, BackendSQLite, c.StoreBackend)
	assert.Equal(t, time.Hour, c.AuditInterval)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, c.CORSAllowedOrigins)

	loc, err := c.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", loc.String())
}

func TestLoad_EnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	unset(t, "MONGO_DATABASE")
	unset(t, "SQLITE_PATH")
	t.Setenv("PORT", "9090")

	// GIVEN: an env file setting three variables, one already set in the process
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("PORT=7000\nMONGO_DATABASE=from_file\nSQLITE_PATH=:memory:\n"), 0o600))

	// WHEN: loaded
	c, err := Load(file, filepath.Join(dir, "missing.env"))

	// THEN: file values fill the gaps only
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, "from_file", c.MongoDatabase)
	assert.Equal(t, ":memory:", c.SQLitePath)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"backend":   {"STORE_BACKEND", "postgres"},
		"port":      {"PORT", "0"},
		"time zone": {"TIME_ZONE", "Mars/Olympus"},
		"log level": {"LOG_LEVEL", "loud"},
		"interval":  {"AUDIT_INTERVAL", "0s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])

			_, err := Load()

			assert.Error(t, err)
		})
	}
}

func TestLogger_Level(t *testing.T) {
	c := &Config{LogLevel: "debug"}
	assert.Equal(t, logrus.DebugLevel, c.Logger().GetLevel())

	c.LogLevel = "nonsense"
	assert.Equal(t, logrus.InfoLevel, c.Logger().GetLevel())
}
