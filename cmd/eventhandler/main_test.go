package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/config"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/memory"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestConfigCommand_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventhandler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  postgres_dsn: postgres://user:secret@db/eh
delivery:
  max_concurrency: 4
`), 0o600))
	t.Setenv("EVENTHANDLER_DELIVERY_MAX_CONCURRENCY", "9")

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "store.driver=postgres\n")
	assert.Contains(t, out, "store.postgres_dsn=<set>\n")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "delivery.max_concurrency=9\n")
}

func TestConfigCommand_InvalidSettings(t *testing.T) {
	t.Setenv("EVENTHANDLER_STORE_DRIVER", "mongo")
	_, err := execute(t, "config")
	assert.Error(t, err)
}

func TestServeCommand_InvalidStoreFlag(t *testing.T) {
	_, err := execute(t, "serve", "--store", "mongo")
	assert.Error(t, err)
}

func TestLoadSettings_FlagOverrides(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serveCmd.ParseFlags([]string{"--addr", "127.0.0.1:9999", "--store", "sqlite", "-d"}))

	s, err := loadSettings(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", s.HTTP.Addr)
	assert.Equal(t, config.DriverSQLite, s.Store.Driver)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, config.StoreSettings{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	require.NoError(t, st.Close())

	st, err = openStore(ctx, config.StoreSettings{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "data", "eh.db"),
	})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, st)
	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.Close())

	_, err = openStore(ctx, config.StoreSettings{Driver: "mongo"})
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, slog.New(slog.DiscardHandler), srv) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
