package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/config"
	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/store"
)

func TestServeOptions_Apply(t *testing.T) {
	cfg := config.Default()
	opts := &ServeOptions{Database: "other.db", Ledger: config.LedgerMemory}
	opts.apply(&cfg)

	assert.Equal(t, "other.db", cfg.Database)
	assert.Equal(t, config.LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "unset flags keep the file value")
	assert.Equal(t, config.DevicesNone, cfg.Devices.Mode)
}

func TestServe_InvalidConfig(t *testing.T) {
	_, err := runCLI(t, "serve", "--ledger", "redis", "--db", filepath.Join(t.TempDir(), "k.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid config")
}

func TestOpenLedger(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	defer st.Close()

	cfg := config.Default()
	led, done, err := openLedger(context.Background(), cfg, st)
	require.NoError(t, err)
	done()
	assert.Same(t, st, led)

	cfg.Ledger.Backend = config.LedgerMemory
	led, done, err = openLedger(context.Background(), cfg, st)
	require.NoError(t, err)
	done()
	assert.IsType(t, &ledger.Memory{}, led)
}

func TestDeviceDriver(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, deviceDriver(cfg))

	cfg.Devices.Mode = config.DevicesScripted
	assert.IsType(t, &device.Scripted{}, deviceDriver(cfg))

	cfg.Devices.Mode = config.DevicesHTTP
	cfg.Devices.Endpoints = map[string]string{"payment": "http://pos.local"}
	assert.IsType(t, &device.HTTPDriver{}, deviceDriver(cfg))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(false, &buf).Debug("hidden")
	assert.Empty(t, buf.String())

	newLogger(true, &buf).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "k=v")
}
