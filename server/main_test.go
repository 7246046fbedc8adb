package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwar/canvas"
	"pixelwar/config"
	"pixelwar/ledger"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixelwar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\nledger:\n  kind: memory\n"), 0o644))

	f := flags{configPath: path}
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&f.storage, "storage", "", "")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--storage", "bolt", "--log-level", "debug"}))

	cfg, err := loadConfig(cmd, &f)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "bolt", cfg.Storage.Kind)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	f := flags{}
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&f.ledger, "ledger", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--ledger", "paper"}))

	_, err := loadConfig(cmd, &f)
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	assert.True(t, newLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, newLogger("nonsense").Enabled(context.Background(), slog.LevelInfo))
}

func TestOpenPersister(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := openPersister(ctx, config.StorageConfig{Kind: "file", Path: filepath.Join(dir, "c.json")}, quiet)
	require.NoError(t, err)
	assert.IsType(t, &canvas.FilePersister{}, p)

	p, err = openPersister(ctx, config.StorageConfig{Kind: "bolt", Path: filepath.Join(dir, "c.db")}, quiet)
	require.NoError(t, err)
	assert.IsType(t, &canvas.BoltPersister{}, p)
	require.NoError(t, p.Close())

	_, err = openPersister(ctx, config.StorageConfig{Kind: "tape"}, quiet)
	assert.Error(t, err)
}

func TestOpenLedger(t *testing.T) {
	l, err := openLedger(config.LedgerConfig{
		Kind:   "memory",
		Grants: []ledger.Grant{{Owner: "A", Credential: "K1", Remaining: 1}},
	}, quiet)
	require.NoError(t, err)
	g, err := l.QueryGrant(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.Remaining)

	l, err = openLedger(config.LedgerConfig{Kind: "http", GatewayURL: "http://ledger.invalid"}, quiet)
	require.NoError(t, err)
	assert.IsType(t, &ledger.Retrying{}, l)

	_, err = openLedger(config.LedgerConfig{Kind: "solana", PayerKeypair: filepath.Join(t.TempDir(), "missing.json")}, quiet)
	assert.Error(t, err)
}

func TestInvalidateRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"invalidate", "A"})
	assert.Error(t, cmd.Execute())
}
