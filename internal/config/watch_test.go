package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 1111\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 1)
	go func() {
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg Config) {
			reloaded <- cfg
		})
	}()

	// Give the watcher time to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("port: 2222\n"), 0644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 2222, cfg.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload after file write")
	}
}

func TestWatch_EmptyPathBlocksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, "", zerolog.Nop(), func(Config) {}) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("expected Watch to return after cancel")
	}
}
