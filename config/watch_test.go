package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWatcherReloadsValidChanges(t *testing.T) {
	path := writeTempConfig(t, "env: dev\n")
	core, logs := observer.New(zapcore.WarnLevel)
	w, err := NewWatcher(path, 20*time.Millisecond, zap.New(core))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(c AppConfig) { updates <- c }) }()

	// 非法配置被拒绝，不回调
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("env: dev\npoller:\n  shortPollSeconds: -1\n"), 0o644))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("config reload rejected").Len() > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, updates, 0)

	require.NoError(t, os.WriteFile(path, []byte("env: dev\npoller:\n  shortPollSeconds: 1\n"), 0o644))
	select {
	case c := <-updates:
		assert.Equal(t, time.Second, c.Poller.Intervals().ShortPoll)
	case <-time.After(3 * time.Second):
		t.Fatal("expected update callback")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNewWatcherMissingDir(t *testing.T) {
	_, err := NewWatcher("/definitely/not/here/cfg.yaml", 0, nil)
	assert.Error(t, err)
}
