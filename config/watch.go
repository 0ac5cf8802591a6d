package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，去抖后重新加载并回调。
// 监听的是所在目录，编辑器"写临时文件再 rename"的保存方式也能捕获。
type Watcher struct {
	path     string
	cooldown time.Duration
	logger   *zap.Logger
	fs       *fsnotify.Watcher
}

func NewWatcher(path string, cooldown time.Duration, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	if cooldown <= 0 {
		cooldown = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: abs, cooldown: cooldown, logger: logger, fs: fw}, nil
}

// Run 阻塞直到 ctx 结束；只有校验通过的新配置才会交给 onUpdate。
func (w *Watcher) Run(ctx context.Context, onUpdate func(AppConfig)) error {
	defer w.fs.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.cooldown)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-timer.C:
			cfg, err := LoadWithEnvOverrides(w.path)
			if err != nil {
				w.logger.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		}
	}
}
