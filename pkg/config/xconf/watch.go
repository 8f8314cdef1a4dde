package xconf

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchCallback 配置文件变更回调，err 非空表示重载失败（旧配置仍生效）
type WatchCallback func(cfg *Config, err error)

// Watcher 监视配置文件并在变更时重载。
//
// 监视的是文件所在目录：编辑器和 ConfigMap 常以"写临时文件再 rename"的方式更新，
// 直接监视文件会丢失事件。
type Watcher struct {
	cfg      *Config
	fs       *fsnotify.Watcher
	callback WatchCallback
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// WatchOption 监视器选项
type WatchOption func(*Watcher)

// WithDebounce 设置防抖时间，默认 100ms
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watch 创建监视器，调用 Run 开始监视
func Watch(cfg *Config, callback WatchCallback, opts ...WatchOption) (*Watcher, error) {
	if cfg == nil || cfg.path == "" {
		return nil, ErrNotReloadable
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("xconf: create watcher: %w", err)
	}
	dir := filepath.Dir(cfg.path)
	if err := fs.Add(dir); err != nil {
		return nil, errors.Join(fmt.Errorf("xconf: watch directory %s: %w", dir, err), fs.Close())
	}

	w := &Watcher{cfg: cfg, fs: fs, callback: callback, debounce: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run 阻塞直到 ctx 结束，返回 nil
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	name := filepath.Base(w.cfg.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == name && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.notify(fmt.Errorf("xconf: watch error: %w", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.notify(w.cfg.Reload())
		}
	})
}

func (w *Watcher) notify(err error) {
	if w.callback != nil {
		w.callback(w.cfg, err)
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.fs.Close()
}
