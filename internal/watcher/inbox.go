package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/service"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 收件目录监控参数
type Options struct {
	Dir      string
	Pattern  string        // 文件匹配模式 (如 "*.apk")
	Debounce time.Duration // 防抖时间
	// ScanExisting 启动时处理目录中已有的文件
	ScanExisting bool
}

// InboxWatcher 收件目录监控器，目录中出现新的 APK 时调用 handler
type InboxWatcher struct {
	watcher       *fsnotify.Watcher
	opts          Options
	handler       FileHandler
	logger        *logrus.Logger
	readyInterval time.Duration

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewInboxWatcher 创建收件目录监控器
func NewInboxWatcher(opts Options, handler FileHandler, logger *logrus.Logger) (*InboxWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if _, err := filepath.Match(opts.Pattern, "probe"); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", opts.Pattern, err)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(opts.Dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": opts.Dir,
		"pattern":   opts.Pattern,
	}).Info("Inbox watcher created")

	return &InboxWatcher{
		watcher:       w,
		opts:          opts,
		handler:       handler,
		logger:        logger,
		readyInterval: 500 * time.Millisecond,
		timers:        make(map[string]*time.Timer),
		processing:    make(map[string]bool),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (iw *InboxWatcher) Start(ctx context.Context) error {
	if iw.opts.ScanExisting {
		if err := iw.scanExisting(ctx); err != nil {
			iw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	go iw.eventLoop(ctx)
	iw.logger.Info("Inbox watcher started")
	return nil
}

// scanExisting 处理目录中已有的文件
func (iw *InboxWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(iw.opts.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !iw.matchPattern(entry.Name()) {
			continue
		}
		iw.schedule(ctx, filepath.Join(iw.opts.Dir, entry.Name()))
	}
	return nil
}

// eventLoop 事件循环
func (iw *InboxWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-iw.stopChan:
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}

			// 只处理创建、写入和移入
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !iw.matchPattern(filepath.Base(event.Name)) {
				continue
			}

			iw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("File event detected")
			iw.schedule(ctx, event.Name)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在短时间内多次触发只处理一次
func (iw *InboxWatcher) schedule(ctx context.Context, path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if timer, exists := iw.timers[path]; exists {
		timer.Stop()
	}
	iw.timers[path] = time.AfterFunc(iw.opts.Debounce, func() {
		iw.mu.Lock()
		delete(iw.timers, path)
		iw.mu.Unlock()
		iw.handleFile(ctx, path)
	})
}

// handleFile 等待文件写完后调用 handler
func (iw *InboxWatcher) handleFile(ctx context.Context, path string) {
	iw.mu.Lock()
	if iw.processing[path] {
		iw.mu.Unlock()
		return
	}
	iw.processing[path] = true
	iw.mu.Unlock()

	defer func() {
		iw.mu.Lock()
		delete(iw.processing, path)
		iw.mu.Unlock()
	}()

	log := iw.logger.WithField("file", path)
	if err := iw.waitForFileReady(path); err != nil {
		log.WithError(err).Warn("File not ready")
		return
	}

	if err := iw.handler(ctx, path); err != nil {
		log.WithError(err).Error("Failed to process file")
		return
	}
	log.Info("File submitted")
}

// waitForFileReady 文件大小连续两次不变且非空视为写入完成
func (iw *InboxWatcher) waitForFileReady(path string) error {
	const maxAttempts = 10

	var lastSize int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()
		time.Sleep(iw.readyInterval)
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// matchPattern 不区分大小写的通配符匹配
func (iw *InboxWatcher) matchPattern(name string) bool {
	ok, _ := filepath.Match(strings.ToLower(iw.opts.Pattern), strings.ToLower(name))
	return ok
}

// Stop 停止监控
func (iw *InboxWatcher) Stop() error {
	var err error
	iw.stopOnce.Do(func() {
		iw.logger.Info("Stopping inbox watcher")
		close(iw.stopChan)

		iw.mu.Lock()
		for path, timer := range iw.timers {
			timer.Stop()
			delete(iw.timers, path)
		}
		iw.mu.Unlock()

		err = iw.watcher.Close()
	})
	return err
}

// Dir 获取监控目录
func (iw *InboxWatcher) Dir() string {
	return iw.opts.Dir
}

// SubmitHandler 把收件目录中的文件提交为重命名任务
// displayName 为空时使用文件名（去掉扩展名）
func SubmitHandler(svc service.JobService, displayName, pkg string) FileHandler {
	return func(ctx context.Context, path string) error {
		name := displayName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		_, err := svc.Submit(ctx, service.SubmitRequest{
			InputPath:   path,
			DisplayName: name,
			Package:     pkg,
		})
		return err
	}
}
