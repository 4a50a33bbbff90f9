package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/api"
	"github.com/apk-analysis/apk-rename-go/internal/api/handlers"
	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/metrics"
	"github.com/apk-analysis/apk-rename-go/internal/prompt"
	"github.com/apk-analysis/apk-rename-go/internal/queue"
	"github.com/apk-analysis/apk-rename-go/internal/retry"
	"github.com/apk-analysis/apk-rename-go/internal/service"
	"github.com/apk-analysis/apk-rename-go/internal/watcher"
	"github.com/apk-analysis/apk-rename-go/internal/worker"
)

// serverOptions 控制后台服务启用哪些入口
type serverOptions struct {
	http         bool
	watch        bool
	scanExisting bool
}

// runServer 启动任务库、Worker 池和各个入口，直到收到退出信号
func runServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts serverOptions) error {
	logger.WithFields(logrus.Fields{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}).Info("Starting apk-rename service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var promMetrics *metrics.PrometheusMetrics
	var recorder worker.Recorder
	if cfg.Metrics.Enabled {
		promMetrics = metrics.NewPrometheusMetrics(logger, cfg.Metrics.Namespace)
		recorder = promMetrics
	}

	db, jobRepo, err := openJobStore(ctx, cfg, promMetrics, logger)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	// 上次退出时仍在运行的任务无法继续，标记为失败
	if n, err := jobRepo.FailInterrupted(ctx); err != nil {
		logger.WithError(err).Warn("Failed to mark interrupted jobs")
	} else if n > 0 {
		logger.WithField("count", n).Warn("Marked interrupted jobs as failed")
	}

	// 后台运行没有终端，所有确认都取默认值
	confirmer := prompt.NewConfirmer(os.Stdin, os.Stderr, 0, true)
	orch := newOrchestrator(cfg, confirmer, logger)

	// 派发方在 Worker 池和 RabbitMQ 连好之后才确定
	var dispatcher service.Dispatcher
	svc := service.NewJobService(jobRepo, service.DispatcherFunc(func(ctx context.Context, jobID string) error {
		return dispatcher.Dispatch(ctx, jobID)
	}), cfg.Work.OutputDir, logger)
	hub := handlers.NewProgressHub(svc, logger)

	pool := worker.NewPool(worker.Options{
		Workers:     cfg.Worker.Concurrency,
		QueueSize:   cfg.Worker.QueueSize,
		WorkDir:     cfg.Work.Dir,
		KeepWorkDir: cfg.Work.KeepWorkDir,
	}, orch, jobRepo, hub, recorder, logger)
	pool.Start(ctx)
	defer pool.Stop()

	dispatcher = pool
	if cfg.RabbitMQ.Enabled {
		retryCfg := retry.DefaultConfig("rabbitmq_connect", logger)
		if promMetrics != nil {
			retryCfg.OnRetry = promMetrics.RecordRetryAttempt
		}
		mq, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*queue.RabbitMQ, error) {
			return queue.NewRabbitMQ(cfg.RabbitMQ, logger)
		})
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer mq.Close()

		consumer := queue.NewConsumer(mq, pool.SubmitAndWait, cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		defer consumer.Stop()

		dispatcher = queue.NewProducer(mq, logger)
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("Jobs are dispatched through RabbitMQ")
	}

	// RabbitMQ 队列是持久化的，未消费的消息会保留；只有本地 Worker 池需要重新派发
	if !cfg.RabbitMQ.Enabled {
		if n, err := svc.RequeuePending(ctx); err != nil {
			logger.WithError(err).Warn("Failed to requeue pending jobs")
		} else if n > 0 {
			logger.WithField("count", n).Info("Requeued pending jobs")
		}
	}

	if opts.watch {
		iw, err := watcher.NewInboxWatcher(watcher.Options{
			Dir:          cfg.Watch.Dir,
			Pattern:      cfg.Watch.Pattern,
			Debounce:     cfg.Watch.Debounce,
			ScanExisting: opts.scanExisting,
		}, watcher.SubmitHandler(svc, cfg.Watch.DisplayName, cfg.Watch.Package), logger)
		if err != nil {
			return err
		}
		if err := iw.Start(ctx); err != nil {
			return err
		}
		defer iw.Stop()
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if opts.http {
		api.Version = Version
		router := api.SetupRouter(cfg, logger, svc, hub, promMetrics)
		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  10 * time.Minute, // 上传大文件
			WriteTimeout: 5 * time.Minute,  // 下载产物
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.WithField("port", cfg.Server.Port).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		logger.Info("Shutting down...")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
	}
	cancel()
	logger.Info("Service stopped")
	return nil
}
