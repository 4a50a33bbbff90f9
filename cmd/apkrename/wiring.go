package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-rename-go/internal/apkinfo"
	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/metrics"
	"github.com/apk-analysis/apk-rename-go/internal/pipeline"
	"github.com/apk-analysis/apk-rename-go/internal/protection"
	"github.com/apk-analysis/apk-rename-go/internal/repository"
	"github.com/apk-analysis/apk-rename-go/internal/retry"
	"github.com/apk-analysis/apk-rename-go/internal/tools"
)

// newOrchestrator 按配置装配外部工具和流水线
func newOrchestrator(cfg *config.Config, confirmer pipeline.Confirmer, logger *logrus.Logger) *pipeline.Orchestrator {
	runner := tools.NewExecRunner(logger)
	apktoolExe, zipalignExe, apksignerExe, keytoolExe := tools.Executables(&cfg.Tools)

	apktool := tools.NewApktool(apktoolExe, runner, logger)
	signer := tools.NewApksigner(apksignerExe, runner, cfg.Signing, logger)

	return pipeline.NewOrchestrator(pipeline.Dependencies{
		Decoder:   apktool,
		Encoder:   apktool,
		Aligner:   tools.NewZipalign(zipalignExe, runner, logger),
		Signer:    signer,
		Verifier:  signer,
		KeyGen:    tools.NewKeytool(keytoolExe, runner, cfg.Signing, logger),
		Confirmer: confirmer,
		Inspector: apkinfo.NewBinaryInspector(),
		Diagnoser: protection.NewDetector(logger),
		Keystore:  cfg.Signing.Keystore,
	}, logger)
}

// openJobStore 连接任务库，启动时数据库可能还没就绪，按退避重试
func openJobStore(ctx context.Context, cfg *config.Config, promMetrics *metrics.PrometheusMetrics, logger *logrus.Logger) (*gorm.DB, repository.JobRepository, error) {
	retryCfg := retry.DefaultConfig("database_connect", logger)
	if promMetrics != nil {
		retryCfg.OnRetry = promMetrics.RecordRetryAttempt
	}

	db, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*gorm.DB, error) {
		return repository.InitDB(&cfg.Database, logger)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	return db, repository.NewJobRepository(db, logger), nil
}

func closeDB(db *gorm.DB, logger *logrus.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}
}
