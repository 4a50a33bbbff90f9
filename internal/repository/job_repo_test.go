package repository

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	// :memory: 库按连接隔离
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&domain.RenameJob{}))
	return db
}

func newJob(id string, created time.Time) *domain.RenameJob {
	return &domain.RenameJob{
		ID:          id,
		InputPath:   "/in/app-release.apk",
		DisplayName: "Toollist",
		CreatedAt:   created,
	}
}

// TestJobRepository_Create 测试创建任务
func TestJobRepository_Create(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	job := newJob("job-001", time.Time{})
	require.NoError(t, repo.Create(ctx, job))

	found, err := repo.FindByID(ctx, "job-001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, found.Status)
	assert.Equal(t, "Toollist", found.DisplayName)
	assert.False(t, found.CreatedAt.IsZero())
}

// TestJobRepository_Create_Duplicate 测试重复 ID
func TestJobRepository_Create_Duplicate(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("job-dup", time.Time{})))
	assert.Error(t, repo.Create(ctx, newJob("job-dup", time.Time{})))
}

// TestJobRepository_FindByID_NotFound 测试不存在的任务
func TestJobRepository_FindByID_NotFound(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestJobRepository_List 测试列表排序与过滤
func TestJobRepository_List(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Create(ctx, newJob(id, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.MarkRunning(ctx, "b"))

	jobs, err := repo.List(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "c", jobs[0].ID)
	assert.Equal(t, "a", jobs[2].ID)

	jobs, err = repo.List(ctx, 10, string(domain.JobStatusRunning))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)
	assert.NotNil(t, jobs[0].StartedAt)

	jobs, err = repo.List(ctx, 2, "")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

// TestJobRepository_MarkRunning_NotFound 测试更新不存在的任务
func TestJobRepository_MarkRunning_NotFound(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())

	err := repo.MarkRunning(context.Background(), "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestJobRepository_SaveResult 测试保存运行结果
func TestJobRepository_SaveResult(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	job := newJob("job-res", time.Time{})
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.UpdateStage(ctx, job.ID, "signing"))

	now := time.Now().UTC()
	job.Status = domain.JobStatusFailed
	job.Stage = "verifying"
	job.FailedStage = "verifying"
	job.ErrorMessage = "signature does not verify"
	job.RecoveryHint = "/work/patched_signed.apk"
	job.AlignmentDegraded = true
	job.CompletedAt = &now
	job.DurationMS = 1234
	require.NoError(t, repo.SaveResult(ctx, job))

	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, found.Status)
	assert.Equal(t, "verifying", found.FailedStage)
	assert.Equal(t, "/work/patched_signed.apk", found.RecoveryHint)
	assert.True(t, found.AlignmentDegraded)
	assert.Equal(t, int64(1234), found.DurationMS)
	assert.Equal(t, "Toollist", found.DisplayName)
}

// TestJobRepository_GetStatusCounts 测试状态统计
func TestJobRepository_GetStatusCounts(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "r1"} {
		require.NoError(t, repo.Create(ctx, newJob(id, time.Time{})))
	}
	require.NoError(t, repo.MarkRunning(ctx, "r1"))

	counts, total, err := repo.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), counts["queued"])
	assert.Equal(t, int64(1), counts["running"])
	assert.Equal(t, int64(0), counts["failed"])
}

// TestJobRepository_ListQueued 测试排队任务先进先出
func TestJobRepository_ListQueued(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, newJob("late", base.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, newJob("early", base)))
	require.NoError(t, repo.Create(ctx, newJob("busy", base)))
	require.NoError(t, repo.MarkRunning(ctx, "busy"))

	jobs, err := repo.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "early", jobs[0].ID)
	assert.Equal(t, "late", jobs[1].ID)
}

// TestInitDB_SQLite 测试 sqlite 初始化与迁移
func TestInitDB_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{Type: "sqlite", Path: t.TempDir() + "/sub/jobs.db"}

	db, err := InitDB(cfg, testLogger())
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&domain.RenameJob{}))
}

// TestJobRepository_FailInterrupted 测试重启后清理运行中的任务
func TestJobRepository_FailInterrupted(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("run", time.Time{})))
	require.NoError(t, repo.Create(ctx, newJob("wait", time.Time{})))
	require.NoError(t, repo.MarkRunning(ctx, "run"))
	require.NoError(t, repo.UpdateStage(ctx, "run", "encoding"))

	n, err := repo.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := repo.FindByID(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "encoding", job.FailedStage)
	assert.NotNil(t, job.CompletedAt)

	job, err = repo.FindByID(ctx, "wait")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}
