package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

type JobRepository interface {
	Create(ctx context.Context, job *domain.RenameJob) error
	FindByID(ctx context.Context, id string) (*domain.RenameJob, error)
	// 按创建时间倒序，status 为空时不过滤
	List(ctx context.Context, limit int, status string) ([]*domain.RenameJob, error)
	UpdateStage(ctx context.Context, id string, stage string) error
	MarkRunning(ctx context.Context, id string) error
	// 保存运行结果（状态、产物、失败信息）
	SaveResult(ctx context.Context, job *domain.RenameJob) error
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取所有排队中的任务，用于重启后重新入队
	ListQueued(ctx context.Context) ([]*domain.RenameJob, error)
	// 把上次退出时仍在运行的任务标记为失败
	FailInterrupted(ctx context.Context) (int64, error)
}

type jobRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewJobRepository(db *gorm.DB, logger *logrus.Logger) JobRepository {
	return &jobRepo{
		db:     db,
		logger: logger,
	}
}

func (r *jobRepo) Create(ctx context.Context, job *domain.RenameJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) FindByID(ctx context.Context, id string) (*domain.RenameJob, error) {
	var job domain.RenameJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, limit int, status string) ([]*domain.RenameJob, error) {
	if limit <= 0 {
		limit = 50
	}

	var jobs []*domain.RenameJob
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

func (r *jobRepo) UpdateStage(ctx context.Context, id string, stage string) error {
	return r.db.WithContext(ctx).
		Model(&domain.RenameJob{}).
		Where("id = ?", id).
		Update("stage", stage).Error
}

func (r *jobRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RenameJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.JobStatusRunning,
			"started_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *jobRepo) SaveResult(ctx context.Context, job *domain.RenameJob) error {
	err := r.db.WithContext(ctx).
		Model(job).
		Select("status", "stage", "failed_stage", "error_message", "recovery_hint",
			"output_path", "original_package", "new_package", "alignment_degraded",
			"signer_certificates", "completed_at", "duration_ms").
		Updates(job).Error

	if err != nil {
		r.logger.WithError(err).WithField("job_id", job.ID).Error("Job result update failed")
	}
	return err
}

// GetStatusCounts 获取各状态任务数量统计
func (r *jobRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.RenameJob{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	counts := map[string]int64{
		string(domain.JobStatusQueued):    0,
		string(domain.JobStatusRunning):   0,
		string(domain.JobStatusCompleted): 0,
		string(domain.JobStatusFailed):    0,
	}

	var total int64
	for _, sc := range results {
		counts[sc.Status] = sc.Count
		total += sc.Count
	}
	return counts, total, nil
}

func (r *jobRepo) ListQueued(ctx context.Context) ([]*domain.RenameJob, error) {
	var jobs []*domain.RenameJob
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.JobStatusQueued).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepo) FailInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RenameJob{}).
		Where("status = ?", domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"failed_stage":  gorm.Expr("stage"),
			"error_message": "interrupted by service restart",
			"completed_at":  &now,
		})
	return result.RowsAffected, result.Error
}
