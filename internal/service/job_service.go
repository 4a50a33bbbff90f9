package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/identity"
	"github.com/apk-analysis/apk-rename-go/internal/repository"
)

// SubmitRequest 提交重命名任务的参数
type SubmitRequest struct {
	InputPath   string `json:"input_path"`
	DisplayName string `json:"display_name"`
	Package     string `json:"package,omitempty"`
	OutputPath  string `json:"output_path,omitempty"`
}

// Dispatcher 把已入库的任务交给执行方（本地 Worker Pool 或 RabbitMQ）
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// DispatcherFunc 函数形式的 Dispatcher
type DispatcherFunc func(ctx context.Context, jobID string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// JobService 任务服务接口
type JobService interface {
	// 校验并入库，然后派发
	Submit(ctx context.Context, req SubmitRequest) (*domain.RenameJob, error)

	Get(ctx context.Context, jobID string) (*domain.RenameJob, error)

	List(ctx context.Context, limit int, status string) ([]*domain.RenameJob, error)

	// 获取各状态任务数量
	Stats(ctx context.Context) (map[string]int64, int64, error)

	// 重新派发上次退出时仍在排队的任务
	RequeuePending(ctx context.Context) (int, error)
}

type jobService struct {
	jobRepo    repository.JobRepository
	dispatcher Dispatcher
	outputDir  string
	logger     *logrus.Logger
}

// NewJobService 创建任务服务实例
func NewJobService(jobRepo repository.JobRepository, dispatcher Dispatcher, outputDir string, logger *logrus.Logger) JobService {
	return &jobService{
		jobRepo:    jobRepo,
		dispatcher: dispatcher,
		outputDir:  outputDir,
		logger:     logger,
	}
}

func (s *jobService) Submit(ctx context.Context, req SubmitRequest) (*domain.RenameJob, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return nil, fmt.Errorf("%w: display_name is required", domain.ErrInvalidJob)
	}
	// 名称会作为输出文件名，不能带路径
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: display_name must not contain path separators", domain.ErrInvalidJob)
	}
	if req.InputPath == "" {
		return nil, fmt.Errorf("%w: input_path is required", domain.ErrInvalidJob)
	}
	if req.Package != "" {
		if err := identity.Validate(req.Package); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
		}
	}

	input, err := filepath.Abs(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
	}
	if info, err := os.Stat(input); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInputNotFound, input)
	}

	id := uuid.New().String()
	output := req.OutputPath
	if output == "" {
		// 每个任务独立的输出目录，文件名保持 <name>.apk
		output = filepath.Join(s.outputDir, id, name+".apk")
	}

	job := &domain.RenameJob{
		ID:               id,
		InputPath:        input,
		OutputPath:       output,
		DisplayName:      name,
		RequestedPackage: req.Package,
		Status:           domain.JobStatusQueued,
		Stage:            "idle",
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.jobRepo.Create(ctx, job); err != nil {
		s.logger.WithError(err).Error("Failed to create job")
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to dispatch job")
		now := time.Now().UTC()
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = fmt.Sprintf("dispatch: %v", err)
		job.CompletedAt = &now
		_ = s.jobRepo.SaveResult(ctx, job)
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"display_name": job.DisplayName,
		"input":        job.InputPath,
	}).Info("Job submitted")
	return job, nil
}

func (s *jobService) Get(ctx context.Context, jobID string) (*domain.RenameJob, error) {
	job, err := s.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to get job")
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *jobService) List(ctx context.Context, limit int, status string) ([]*domain.RenameJob, error) {
	jobs, err := s.jobRepo.List(ctx, limit, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *jobService) Stats(ctx context.Context) (map[string]int64, int64, error) {
	return s.jobRepo.GetStatusCounts(ctx)
}

func (s *jobService) RequeuePending(ctx context.Context) (int, error) {
	jobs, err := s.jobRepo.ListQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	count := 0
	for _, job := range jobs {
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to requeue job")
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.WithField("count", count).Info("Requeued pending jobs")
	}
	return count, nil
}
