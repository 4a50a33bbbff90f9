package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/pipeline"
	"github.com/apk-analysis/apk-rename-go/internal/repository"
)

// Runner 执行一次重命名流水线
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, observers ...pipeline.Observer) (*pipeline.Result, error)
	Cleanup(ctx context.Context, workDir string) (bool, error)
}

// Broadcaster 把阶段事件推送给订阅者（websocket）
type Broadcaster interface {
	Publish(jobID string, e pipeline.Event)
}

// Recorder 运行指标
type Recorder interface {
	pipeline.Observer
	RecordJobQueued()
	RecordRunStarted()
	RecordRunFinished(success bool, duration time.Duration)
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Options Worker 池参数
type Options struct {
	Workers     int
	QueueSize   int
	WorkDir     string
	KeepWorkDir bool
}

// Pool Worker 池
type Pool struct {
	opts        Options
	taskChan    chan *Task
	runner      Runner
	jobRepo     repository.JobRepository
	broadcaster Broadcaster
	metrics     Recorder
	logger      *logrus.Logger
	wg          sync.WaitGroup
	active      int32
	closeOnce   sync.Once
}

// Task 任务
type Task struct {
	JobID    string
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池，broadcaster 和 metrics 可为 nil
func NewPool(opts Options, runner Runner, jobRepo repository.JobRepository, broadcaster Broadcaster, metrics Recorder, logger *logrus.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 100
	}
	return &Pool{
		opts:        opts,
		taskChan:    make(chan *Task, opts.QueueSize),
		runner:      runner,
		jobRepo:     jobRepo,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.opts.Workers).Info("Starting worker pool")

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}

			atomic.AddInt32(&p.active, 1)
			p.reportStats()

			err := p.Execute(ctx, task.JobID)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id": id,
					"job_id":    task.JobID,
				}).Error("Job execution failed")
			}

			atomic.AddInt32(&p.active, -1)
			p.reportStats()

			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

// Dispatch 提交任务（异步，不等待结果），实现 service.Dispatcher
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	select {
	case p.taskChan <- &Task{JobID: jobID}:
		p.logger.WithField("job_id", jobID).Debug("Job submitted to pool")
		if p.metrics != nil {
			p.metrics.RecordJobQueued()
		}
		p.reportStats()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, jobID string) error {
	task := &Task{JobID: jobID, resultCh: make(chan error, 1)}

	select {
	case p.taskChan <- task:
		p.logger.WithField("job_id", jobID).Debug("Job submitted to pool (sync)")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute 执行单个任务并持久化结果；已结束的任务直接跳过
func (p *Pool) Execute(ctx context.Context, jobID string) error {
	log := p.logger.WithField("job_id", jobID)

	job, err := p.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		log.WithField("status", job.Status).Info("Job already finished, skipping")
		return nil
	}

	if err := p.jobRepo.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordRunStarted()
	}

	observers := []pipeline.Observer{pipeline.ObserverFunc(func(e pipeline.Event) {
		if e.Phase == pipeline.PhaseStarted {
			if err := p.jobRepo.UpdateStage(ctx, jobID, string(e.State)); err != nil {
				log.WithError(err).Warn("Failed to update job stage")
			}
		}
		if p.broadcaster != nil {
			p.broadcaster.Publish(jobID, e)
		}
	})}
	if p.metrics != nil {
		observers = append(observers, p.metrics)
	}

	workDir := filepath.Join(p.opts.WorkDir, jobID)
	req := pipeline.Request{
		ID:          jobID,
		InputPath:   job.InputPath,
		OutputPath:  job.OutputPath,
		DisplayName: job.DisplayName,
		NewPackage:  job.RequestedPackage,
		WorkDir:     workDir,
	}

	log.WithFields(logrus.Fields{
		"input":    job.InputPath,
		"work_dir": workDir,
	}).Info("Processing job")

	result, runErr := p.runner.Run(ctx, req, observers...)
	applyResult(job, result, runErr)

	// 结果写入不受取消影响
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.jobRepo.SaveResult(saveCtx, job); err != nil {
		log.WithError(err).Error("Failed to save job result")
	}

	if p.metrics != nil {
		p.metrics.RecordRunFinished(runErr == nil, time.Duration(job.DurationMS)*time.Millisecond)
	}

	if runErr != nil {
		// 失败时保留工作目录，恢复提示指向其中的签名产物
		return runErr
	}

	log.WithField("output", job.OutputPath).Info("Job completed successfully")
	if !p.opts.KeepWorkDir {
		if _, err := p.runner.Cleanup(ctx, workDir); err != nil {
			log.WithError(err).Warn("Failed to clean working directory")
		}
	}
	return nil
}

// applyResult 把流水线结果写回任务记录
func applyResult(job *domain.RenameJob, result *pipeline.Result, runErr error) {
	now := time.Now().UTC()
	job.CompletedAt = &now

	if result != nil {
		job.Stage = string(result.State)
		job.OriginalPackage = result.Identity.OriginalPackage
		job.NewPackage = result.Identity.NewPackage
		job.AlignmentDegraded = result.AlignmentDegraded
		job.RecoveryHint = result.RecoveryHint
		job.DurationMS = result.Duration.Milliseconds()
		if result.OutputPath != "" {
			job.OutputPath = result.OutputPath
		}
		if result.Verification != nil {
			job.SignerCertificates = result.Verification.Summary()
		}
		if result.FailedStage != "" {
			job.FailedStage = string(result.FailedStage)
		}
	}

	if runErr != nil {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = runErr.Error()
		if result == nil {
			job.Stage = string(pipeline.StateFailed)
		}
		return
	}
	job.Status = domain.JobStatusCompleted
	job.ErrorMessage = ""
}

func (p *Pool) reportStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.opts.Workers, int(atomic.LoadInt32(&p.active)), len(p.taskChan))
	}
}

// Stop 停止 Worker 池，等待正在执行的任务结束
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.closeOnce.Do(func() { close(p.taskChan) })
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// ActiveWorkers 正在执行任务的 Worker 数
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.active))
}
