package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/service"
)

// 上传大小上限 500MB
const maxUploadSize = int64(500 * 1024 * 1024)

// JobHandler 任务处理器
type JobHandler struct {
	jobService service.JobService
	uploadDir  string
	logger     *logrus.Logger
}

// NewJobHandler 创建任务处理器
func NewJobHandler(jobService service.JobService, uploadDir string, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		uploadDir:  uploadDir,
		logger:     logger,
	}
}

// CreateJob 提交重命名任务
// POST /api/jobs
// JSON: {"input_path","display_name","package","output_path"}
// multipart: file + display_name + package
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req service.SubmitRequest

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		path, err := h.saveUpload(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req = service.SubmitRequest{
			InputPath:   path,
			DisplayName: c.PostForm("display_name"),
			Package:     c.PostForm("package"),
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := h.jobService.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// saveUpload 保存上传的 APK，每次上传使用独立目录避免重名
func (h *JobHandler) saveUpload(c *gin.Context) (string, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("missing file: %w", err)
	}

	name := filepath.Base(file.Filename)
	if !strings.HasSuffix(strings.ToLower(name), ".apk") {
		return "", fmt.Errorf("only .apk files are accepted")
	}
	if file.Size > maxUploadSize {
		return "", fmt.Errorf("file exceeds %dMB", maxUploadSize/(1024*1024))
	}

	dest := filepath.Join(h.uploadDir, uuid.New().String(), name)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	if err := c.SaveUploadedFile(file, dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save upload: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"filename": name,
		"size":     file.Size,
		"path":     dest,
	}).Info("APK uploaded")
	return dest, nil
}

// ListJobs 任务列表
// GET /api/jobs?limit=50&status=failed
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	status := c.Query("status")

	jobs, err := h.jobService.List(c.Request.Context(), limit, status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob 任务详情
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// DownloadJob 下载签名后的 APK
// GET /api/jobs/:id/download
func (h *JobHandler) DownloadJob(c *gin.Context) {
	job, err := h.jobService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if job.Status != domain.JobStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job has not completed",
			"status": job.Status,
		})
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": "output file no longer exists"})
		return
	}
	c.FileAttachment(job.OutputPath, filepath.Base(job.OutputPath))
}

// GetStats 各状态任务数量
// GET /api/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	counts, total, err := h.jobService.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"status": counts,
	})
}

// writeError 按错误类型返回状态码
func (h *JobHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidJob), errors.Is(err, domain.ErrInputNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
