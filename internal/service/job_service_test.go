package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// MockJobRepository 模拟任务仓库
type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) Create(ctx context.Context, job *domain.RenameJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepository) FindByID(ctx context.Context, id string) (*domain.RenameJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RenameJob), args.Error(1)
}

func (m *MockJobRepository) List(ctx context.Context, limit int, status string) ([]*domain.RenameJob, error) {
	args := m.Called(ctx, limit, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RenameJob), args.Error(1)
}

func (m *MockJobRepository) UpdateStage(ctx context.Context, id string, stage string) error {
	args := m.Called(ctx, id, stage)
	return args.Error(0)
}

func (m *MockJobRepository) MarkRunning(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockJobRepository) SaveResult(ctx context.Context, job *domain.RenameJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobRepository) ListQueued(ctx context.Context) ([]*domain.RenameJob, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RenameJob), args.Error(1)
}

func (m *MockJobRepository) FailInterrupted(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockDispatcher 模拟派发器
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app-release.apk")
	require.NoError(t, os.WriteFile(path, []byte("apk"), 0644))
	return path
}

// TestJobService_Submit 测试提交任务
func TestJobService_Submit(t *testing.T) {
	mockRepo := new(MockJobRepository)
	mockDispatcher := new(MockDispatcher)
	svc := NewJobService(mockRepo, mockDispatcher, "/srv/output", testLogger())
	ctx := context.Background()
	input := writeInput(t)

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.RenameJob")).Return(nil)
	mockDispatcher.On("Dispatch", ctx, mock.AnythingOfType("string")).Return(nil)

	job, err := svc.Submit(ctx, SubmitRequest{InputPath: input, DisplayName: " Toollist "})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "Toollist", job.DisplayName)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, filepath.Join("/srv/output", job.ID, "Toollist.apk"), job.OutputPath)
	mockRepo.AssertExpectations(t)
	mockDispatcher.AssertCalled(t, "Dispatch", ctx, job.ID)
}

// TestJobService_Submit_Validation 测试参数校验
func TestJobService_Submit_Validation(t *testing.T) {
	input := writeInput(t)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{"missing name", SubmitRequest{InputPath: input}, domain.ErrInvalidJob},
		{"missing input", SubmitRequest{DisplayName: "Toollist"}, domain.ErrInvalidJob},
		{"name escapes output dir", SubmitRequest{InputPath: input, DisplayName: "../../../etc/cron.d/x"}, domain.ErrInvalidJob},
		{"name with backslash", SubmitRequest{InputPath: input, DisplayName: `..\\evil`}, domain.ErrInvalidJob},
		{"dot dot name", SubmitRequest{InputPath: input, DisplayName: ".."}, domain.ErrInvalidJob},
		{"bad package", SubmitRequest{InputPath: input, DisplayName: "Toollist", Package: "com..app"}, domain.ErrInvalidJob},
		{"input not found", SubmitRequest{InputPath: input + ".missing", DisplayName: "Toollist"}, domain.ErrInputNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockJobRepository)
			mockDispatcher := new(MockDispatcher)
			svc := NewJobService(mockRepo, mockDispatcher, "/srv/output", testLogger())

			_, err := svc.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

// TestJobService_Submit_DispatchError 测试派发失败时任务标记为失败
func TestJobService_Submit_DispatchError(t *testing.T) {
	mockRepo := new(MockJobRepository)
	mockDispatcher := new(MockDispatcher)
	svc := NewJobService(mockRepo, mockDispatcher, "/srv/output", testLogger())
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.RenameJob")).Return(nil)
	mockDispatcher.On("Dispatch", ctx, mock.AnythingOfType("string")).Return(errors.New("queue full"))
	mockRepo.On("SaveResult", ctx, mock.MatchedBy(func(job *domain.RenameJob) bool {
		return job.Status == domain.JobStatusFailed
	})).Return(nil)

	_, err := svc.Submit(ctx, SubmitRequest{InputPath: writeInput(t), DisplayName: "Toollist"})
	assert.Error(t, err)
	mockRepo.AssertExpectations(t)
}

// TestJobService_Get_NotFound 测试获取不存在的任务
func TestJobService_Get_NotFound(t *testing.T) {
	mockRepo := new(MockJobRepository)
	svc := NewJobService(mockRepo, new(MockDispatcher), "", testLogger())
	ctx := context.Background()

	mockRepo.On("FindByID", ctx, "missing").Return(nil, gorm.ErrRecordNotFound)

	_, err := svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

// TestJobService_List 测试任务列表
func TestJobService_List(t *testing.T) {
	mockRepo := new(MockJobRepository)
	svc := NewJobService(mockRepo, new(MockDispatcher), "", testLogger())
	ctx := context.Background()

	expected := []*domain.RenameJob{{ID: "a"}, {ID: "b"}}
	mockRepo.On("List", ctx, 20, "failed").Return(expected, nil)

	jobs, err := svc.List(ctx, 20, "failed")
	require.NoError(t, err)
	assert.Equal(t, expected, jobs)
}

// TestJobService_RequeuePending 测试重新派发排队任务
func TestJobService_RequeuePending(t *testing.T) {
	mockRepo := new(MockJobRepository)
	mockDispatcher := new(MockDispatcher)
	svc := NewJobService(mockRepo, mockDispatcher, "", testLogger())
	ctx := context.Background()

	mockRepo.On("ListQueued", ctx).Return([]*domain.RenameJob{{ID: "a"}, {ID: "b"}}, nil)
	mockDispatcher.On("Dispatch", ctx, "a").Return(nil)
	mockDispatcher.On("Dispatch", ctx, "b").Return(errors.New("closed"))

	count, err := svc.RequeuePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
