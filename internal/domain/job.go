package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal 是否为终态
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RenameJob 重命名任务
type RenameJob struct {
	ID                 string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InputPath          string     `gorm:"type:varchar(1024);not null" json:"input_path"`
	OutputPath         string     `gorm:"type:varchar(1024)" json:"output_path"`
	DisplayName        string     `gorm:"type:varchar(255);not null" json:"display_name"`
	RequestedPackage   string     `gorm:"type:varchar(255)" json:"requested_package,omitempty"`
	OriginalPackage    string     `gorm:"type:varchar(255)" json:"original_package,omitempty"`
	NewPackage         string     `gorm:"type:varchar(255)" json:"new_package,omitempty"`
	Status             JobStatus  `gorm:"type:varchar(20);index;not null" json:"status"`
	Stage              string     `gorm:"type:varchar(32)" json:"stage"`
	FailedStage        string     `gorm:"type:varchar(32)" json:"failed_stage,omitempty"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message,omitempty"`
	RecoveryHint       string     `gorm:"type:varchar(1024)" json:"recovery_hint,omitempty"`
	AlignmentDegraded  bool       `gorm:"default:false" json:"alignment_degraded"`
	SignerCertificates string     `gorm:"type:text" json:"signer_certificates,omitempty"`
	CreatedAt          time.Time  `gorm:"index" json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DurationMS         int64      `json:"duration_ms"`
}

func (RenameJob) TableName() string {
	return "rename_jobs"
}
