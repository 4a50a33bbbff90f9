package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// JobMessage 任务消息，任务详情从数据库读取
type JobMessage struct {
	JobID string `json:"job_id"`
}

// DecodeJobMessage 解析并校验消息
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal job message: %w", err)
	}
	msg.JobID = strings.TrimSpace(msg.JobID)
	if msg.JobID == "" {
		return nil, fmt.Errorf("job message has no job_id")
	}
	return &msg, nil
}

// Producer 消息生产者，实现 service.Dispatcher
type Producer struct {
	publisher Publisher
	logger    *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(publisher Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// Dispatch 发布任务消息
func (p *Producer) Dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(&JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.publisher.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("job_id", jobID).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithField("job_id", jobID).Info("Job published to queue")
	return nil
}
