package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/config"
)

// Publisher 发布消息
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	cfg        config.RabbitMQConfig
	heartbeat  time.Duration
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *logrus.Logger
	reconnect  chan bool
	maxRetries int

	// 连接状态管理
	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建 RabbitMQ 客户端并建立连接
func NewRabbitMQ(cfg config.RabbitMQConfig, logger *logrus.Logger) (*RabbitMQ, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	mq := &RabbitMQ{
		cfg:        cfg,
		heartbeat:  10 * time.Second,
		logger:     logger,
		reconnect:  make(chan bool, 10),
		maxRetries: 10,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// connect 建立连接、声明持久化队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.cfg.URL(), amqp.Config{
		Heartbeat: mq.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// prefetch 与 worker 数量一致
	if err := ch.Qos(mq.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"port":     mq.cfg.Port,
		"queue":    mq.cfg.Queue,
		"prefetch": mq.cfg.Prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// StartConnectionWatcher 监听连接和 Channel 关闭事件，直到主动关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			var ok bool
			select {
			case err, ok = <-connNotify:
			case err, ok = <-channelNotify:
			}

			if !ok && mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			mq.triggerReconnect()
			// 等待重连后再监听新的通知通道
			mq.waitReconnected()
		}
	}()
}

func (mq *RabbitMQ) waitReconnected() {
	for !mq.isClosed() && !mq.IsConnected() {
		time.Sleep(time.Second)
	}
}

// triggerReconnect 触发重连信号（非阻塞）
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 重新连接，失败时线性退避
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		mq.logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": mq.maxRetries,
		}).Info("Attempting to reconnect to RabbitMQ")

		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Warn("Failed to reconnect")
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}

		mq.logger.Info("Reconnected to RabbitMQ")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	return ch.PublishWithContext(ctx, "", mq.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 消费消息（手动确认）
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// GetQueueStats 获取队列中的消息数和消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, 0, fmt.Errorf("channel is nil")
	}

	q, err := ch.QueueInspect(mq.cfg.Queue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}
