package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/pipeline"
	"github.com/apk-analysis/apk-rename-go/internal/service"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// ProgressHub 通过 WebSocket 推送任务的阶段事件
type ProgressHub struct {
	jobService service.JobService
	logger     *logrus.Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan pipeline.Event
	once sync.Once
}

func (cl *client) close() {
	cl.once.Do(func() { close(cl.send) })
}

// NewProgressHub 创建进度推送中心
func NewProgressHub(jobService service.JobService, logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		jobService: jobService,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// Publish 推送事件给订阅该任务的客户端，实现 worker.Broadcaster
// 客户端缓冲已满时丢弃事件，不阻塞流水线
func (h *ProgressHub) Publish(jobID string, e pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for cl := range h.clients[jobID] {
		select {
		case cl.send <- e:
		default:
			h.logger.WithField("job_id", jobID).Warn("WebSocket client too slow, dropping event")
		}
	}

	// 终态事件后关闭该任务的所有连接
	if e.State == pipeline.StateDone || e.State == pipeline.StateFailed {
		for cl := range h.clients[jobID] {
			cl.close()
		}
		delete(h.clients, jobID)
	}
}

// HandleWebSocket 订阅任务进度
// GET /ws/jobs/:id
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.jobService.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	// 已结束的任务直接返回最终状态
	if job.Status.IsTerminal() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(finalEvent(job))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		return
	}

	cl := &client{conn: conn, send: make(chan pipeline.Event, sendBuffer)}
	h.register(jobID, cl)
	h.logger.WithField("job_id", jobID).Debug("WebSocket client connected")

	go h.readPump(jobID, cl)
	h.writePump(jobID, cl)
}

func (h *ProgressHub) register(jobID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*client]struct{})
	}
	h.clients[jobID][cl] = struct{}{}
}

func (h *ProgressHub) unregister(jobID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[jobID]; ok {
		delete(set, cl)
		if len(set) == 0 {
			delete(h.clients, jobID)
		}
	}
	cl.close()
}

// readPump 只用于发现客户端断开
func (h *ProgressHub) readPump(jobID string, cl *client) {
	defer h.unregister(jobID, cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket read error")
			}
			return
		}
	}
}

func (h *ProgressHub) writePump(jobID string, cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(jobID, cl)
		cl.conn.Close()
	}()

	for {
		select {
		case e, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := cl.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribers 订阅某个任务的客户端数量
func (h *ProgressHub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func finalEvent(job *domain.RenameJob) pipeline.Event {
	e := pipeline.Event{
		RunID: job.ID,
		State: pipeline.StateDone,
		Phase: pipeline.PhaseCompleted,
		Time:  time.Now(),
	}
	if job.CompletedAt != nil {
		e.Time = *job.CompletedAt
	}
	if job.Status == domain.JobStatusFailed {
		e.State = pipeline.StateFailed
		e.Phase = pipeline.PhaseFailed
		e.Message = job.FailedStage
		e.Error = job.ErrorMessage
		return e
	}
	e.Message = job.OutputPath
	return e
}
