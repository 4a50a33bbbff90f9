package pipeline

import (
	"fmt"
	"time"
)

// State 流水线状态
type State string

const (
	StateIdle       State = "idle"
	StateDecoding   State = "decoding"
	StateRewriting  State = "rewriting"
	StateEncoding   State = "encoding"
	StateAligning   State = "aligning"
	StateSigning    State = "signing"
	StateVerifying  State = "verifying"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Stages 按执行顺序排列的工作阶段
var Stages = []State{
	StateDecoding,
	StateRewriting,
	StateEncoding,
	StateAligning,
	StateSigning,
	StateVerifying,
	StateFinalizing,
}

// Policy 阶段失败策略
type Policy int

const (
	AbortOnFailure Policy = iota
	DegradeOnFailure
)

func (p Policy) String() string {
	if p == DegradeOnFailure {
		return "degrade"
	}
	return "abort"
}

// DefaultPolicies 只有对齐阶段允许降级
func DefaultPolicies() map[State]Policy {
	return map[State]Policy{
		StateAligning: DegradeOnFailure,
	}
}

// Phase 事件阶段
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseDegraded  Phase = "degraded"
	PhaseFailed    Phase = "failed"
)

// Event 状态变化事件
type Event struct {
	RunID    string        `json:"run_id,omitempty"`
	State    State         `json:"state"`
	Phase    Phase         `json:"phase"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Time     time.Time     `json:"time"`
}

// Observer 事件订阅者
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc 函数形式的订阅者
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// StageError 某个阶段失败
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
