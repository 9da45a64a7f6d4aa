package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrEmptySessionID 会话 ID 为空（或仅空白）时入队被拒绝
var ErrEmptySessionID = errors.New("session id is empty")

// SessionCallback 执行真正的对局重置；返回错误或 panic 只影响本条命令
type SessionCallback func(sessionID string, updates map[PlayerID]PlayerUpdate) error

// SessionCommand 一条会话控制命令，入队后由队列持有直到被处理
type SessionCommand struct {
	SessionID     string
	PlayerUpdates map[PlayerID]PlayerUpdate
	Callback      SessionCallback
	EnqueuedAt    time.Time
}

// SessionQueue 有序（FIFO）的会话控制命令缓冲
// 只在 Tick 线程内使用；网络协程通过房间的通道转交命令
type SessionQueue struct {
	pending  []SessionCommand
	draining bool
	cleared  uint64 // Clear 次数；Drain 中途变化则放弃本批剩余命令

	log     *zap.SugaredLogger
	metrics *RoomMetrics
	now     func() time.Time
}

// NewSessionQueue log / metrics 可为 nil
func NewSessionQueue(log *zap.SugaredLogger, metrics *RoomMetrics) *SessionQueue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SessionQueue{log: log, metrics: metrics, now: time.Now}
}

// Enqueue 追加一条命令；非法输入记录告警后丢弃，不会入队
func (q *SessionQueue) Enqueue(sessionID string, updates map[PlayerID]PlayerUpdate, cb SessionCallback) error {
	if strings.TrimSpace(sessionID) == "" {
		q.log.Warnw("session command dropped", "reason", "empty session id")
		q.metrics.IncSessionDropped()
		return ErrEmptySessionID
	}
	if cb == nil {
		q.log.Warnw("session command dropped", "session", sessionID, "reason", "nil callback")
		q.metrics.IncSessionDropped()
		return fmt.Errorf("session %q: nil callback", sessionID)
	}
	q.pending = append(q.pending, SessionCommand{
		SessionID:     sessionID,
		PlayerUpdates: updates,
		Callback:      cb,
		EnqueuedAt:    q.now(),
	})
	q.metrics.IncSessionEnqueued()
	return nil
}

// ProcessAll 同步处理截至调用时已排队的全部命令，返回是否处理过命令
// 回调中新入队的命令留到下一次 ProcessAll；回调中调用 Clear 会丢弃本批尚未执行的命令
func (q *SessionQueue) ProcessAll() bool {
	if q.draining || len(q.pending) == 0 {
		return false
	}
	q.draining = true
	defer func() { q.draining = false }()

	batch := q.pending
	q.pending = nil
	gen := q.cleared
	for i := range batch {
		if q.cleared != gen {
			q.log.Infow("session queue cleared", "discarded", len(batch)-i)
			break
		}
		q.run(batch[i])
		batch[i] = SessionCommand{}
	}
	return true
}

func (q *SessionQueue) run(cmd SessionCommand) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("session callback panicked", "session", cmd.SessionID, "panic", r)
			q.metrics.IncSessionFailed()
		}
	}()
	if err := cmd.Callback(cmd.SessionID, cmd.PlayerUpdates); err != nil {
		q.log.Errorw("session callback failed", "session", cmd.SessionID, "error", err)
		q.metrics.IncSessionFailed()
		return
	}
	q.log.Debugw("session command applied", "session", cmd.SessionID,
		"players", len(cmd.PlayerUpdates), "waited", q.now().Sub(cmd.EnqueuedAt))
	q.metrics.IncSessionApplied()
}

// Len 已排队但未处理的命令数
func (q *SessionQueue) Len() int { return len(q.pending) }

// Clear 丢弃所有未处理的命令（模式退出时使用），包括正在执行的这一批中排在后面的
func (q *SessionQueue) Clear() {
	q.cleared++
	if n := len(q.pending); n > 0 {
		q.log.Infow("session queue cleared", "discarded", n)
	}
	q.pending = nil
}
