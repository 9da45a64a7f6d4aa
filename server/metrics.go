package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间（或镜像端）运行期的关键指标；nil 接收者的方法为空操作
type RoomMetrics struct {
	TickCount         int64 // 统计的 Tick 次数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
	InputsAccepted    int64 // 被接受的输入数
	ChanFullDiscarded int64 // 因通道满被丢弃的输入数
	InputsDuplicate   int64 // 序号重复或过旧被丢弃的输入数

	SessionsEnqueued int64 // 入队的会话命令
	SessionsDropped  int64 // 非法会话命令（未入队）
	SessionsApplied  int64 // 回调成功执行
	SessionsFailed   int64 // 回调返回错误或 panic

	SnapshotsApplied int64 // 完成的调和轮次
	SnapshotsStale   int64 // 时间戳不新于上次而被丢弃
	EntitiesCreated  int64
	EntitiesUpdated  int64
	EntitiesRemoved  int64
	EntitiesSkipped  int64 // 字段缺失或类型未知而跳过
}

func (m *RoomMetrics) add(p *int64, n int64) {
	if m != nil {
		atomic.AddInt64(p, n)
	}
}

func (m *RoomMetrics) IncAccepted() {
	if m != nil {
		m.add(&m.InputsAccepted, 1)
	}
}

func (m *RoomMetrics) IncChanFullDiscarded() {
	if m != nil {
		m.add(&m.ChanFullDiscarded, 1)
	}
}

func (m *RoomMetrics) IncInputDuplicate() {
	if m != nil {
		m.add(&m.InputsDuplicate, 1)
	}
}

func (m *RoomMetrics) IncSessionEnqueued() {
	if m != nil {
		m.add(&m.SessionsEnqueued, 1)
	}
}

func (m *RoomMetrics) IncSessionDropped() {
	if m != nil {
		m.add(&m.SessionsDropped, 1)
	}
}

func (m *RoomMetrics) IncSessionApplied() {
	if m != nil {
		m.add(&m.SessionsApplied, 1)
	}
}

func (m *RoomMetrics) IncSessionFailed() {
	if m != nil {
		m.add(&m.SessionsFailed, 1)
	}
}

func (m *RoomMetrics) IncSnapshotStale() {
	if m != nil {
		m.add(&m.SnapshotsStale, 1)
	}
}

// AddReconcile 汇总一次调和的结果
func (m *RoomMetrics) AddReconcile(r ReconcileResult) {
	if m == nil {
		return
	}
	m.add(&m.SnapshotsApplied, 1)
	m.add(&m.EntitiesCreated, int64(r.Created))
	m.add(&m.EntitiesUpdated, int64(r.Updated))
	m.add(&m.EntitiesRemoved, int64(r.Removed))
	m.add(&m.EntitiesSkipped, int64(r.Skipped))
}

func (m *RoomMetrics) AddTick(ns int64) {
	if m == nil {
		return
	}
	m.add(&m.TickCount, 1)
	m.add(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"avg_tick_ms":         avgMs,
		"inputs_accepted":     atomic.LoadInt64(&m.InputsAccepted),
		"chan_full_discarded": atomic.LoadInt64(&m.ChanFullDiscarded),
		"inputs_duplicate":    atomic.LoadInt64(&m.InputsDuplicate),
		"sessions_enqueued":   atomic.LoadInt64(&m.SessionsEnqueued),
		"sessions_dropped":    atomic.LoadInt64(&m.SessionsDropped),
		"sessions_applied":    atomic.LoadInt64(&m.SessionsApplied),
		"sessions_failed":     atomic.LoadInt64(&m.SessionsFailed),
		"snapshots_applied":   atomic.LoadInt64(&m.SnapshotsApplied),
		"snapshots_stale":     atomic.LoadInt64(&m.SnapshotsStale),
		"entities_created":    atomic.LoadInt64(&m.EntitiesCreated),
		"entities_updated":    atomic.LoadInt64(&m.EntitiesUpdated),
		"entities_removed":    atomic.LoadInt64(&m.EntitiesRemoved),
		"entities_skipped":    atomic.LoadInt64(&m.EntitiesSkipped),
	}
}
