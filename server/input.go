package server

// InputKind 入站意图类型
type InputKind int

const (
	InputMove InputKind = iota
	InputHit
)

// Input 客户端输入（意图），由服务端在 Tick 中解释并驱动世界状态
type Input struct {
	PlayerID PlayerID
	Kind     InputKind
	Command  Direction
	Target   string // InputHit: 目标敌人 ID
	Damage   int
	Seq      int64 // 客户端递增序号；0 表示不去重
}

// sessionRequest 网络协程转交给 Tick 线程的会话控制请求
type sessionRequest struct {
	SessionID     string
	PlayerUpdates map[PlayerID]PlayerUpdate
}

// 入站消息的简单 JSON 结构（WebSocket 文本消息）
// 示例：{"type":"move","command":"up"}、{"type":"hit","target":"e3","damage":10}、
// {"type":"reset","sessionId":"match-2"}
type InputMessage struct {
	Type          string                    `json:"type"`
	Command       string                    `json:"command,omitempty"`
	Target        string                    `json:"target,omitempty"`
	Damage        int                       `json:"damage,omitempty"`
	SessionID     string                    `json:"sessionId,omitempty"`
	PlayerUpdates map[PlayerID]PlayerUpdate `json:"playerUpdates,omitempty"`
	Seq           int64                     `json:"seq,omitempty"`
}
