package server

import "strings"

// PlayerID 表示玩家唯一标识
type PlayerID string

// Direction 移动方向（服务端权威解释客户端“意图”）
type Direction int

const (
	DirNone Direction = iota
	DirUp
	DirDown
	DirLeft
	DirRight
)

// ParseDirection 大小写不敏感；未知方向为 DirNone
func ParseDirection(s string) Direction {
	switch strings.ToLower(s) {
	case "up":
		return DirUp
	case "down":
		return DirDown
	case "left":
		return DirLeft
	case "right":
		return DirRight
	default:
		return DirNone
	}
}

// PlayerUpdate 会话重置时对单个玩家的覆盖值，nil 字段保持不变
type PlayerUpdate struct {
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Health *int     `json:"health,omitempty"`
	Score  *int     `json:"score,omitempty"`
}

// PlayerState 为广播给客户端的轻量状态
type PlayerState struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Health int     `json:"health"`
	Score  int     `json:"score"`
}

// Player 房间内的玩家实体（服务端权威状态）
type Player struct {
	ID     PlayerID
	X      float64
	Y      float64
	Health int
	Score  int

	lastSeq int64 // 最近接受的输入序号

	Conn *ClientConn // 网络连接的发送端（写协程）
}

func (p *Player) apply(u PlayerUpdate) {
	if u.X != nil {
		p.X = *u.X
	}
	if u.Y != nil {
		p.Y = *u.Y
	}
	if u.Health != nil {
		p.Health = *u.Health
	}
	if u.Score != nil {
		p.Score = *u.Score
	}
}
