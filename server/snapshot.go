package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidEnemy   = errors.New("invalid enemy state")
)

const (
	MsgSnapshot = "snapshot"
	MsgSession  = "session"
	MsgSettings = "settings"
)

// EnemyState 权威快照中的单个敌人
type EnemyState struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Health    float64 `json:"health"`
	MaxHealth float64 `json:"maxHealth"`
	Speed     float64 `json:"speed"`
	IsDead    bool    `json:"isDead"`
}

// Validate 只检查调和关心的约束
func (e EnemyState) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnemy)
	case e.Type == "":
		return fmt.Errorf("%w: %s missing type", ErrInvalidEnemy, e.ID)
	case !finite(e.X) || !finite(e.Y):
		return fmt.Errorf("%w: %s non-finite position", ErrInvalidEnemy, e.ID)
	case !finite(e.Health) || !finite(e.MaxHealth):
		return fmt.Errorf("%w: %s non-finite health", ErrInvalidEnemy, e.ID)
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// RejectedEnemy 解码时被拒绝的条目；ID 可能为空
type RejectedEnemy struct {
	ID     string
	Reason error
}

// Snapshot 服务端周期下发的权威状态
type Snapshot struct {
	Enemies   []EnemyState `json:"enemies"`
	Wave      *int         `json:"wave,omitempty"`
	Timestamp int64        `json:"timestamp"` // 毫秒

	// Rejected 解码阶段校验失败的条目，不参与编码
	Rejected []RejectedEnemy `json:"-"`
}

// SessionMessage 会话控制消息（新对局 / 重置）
type SessionMessage struct {
	SessionID     string                    `json:"sessionId"`
	PlayerUpdates map[PlayerID]PlayerUpdate `json:"playerUpdates,omitempty"`
}

// Envelope 下行消息外壳
type Envelope struct {
	Type      string          `json:"type"`
	Snapshot  *Snapshot       `json:"snapshot,omitempty"`
	Session   *SessionMessage `json:"session,omitempty"`
	Smoothing *Smoothing      `json:"smoothing,omitempty"` // settings 消息
}

// 解码用的线格式：指针字段用于区分“缺失”与零值
type enemyWire struct {
	ID        *string  `json:"id"`
	Type      *string  `json:"type"`
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Health    *float64 `json:"health"`
	MaxHealth *float64 `json:"maxHealth"`
	Speed     *float64 `json:"speed"`
	IsDead    *bool    `json:"isDead"`
}

type snapshotWire struct {
	Enemies   []enemyWire `json:"enemies"`
	Wave      *int        `json:"wave"`
	Timestamp int64       `json:"timestamp"`
}

type envelopeWire struct {
	Type      string          `json:"type"`
	Snapshot  *snapshotWire   `json:"snapshot"`
	Session   *SessionMessage `json:"session"`
	Smoothing *Smoothing      `json:"smoothing"`
}

func (w enemyWire) toState() (EnemyState, error) {
	var id string
	if w.ID != nil {
		id = *w.ID
	}
	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.Type == nil {
		missing = append(missing, "type")
	}
	if w.X == nil {
		missing = append(missing, "x")
	}
	if w.Y == nil {
		missing = append(missing, "y")
	}
	if w.Health == nil {
		missing = append(missing, "health")
	}
	if w.MaxHealth == nil {
		missing = append(missing, "maxHealth")
	}
	if len(missing) > 0 {
		return EnemyState{ID: id}, fmt.Errorf("%w: %q missing %v", ErrInvalidEnemy, id, missing)
	}
	st := EnemyState{
		ID:        id,
		Type:      *w.Type,
		X:         *w.X,
		Y:         *w.Y,
		Health:    *w.Health,
		MaxHealth: *w.MaxHealth,
	}
	if w.Speed != nil {
		st.Speed = *w.Speed
	}
	if w.IsDead != nil {
		st.IsDead = *w.IsDead
	}
	if err := st.Validate(); err != nil {
		return EnemyState{ID: id}, err
	}
	return st, nil
}

func (w *snapshotWire) toSnapshot() *Snapshot {
	s := &Snapshot{
		Enemies:   make([]EnemyState, 0, len(w.Enemies)),
		Wave:      w.Wave,
		Timestamp: w.Timestamp,
	}
	for _, ew := range w.Enemies {
		st, err := ew.toState()
		if err != nil {
			s.Rejected = append(s.Rejected, RejectedEnemy{ID: st.ID, Reason: err})
			continue
		}
		s.Enemies = append(s.Enemies, st)
	}
	return s
}

// Codec 快照 / 会话消息的编解码
type Codec interface {
	Name() string
	// MessageType websocket 帧类型
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewCodec name: "json"（默认）或 "msgpack"
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("codec %q: %w", name, ErrInvalidConfig)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) MessageType() int                   { return websocket.TextMessage }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec 二进制帧，沿用 json 标签保持字段名一致
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string     { return "msgpack" }
func (MsgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// EncodeSnapshot 打包快照消息
func EncodeSnapshot(c Codec, s *Snapshot) ([]byte, error) {
	return c.Marshal(Envelope{Type: MsgSnapshot, Snapshot: s})
}

// EncodeSession 打包会话控制消息
func EncodeSession(c Codec, m *SessionMessage) ([]byte, error) {
	return c.Marshal(Envelope{Type: MsgSession, Session: m})
}

// EncodeSettings 打包平滑参数消息
func EncodeSettings(c Codec, s Smoothing) ([]byte, error) {
	return c.Marshal(Envelope{Type: MsgSettings, Smoothing: &s})
}

// DecodeEnvelope 解码下行消息；快照中的非法条目进入 Snapshot.Rejected 而不是报错
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	var w envelopeWire
	if err := c.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", c.Name(), err)
	}
	switch w.Type {
	case MsgSnapshot:
		if w.Snapshot == nil {
			return nil, fmt.Errorf("%s without payload: %w", w.Type, ErrUnknownMessage)
		}
		return &Envelope{Type: w.Type, Snapshot: w.Snapshot.toSnapshot()}, nil
	case MsgSession:
		if w.Session == nil {
			return nil, fmt.Errorf("%s without payload: %w", w.Type, ErrUnknownMessage)
		}
		return &Envelope{Type: w.Type, Session: w.Session}, nil
	case MsgSettings:
		if w.Smoothing == nil {
			return nil, fmt.Errorf("%s without payload: %w", w.Type, ErrUnknownMessage)
		}
		return &Envelope{Type: w.Type, Smoothing: w.Smoothing}, nil
	default:
		return nil, fmt.Errorf("%q: %w", w.Type, ErrUnknownMessage)
	}
}
