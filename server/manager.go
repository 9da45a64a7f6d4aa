package server

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultRoomID 未指定房间时使用
const DefaultRoomID = "room-1"

// RoomManager 管理多个房间的生命周期；由 main 显式创建并传递
type RoomManager struct {
	ctx   context.Context
	cfg   Config
	codec Codec
	log   *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRoomManager ctx 结束时所有房间的 Tick 循环退出
func NewRoomManager(ctx context.Context, cfg Config, codec Codec, log *zap.SugaredLogger) *RoomManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RoomManager{ctx: ctx, cfg: cfg, codec: codec, log: log, rooms: make(map[string]*Room)}
}

// GetOrCreateRoom 获取或创建房间，并确保开始 Tick
func (m *RoomManager) GetOrCreateRoom(id string) *Room {
	if id == "" {
		id = DefaultRoomID
	}
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[id]; ok {
		return r
	}
	r = NewRoom(id, m.cfg, m.codec, m.log)
	m.rooms[id] = r
	r.StartTicker(m.ctx, m.cfg.TickInterval())
	m.log.Infow("room created", "room", id)
	return r
}

// Room 只查找，不创建
func (m *RoomManager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// RoomIDs 已创建房间的 ID（排序）
func (m *RoomManager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
