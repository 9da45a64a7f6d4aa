package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAdminConfig 提供房间规则的读取与更新（热更新，下一个 Tick 生效）
// GET /admin/config?room=room-1  返回当前配置
// POST /admin/config?room=room-1 以 JSON 载荷更新部分字段
func (m *RoomManager) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	room := m.GetOrCreateRoom(r.URL.Query().Get("room"))

	type cfg struct {
		Step          *float64 `json:"step,omitempty"`
		SnapshotEvery *int     `json:"snapshotEvery,omitempty"`
		BaseCount     *int     `json:"baseCount,omitempty"`
		PerWave       *int     `json:"perWave,omitempty"`
		CorpseTicks   *int     `json:"corpseTicks,omitempty"`
		// 平滑参数下发给所有镜像端；referenceInterval 为 Go duration 字符串，如 "50ms"
		SmoothingFactor   *float64 `json:"smoothingFactor,omitempty"`
		ReferenceInterval *string  `json:"referenceInterval,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, room.Settings())
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		smoothing := room.Settings().Smoothing
		if body.SmoothingFactor != nil {
			smoothing.Factor = *body.SmoothingFactor
		}
		if body.ReferenceInterval != nil {
			d, err := time.ParseDuration(*body.ReferenceInterval)
			if err != nil {
				http.Error(w, "invalid referenceInterval", http.StatusBadRequest)
				return
			}
			smoothing.ReferenceInterval = d
		}
		if err := smoothing.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s := room.UpdateSettings(func(s *RoomSettings) {
			if body.SmoothingFactor != nil || body.ReferenceInterval != nil {
				s.Smoothing = smoothing
			}
			if body.Step != nil {
				s.Step = *body.Step
			}
			if body.SnapshotEvery != nil {
				s.SnapshotEvery = *body.SnapshotEvery
			}
			if body.BaseCount != nil && *body.BaseCount >= 0 {
				s.Waves.BaseCount = *body.BaseCount
			}
			if body.PerWave != nil && *body.PerWave >= 0 {
				s.Waves.PerWave = *body.PerWave
			}
			if body.CorpseTicks != nil && *body.CorpseTicks >= 0 {
				s.Waves.CorpseTicks = *body.CorpseTicks
			}
		})
		m.log.Infow("config updated", "room", room.ID, "step", s.Step,
			"snapshotEvery", s.SnapshotEvery, "waves", s.Waves, "smoothing", s.Smoothing)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "settings": s})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleReset 发起会话重置：POST /admin/reset?room=room-1
// 载荷 {"sessionId":"match-2","playerUpdates":{"alice":{"x":10}}}
// 请求只被转交给 Tick 线程，非法 sessionId 在入队时被丢弃并记录
func (m *RoomManager) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body SessionMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	room := m.GetOrCreateRoom(r.URL.Query().Get("room"))
	if err := room.RequestSession(body.SessionID, body.PlayerUpdates); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRoomClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "room": room.ID, "session": body.SessionID})
}

// HandleMetrics 输出指定房间的运行指标；未指定房间时输出全部
// GET /metrics?room=room-1
func (m *RoomManager) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID != "" {
		room, ok := m.Room(roomID)
		if !ok {
			http.Error(w, "unknown room", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, roomMetricsPayload(room))
		return
	}
	all := make([]map[string]any, 0)
	for _, id := range m.RoomIDs() {
		if room, ok := m.Room(id); ok {
			all = append(all, roomMetricsPayload(room))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": all})
}

func roomMetricsPayload(room *Room) map[string]any {
	return map[string]any{
		"room":    room.ID,
		"tick":    room.TickSeq(),
		"metrics": room.Metrics().Snapshot(),
	}
}

// Routes 注册全部 HTTP 接口
func (m *RoomManager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", m.HandleWS)
	mux.HandleFunc("/admin/config", m.HandleAdminConfig)
	mux.HandleFunc("/admin/reset", m.HandleReset)
	mux.HandleFunc("/metrics", m.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}
