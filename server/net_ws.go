package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type outbound struct {
	msgType  int
	data     []byte
	reliable bool // 会话 / 设置消息，不能丢
}

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws   *websocket.Conn
	send chan outbound
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan outbound, 64),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃）；只在 Tick 线程调用
func (c *ClientConn) Enqueue(msgType int, b []byte) {
	if c.send == nil {
		return
	}
	select {
	case c.send <- outbound{msgType: msgType, data: b}:
	default:
		// 为了实时性，丢弃（防止阻塞 Tick）；快照会在下一次覆盖
	}
}

// EnqueueReliable 必达消息：队列满时挤掉积压的快照腾出位置
// 积压全是必达消息时断开连接，返回 false；只在 Tick 线程调用
func (c *ClientConn) EnqueueReliable(msgType int, b []byte) bool {
	if c.send == nil {
		return false
	}
	msg := outbound{msgType: msgType, data: b, reliable: true}
	select {
	case c.send <- msg:
		return true
	default:
	}
	// Tick 线程是唯一写者，取出再放回不会打乱顺序
	kept := make([]outbound, 0, cap(c.send))
drain:
	for {
		select {
		case m := <-c.send:
			if m.reliable {
				kept = append(kept, m)
			}
		default:
			break drain
		}
	}
	kept = append(kept, msg)
	for _, m := range kept {
		select {
		case c.send <- m:
		default:
			c.Close()
			return false
		}
	}
	return true
}

// Close 关闭发送队列，写协程随之退出并关闭连接
func (c *ClientConn) Close() {
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (c *ClientConn) writePump(send <-chan outbound) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(msg.msgType, msg.data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端输入，转换为 Input / 会话请求注入房间
func (c *ClientConn) readPump(room *Room, playerID PlayerID) {
	defer c.ws.Close()
	// 读泵退出时，通知房间在 Tick 线程中移除该玩家
	defer room.RequestLeave(playerID, c)
	c.ws.SetReadLimit(1 << 20) // 1MB
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var im InputMessage
		if err := json.Unmarshal(payload, &im); err != nil {
			room.log.Debugw("bad input", "player", playerID, "error", err)
			continue
		}
		switch strings.ToLower(im.Type) {
		case "move":
			room.OnInput(Input{PlayerID: playerID, Kind: InputMove, Command: ParseDirection(im.Command), Seq: im.Seq})
		case "hit":
			room.OnInput(Input{PlayerID: playerID, Kind: InputHit, Target: im.Target, Damage: im.Damage, Seq: im.Seq})
		case "reset":
			if err := room.RequestSession(im.SessionID, im.PlayerUpdates); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 演示环境：允许所有来源（生产环境需严格限制）
		return true
	},
}

// HandleWS WebSocket 接入：?room=room-1&player=alice
func (m *RoomManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	playerID := r.URL.Query().Get("player")
	if playerID == "" {
		http.Error(w, "missing player query", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnw("upgrade error", "error", err)
		return
	}

	room := m.GetOrCreateRoom(roomID)
	client := NewClientConn(ws)
	send := client.send
	if err := room.RequestJoin(PlayerID(playerID), client); err != nil {
		m.log.Infow("join refused", "room", room.ID, "player", playerID, "error", err)
		_ = ws.Close()
		return
	}

	go client.writePump(send)
	go client.readPump(room, PlayerID(playerID))
}
