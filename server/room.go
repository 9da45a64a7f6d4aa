package server

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrRoomClosed 房间已停止 Tick，不再接收请求
var ErrRoomClosed = errors.New("room closed")

// RoomSettings 可热更新的房间规则；Smoothing 变化时下发给镜像端
type RoomSettings struct {
	Step          float64    `json:"step"`
	SnapshotEvery int        `json:"snapshotEvery"`
	Waves         WaveConfig `json:"waves"`
	Smoothing     Smoothing  `json:"smoothing"`
}

type leaveRequest struct {
	id   PlayerID
	conn *ClientConn
}

// enemy 服务端权威敌人；corpse 为死亡后剩余的保留 Tick 数
type enemy struct {
	EnemyState
	corpse int
}

// Room 一场对局：权威状态维护在内存，单线程 Tick 推进
// 网络协程只通过通道投递意图，所有状态修改都发生在 Tick 线程
type Room struct {
	ID string

	Players map[PlayerID]*Player
	enemies map[string]*enemy
	wave    int
	nextID  int

	joinChan    chan *Player
	inputChan   chan Input
	leaveChan   chan leaveRequest
	sessionChan chan sessionRequest

	sessions *SessionQueue
	streams  *Streams
	enemyCat Catalog
	types    []string
	codec    Codec

	width  float64
	height float64

	mu       sync.Mutex
	settings RoomSettings

	tickSeq     atomic.Int64
	drainedTick int64
	cur         RoomSettings // 本 Tick 使用的设置副本

	log     *zap.SugaredLogger
	metrics *RoomMetrics

	tickerStarted bool
	done          chan struct{}
	closeOnce     sync.Once
}

// NewRoom 创建房间，初始化数据结构；种子为空时刷怪不可复现
func NewRoom(id string, cfg Config, codec Codec, log *zap.SugaredLogger) *Room {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	log = log.With("room", id)
	metrics := &RoomMetrics{}
	r := &Room{
		ID:          id,
		Players:     make(map[PlayerID]*Player),
		enemies:     make(map[string]*enemy),
		joinChan:    make(chan *Player, 16),
		inputChan:   make(chan Input, 256), // 足够缓冲，避免网络读阻塞影响 Tick
		leaveChan:   make(chan leaveRequest, 64),
		sessionChan: make(chan sessionRequest, 16),
		sessions:    NewSessionQueue(log, metrics),
		streams:     NewStreams(cfg.Seed),
		enemyCat:    cfg.Enemies,
		types:       cfg.Enemies.Types(),
		codec:       codec,
		width:       cfg.Arena.Width,
		height:      cfg.Arena.Height,
		settings: RoomSettings{
			Step:          1, // 每个 Tick 移动 1 单位
			SnapshotEvery: cfg.SnapshotEvery,
			Waves:         cfg.Waves,
			Smoothing:     cfg.Smoothing,
		},
		log:     log,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	if r.settings.SnapshotEvery <= 0 {
		r.settings.SnapshotEvery = 1
	}
	r.cur = r.settings
	return r
}

// Metrics 房间指标
func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// TickSeq 当前 Tick 序号（可跨协程读取）
func (r *Room) TickSeq() int64 { return r.tickSeq.Load() }

// Settings 返回当前设置副本
func (r *Room) Settings() RoomSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UpdateSettings 在下一个 Tick 生效
func (r *Room) UpdateSettings(fn func(s *RoomSettings)) RoomSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.settings)
	if r.settings.SnapshotEvery <= 0 {
		r.settings.SnapshotEvery = 1
	}
	return r.settings
}

// RequestJoin 请求在 Tick 线程中加入玩家
func (r *Room) RequestJoin(id PlayerID, conn *ClientConn) error {
	return requestTo(r, r.joinChan, &Player{ID: id, X: r.width / 2, Y: r.height / 2, Health: 100, Conn: conn})
}

// RequestLeave 请求在 Tick 线程中移除玩家，避免并发改动房间状态
// conn 非空时只移除仍绑定该连接的玩家（同名玩家可能已用新连接重新加入）
func (r *Room) RequestLeave(pid PlayerID, conn *ClientConn) error {
	// 为保证移除一定生效，这里采用阻塞式写入；房间关闭后直接返回
	return requestTo(r, r.leaveChan, leaveRequest{id: pid, conn: conn})
}

// requestTo 阻塞投递，房间关闭后返回 ErrRoomClosed
func requestTo[T any](r *Room, ch chan T, v T) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case ch <- v:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

// OnInput 入站输入（不立即改变状态），仅记录意图，等下一次 Tick 处理
func (r *Room) OnInput(in Input) {
	select {
	case r.inputChan <- in:
	default:
		// 丢弃：为了实时性，避免背压影响世界推进
		r.metrics.IncChanFullDiscarded()
	}
}

// RequestSession 转交会话控制请求；校验在入队时进行
// 重置不能丢，因此阻塞写入
func (r *Room) RequestSession(sessionID string, updates map[PlayerID]PlayerUpdate) error {
	return requestTo(r, r.sessionChan, sessionRequest{SessionID: sessionID, PlayerUpdates: updates})
}

// BeginTick 开始新的 Tick：推进序号并拍下本 Tick 的设置
func (r *Room) BeginTick() {
	r.tickSeq.Add(1)
	prev := r.cur
	r.cur = r.Settings()
	if r.cur.Smoothing != prev.Smoothing {
		r.log.Infow("smoothing updated", "factor", r.cur.Smoothing.Factor,
			"referenceInterval", r.cur.Smoothing.ReferenceInterval)
		if b, ok := r.encodeSettings(); ok {
			r.broadcastReliable(b)
		}
	}
}

// ProcessInputs 处理当前帧的所有入站意图（非阻塞 drain）
func (r *Room) ProcessInputs() {
	for {
		select {
		case p := <-r.joinChan:
			r.joinPlayer(p)
		case req := <-r.leaveChan:
			r.leavePlayer(req.id, req.conn)
		case req := <-r.sessionChan:
			_ = r.sessions.Enqueue(req.SessionID, req.PlayerUpdates, r.resetSession)
		case in := <-r.inputChan:
			r.applyInput(in)
		default:
			return
		}
	}
}

// drainSessions 每个 Tick 至多一次，且先于任何状态读取
func (r *Room) drainSessions() {
	seq := r.tickSeq.Load()
	if r.drainedTick == seq {
		return
	}
	r.drainedTick = seq
	r.sessions.ProcessAll()
}

// UpdateWorld 推进敌人：追踪最近玩家、尸体倒计时、清场后刷下一波
func (r *Room) UpdateWorld() {
	r.drainSessions()

	for id, e := range r.enemies {
		if e.IsDead {
			e.corpse--
			if e.corpse < 0 {
				delete(r.enemies, id)
			}
			continue
		}
		if p := r.nearestPlayer(e.X, e.Y); p != nil {
			dx, dy := p.X-e.X, p.Y-e.Y
			if d := math.Hypot(dx, dy); d > e.Speed {
				e.X += dx / d * e.Speed
				e.Y += dy / d * e.Speed
			} else {
				e.X, e.Y = p.X, p.Y
			}
		}
	}

	if len(r.Players) > 0 && r.aliveEnemies() == 0 {
		r.spawnWave()
	}
}

// BuildSnapshot 构造权威快照（按 ID 排序）；读取前保证本 Tick 的会话命令已应用
func (r *Room) BuildSnapshot(now time.Time) *Snapshot {
	r.drainSessions()

	ids := make([]string, 0, len(r.enemies))
	for id := range r.enemies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	enemies := make([]EnemyState, 0, len(ids))
	for _, id := range ids {
		enemies = append(enemies, r.enemies[id].EnemyState)
	}
	wave := r.wave
	return &Snapshot{Enemies: enemies, Wave: &wave, Timestamp: now.UnixMilli()}
}

// BroadcastSnapshot 每 SnapshotEvery 个 Tick 向所有玩家下发快照
func (r *Room) BroadcastSnapshot(now time.Time) {
	if r.tickSeq.Load()%int64(r.cur.SnapshotEvery) != 0 {
		return
	}
	b, err := EncodeSnapshot(r.codec, r.BuildSnapshot(now))
	if err != nil {
		r.log.Errorw("encode snapshot", "error", err)
		return
	}
	r.broadcast(b)
}

// Tick 核心循环：处理输入 → 更新世界 → 广播结果
func (r *Room) Tick(now time.Time) {
	start := time.Now()
	r.BeginTick()
	r.ProcessInputs()
	r.UpdateWorld()
	r.BroadcastSnapshot(now)
	r.metrics.AddTick(time.Since(start).Nanoseconds())
}

// Wave 当前波次
func (r *Room) Wave() int { return r.wave }

// PendingSessions 尚未应用的会话命令数
func (r *Room) PendingSessions() int { return r.sessions.Len() }

// Shutdown 模式退出：丢弃未处理的会话命令，断开所有玩家
// 之后阻塞中的 Request* 调用返回 ErrRoomClosed
func (r *Room) Shutdown() {
	r.closeOnce.Do(func() { close(r.done) })
	r.sessions.Clear()
	for id := range r.Players {
		r.leavePlayer(id, nil)
	}
}

func (r *Room) broadcast(b []byte) {
	mt := r.codec.MessageType()
	for _, p := range r.Players {
		if p.Conn != nil {
			p.Conn.Enqueue(mt, b)
		}
	}
}

// broadcastReliable 会话 / 设置消息：发送队列被必达消息占满的连接会被断开
func (r *Room) broadcastReliable(b []byte) {
	mt := r.codec.MessageType()
	for _, p := range r.Players {
		if p.Conn != nil && !p.Conn.EnqueueReliable(mt, b) {
			r.log.Warnw("send queue full, connection dropped", "player", p.ID)
		}
	}
}

func (r *Room) encodeSettings() ([]byte, bool) {
	b, err := EncodeSettings(r.codec, r.cur.Smoothing)
	if err != nil {
		r.log.Errorw("encode settings", "error", err)
		return nil, false
	}
	return b, true
}

// joinPlayer 新连接先收到当前平滑参数
func (r *Room) joinPlayer(p *Player) {
	if old, ok := r.Players[p.ID]; ok && old.Conn != nil && old.Conn != p.Conn {
		old.Conn.Close()
	}
	r.Players[p.ID] = p
	if p.Conn != nil {
		if b, ok := r.encodeSettings(); ok {
			p.Conn.EnqueueReliable(r.codec.MessageType(), b)
		}
	}
	r.log.Infow("player joined", "player", p.ID, "players", len(r.Players))
}

func (r *Room) leavePlayer(id PlayerID, conn *ClientConn) {
	if p, ok := r.Players[id]; ok {
		if conn != nil && p.Conn != conn {
			return
		}
		if p.Conn != nil {
			p.Conn.Close()
		}
		delete(r.Players, id)
		r.log.Infow("player left", "player", id, "players", len(r.Players))
	}
}

func (r *Room) applyInput(in Input) {
	p, ok := r.Players[in.PlayerID]
	if !ok {
		return
	}
	// 带序号的输入：重复或更旧的直接丢弃
	if in.Seq > 0 {
		if in.Seq <= p.lastSeq {
			r.metrics.IncInputDuplicate()
			return
		}
		p.lastSeq = in.Seq
	}
	r.metrics.IncAccepted()
	switch in.Kind {
	case InputMove:
		r.applyMove(p, in.Command)
	case InputHit:
		r.applyHit(p, in.Target, in.Damage)
	}
}

// applyMove 执行一次移动并进行越界裁剪
func (r *Room) applyMove(p *Player, dir Direction) {
	step := r.cur.Step
	switch dir {
	case DirUp:
		p.Y -= step
	case DirDown:
		p.Y += step
	case DirLeft:
		p.X -= step
	case DirRight:
		p.X += step
	}
	p.X = math.Max(0, math.Min(p.X, r.width))
	p.Y = math.Max(0, math.Min(p.Y, r.height))
}

// applyHit 服务端是血量的唯一权威
func (r *Room) applyHit(p *Player, target string, damage int) {
	e, ok := r.enemies[target]
	if !ok || e.IsDead || damage <= 0 {
		return
	}
	e.Health -= float64(damage)
	if e.Health <= 0 {
		e.Health = 0
		e.IsDead = true
		e.corpse = r.cur.Waves.CorpseTicks
		p.Score++
	}
}

// spawnWave 只用规范流抽取：同一种子的各端得到相同的刷怪结果
func (r *Room) spawnWave() {
	r.wave++
	w := r.cur.Waves
	n := w.BaseCount + w.PerWave*(r.wave-1)
	rng := r.streams.Canonical()
	for i := 0; i < n; i++ {
		kind, ok := Choice(rng, r.types)
		if !ok {
			return
		}
		spec := r.enemyCat[kind]
		x, y := rng.Float()*r.width, rng.Float()*r.height
		r.nextID++
		id := fmt.Sprintf("e%d", r.nextID)
		r.enemies[id] = &enemy{EnemyState: EnemyState{
			ID: id, Type: kind, X: x, Y: y,
			Health: spec.Health, MaxHealth: spec.Health, Speed: spec.Speed,
		}}
	}
	r.log.Infow("wave spawned", "wave", r.wave, "enemies", n)
}

// resetSession 会话重置回调：整体替换对局状态，随后通知所有镜像端
func (r *Room) resetSession(sessionID string, updates map[PlayerID]PlayerUpdate) error {
	r.enemies = make(map[string]*enemy)
	r.wave = 0
	r.nextID = 0
	r.streams.Reseed(sessionID)
	for id, u := range updates {
		p, ok := r.Players[id]
		if !ok {
			r.log.Debugw("session update for unknown player", "session", sessionID, "player", id)
			continue
		}
		p.apply(u)
	}
	b, err := EncodeSession(r.codec, &SessionMessage{SessionID: sessionID, PlayerUpdates: updates})
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	r.broadcastReliable(b)
	r.log.Infow("session reset", "session", sessionID, "players", len(updates))
	return nil
}

func (r *Room) nearestPlayer(x, y float64) *Player {
	var best *Player
	bestD := math.Inf(1)
	for _, p := range r.Players {
		if d := math.Hypot(p.X-x, p.Y-y); d < bestD || (d == bestD && best != nil && p.ID < best.ID) {
			best, bestD = p, d
		}
	}
	return best
}

func (r *Room) aliveEnemies() int {
	n := 0
	for _, e := range r.enemies {
		if !e.IsDead {
			n++
		}
	}
	return n
}
