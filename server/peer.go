package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pendingSnapshot epoch 为投递时已到达的会话消息数
type pendingSnapshot struct {
	snap  *Snapshot
	epoch int64
}

// Peer 客户端镜像：接收权威快照并调和到本地实体集合
// 网络协程只调用 Deliver；其余方法都在镜像自己的 Tick 线程内调用
type Peer struct {
	reconciler *Reconciler
	sessions   *SessionQueue
	streams    *Streams

	inbound   chan SessionMessage
	latest    atomic.Pointer[pendingSnapshot]
	smoothing atomic.Pointer[Smoothing]
	delivered atomic.Int64 // Deliver 已投递的会话消息数
	received  int64        // Tick 已取出的会话消息数

	tickSeq     int64
	drainedTick int64

	log     *zap.SugaredLogger
	metrics *RoomMetrics
	now     func() time.Time

	// OnReset 会话重置应用后调用
	OnReset func(sessionID string)
}

func NewPeer(cfg Config, factory EntityFactory, log *zap.SugaredLogger) *Peer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if factory == nil {
		factory = cfg.Enemies
	}
	metrics := &RoomMetrics{}
	p := &Peer{
		reconciler: NewReconciler(factory, cfg.Smoothing, log),
		sessions:   NewSessionQueue(log, metrics),
		streams:    NewStreams(cfg.Seed),
		inbound:    make(chan SessionMessage, 16),
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
	p.reconciler.OnDeath = func(e *LocalEntity) {
		e.Anim.Dying = true
		e.Anim.DyingSince = p.now()
	}
	return p
}

func (p *Peer) Metrics() *RoomMetrics { return p.metrics }

func (p *Peer) Streams() *Streams { return p.streams }

func (p *Peer) Reconciler() *Reconciler { return p.reconciler }

// Deliver 网络协程入口：会话消息排队（不能丢），快照只保留最新一份
func (p *Peer) Deliver(msgType int, data []byte) error {
	var codec Codec = JSONCodec{}
	if msgType == websocket.BinaryMessage {
		codec = MsgpackCodec{}
	}
	env, err := DecodeEnvelope(codec, data)
	if err != nil {
		return err
	}
	switch env.Type {
	case MsgSnapshot:
		p.latest.Store(&pendingSnapshot{snap: env.Snapshot, epoch: p.delivered.Load()})
	case MsgSession:
		p.inbound <- *env.Session
		p.delivered.Add(1)
		// 重置之前的快照已过时
		p.latest.Store(nil)
	case MsgSettings:
		p.smoothing.Store(env.Smoothing)
	}
	return nil
}

// Tick 会话命令先于状态读取应用，再调和最新快照
func (p *Peer) Tick() (ReconcileResult, bool) {
	p.tickSeq++
	p.pullSessions()
	p.drainSessions()
	p.applySettings()
	return p.applyLatest()
}

// pullSessions 把已到达的会话消息转入队列
func (p *Peer) pullSessions() {
	for {
		select {
		case msg := <-p.inbound:
			p.received++
			_ = p.sessions.Enqueue(msg.SessionID, msg.PlayerUpdates, p.resetSession)
		default:
			return
		}
	}
}

func (p *Peer) applySettings() {
	s := p.smoothing.Swap(nil)
	if s == nil {
		return
	}
	if err := s.Validate(); err != nil {
		p.log.Warnw("smoothing update ignored", "error", err)
		return
	}
	p.reconciler.SetSmoothing(*s)
	p.log.Infow("smoothing updated", "factor", s.Factor, "referenceInterval", s.ReferenceInterval)
}

// applyLatest 只调和与已应用会话对应的快照：
// 更早的属于重置前的对局，直接丢弃；更晚的等下个 Tick 先应用重置
func (p *Peer) applyLatest() (ReconcileResult, bool) {
	pend := p.latest.Swap(nil)
	if pend == nil {
		return ReconcileResult{}, false
	}
	switch {
	case pend.epoch < p.received:
		p.metrics.IncSnapshotStale()
		return ReconcileResult{}, false
	case pend.epoch > p.received:
		p.latest.CompareAndSwap(nil, pend)
		return ReconcileResult{}, false
	}
	snap := pend.snap
	if last := p.reconciler.LastTimestamp(); last > 0 && snap.Timestamp <= last {
		p.metrics.IncSnapshotStale()
		return ReconcileResult{}, false
	}
	res := p.reconciler.Apply(snap)
	p.metrics.AddReconcile(res)
	return res, true
}

// Entities 本地实体集合；读取前保证本 Tick 的会话命令已应用
func (p *Peer) Entities() []*LocalEntity {
	p.drainSessions()
	return p.reconciler.Entities()
}

// Wave 最近一次调和得到的波次
func (p *Peer) Wave() int { return p.reconciler.Wave() }

func (p *Peer) drainSessions() {
	if p.drainedTick == p.tickSeq {
		return
	}
	p.drainedTick = p.tickSeq
	p.sessions.ProcessAll()
}

func (p *Peer) resetSession(sessionID string, _ map[PlayerID]PlayerUpdate) error {
	p.reconciler.Reset()
	p.streams.Reseed(sessionID)
	if p.OnReset != nil {
		p.OnReset(sessionID)
	}
	return nil
}

// Close 丢弃未处理的会话命令
func (p *Peer) Close() { p.sessions.Clear() }

// RunPeer 连接房间并持续镜像，直到 ctx 结束或连接断开
func RunPeer(ctx context.Context, url string, cfg Config, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	log = log.With("mirror", url)
	peer := NewPeer(cfg, nil, log)
	defer peer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			if err := peer.Deliver(mt, data); err != nil {
				log.Debugw("message ignored", "error", err)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				res, applied := peer.Tick()
				if applied && (res.Created > 0 || res.Removed > 0 || res.WaveChanged) {
					log.Debugw("mirror reconciled", "wave", peer.Wave(), "entities", peer.reconciler.Len(),
						"created", res.Created, "removed", res.Removed, "skipped", res.Skipped)
				}
			}
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
