package server

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSmoothingFactor 每次快照的位置平滑系数
const DefaultSmoothingFactor = 0.3

var ErrUnknownEnemyType = errors.New("unknown enemy type")

// AnimState 仅客户端使用的表现状态，调和不会修改
type AnimState struct {
	Frame      int
	Dying      bool
	DyingSince time.Time
}

// LocalEntity 本地持有、持续渲染的敌人；ID 总是由服务端分配
type LocalEntity struct {
	ID        string
	Type      string
	X         float64
	Y         float64
	Health    float64
	MaxHealth float64
	Speed     float64
	IsDead    bool

	Anim AnimState
}

// EntityFactory 按类型在给定位置构造本地实体（外部协作者）
type EntityFactory interface {
	Create(kind string, x, y float64) (*LocalEntity, error)
}

// EntityFactoryFunc 便于测试或简单场景
type EntityFactoryFunc func(kind string, x, y float64) (*LocalEntity, error)

func (f EntityFactoryFunc) Create(kind string, x, y float64) (*LocalEntity, error) {
	return f(kind, x, y)
}

// EnemySpec 敌人类型的基础属性
type EnemySpec struct {
	Health float64 `yaml:"health" json:"health"`
	Speed  float64 `yaml:"speed" json:"speed"`
}

// Catalog 由配置驱动的实体工厂，生成的本地 ID 只是占位
type Catalog map[string]EnemySpec

func (c Catalog) Create(kind string, x, y float64) (*LocalEntity, error) {
	spec, ok := c[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnemyType, kind)
	}
	return &LocalEntity{
		ID:        "local-" + uuid.NewString(),
		Type:      kind,
		X:         x,
		Y:         y,
		Health:    spec.Health,
		MaxHealth: spec.Health,
		Speed:     spec.Speed,
	}, nil
}

// Types 返回排序后的类型名，保证各端抽取顺序一致
func (c Catalog) Types() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Smoothing 位置平滑参数；ReferenceInterval 为 0 时使用固定系数
type Smoothing struct {
	Factor            float64       `yaml:"factor" json:"factor"`
	ReferenceInterval time.Duration `yaml:"reference_interval" json:"referenceInterval"`
}

// Validate 系数须在 (0,1]，参考间隔不能为负
func (s Smoothing) Validate() error {
	switch {
	case s.Factor <= 0 || s.Factor > 1:
		return fmt.Errorf("smoothing factor %.3f not in (0,1]", s.Factor)
	case s.ReferenceInterval < 0:
		return fmt.Errorf("negative smoothing reference interval %s", s.ReferenceInterval)
	}
	return nil
}

// factor 按快照间隔缩放：t' = 1 - (1-t)^(dt/ref)
func (s Smoothing) factor(dt time.Duration) float64 {
	t := s.Factor
	if s.ReferenceInterval <= 0 || dt <= 0 {
		return t
	}
	return 1 - math.Pow(1-t, float64(dt)/float64(s.ReferenceInterval))
}

// ReconcileResult 一次调和的统计
type ReconcileResult struct {
	Created     int
	Updated     int
	Removed     int
	Skipped     int
	WaveChanged bool
}

// Reconciler 将权威快照合并进本地实体集合
// 存在性与血量严格以服务端为准；位置做指数平滑
type Reconciler struct {
	factory   EntityFactory
	smoothing Smoothing
	log       *zap.SugaredLogger

	entities map[string]*LocalEntity
	wave     int
	lastTS   int64

	// OnDeath 实体首次被标记死亡时调用一次
	OnDeath func(e *LocalEntity)
	// OnWave 波次真正变化时调用
	OnWave func(wave int)
}

func NewReconciler(factory EntityFactory, smoothing Smoothing, log *zap.SugaredLogger) *Reconciler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{
		factory:   factory,
		smoothing: smoothing,
		log:       log,
		entities:  make(map[string]*LocalEntity),
	}
}

// SetSmoothing 运行期调整平滑参数
func (r *Reconciler) SetSmoothing(s Smoothing) { r.smoothing = s }

func (r *Reconciler) Smoothing() Smoothing { return r.smoothing }

// Apply 执行一次完整的调和；调用方负责过滤过期快照
func (r *Reconciler) Apply(snap *Snapshot) ReconcileResult {
	var res ReconcileResult
	if snap == nil {
		return res
	}

	var dt time.Duration
	if r.lastTS > 0 && snap.Timestamp > r.lastTS {
		dt = time.Duration(snap.Timestamp-r.lastTS) * time.Millisecond
	}
	t := r.smoothing.factor(dt)

	present := make(map[string]struct{}, len(snap.Enemies)+len(snap.Rejected))
	// 校验失败但带 ID 的条目：保留本地实体，本轮不更新
	for _, rej := range snap.Rejected {
		res.Skipped++
		r.log.Warnw("snapshot entry skipped", "id", rej.ID, "error", rej.Reason)
		if rej.ID != "" {
			present[rej.ID] = struct{}{}
		}
	}

	for _, st := range snap.Enemies {
		if err := st.Validate(); err != nil {
			res.Skipped++
			r.log.Warnw("snapshot entry skipped", "id", st.ID, "error", err)
			if st.ID != "" {
				present[st.ID] = struct{}{}
			}
			continue
		}
		if _, dup := present[st.ID]; dup {
			res.Skipped++
			r.log.Warnw("duplicate snapshot entry skipped", "id", st.ID)
			continue
		}
		present[st.ID] = struct{}{}

		if local, ok := r.entities[st.ID]; ok {
			r.update(local, st, t)
			res.Updated++
			continue
		}
		if r.create(st) {
			res.Created++
		} else {
			res.Skipped++
		}
	}

	for id := range r.entities {
		if _, ok := present[id]; !ok {
			delete(r.entities, id)
			res.Removed++
		}
	}

	if snap.Wave != nil && *snap.Wave != r.wave {
		r.wave = *snap.Wave
		res.WaveChanged = true
		if r.OnWave != nil {
			r.OnWave(r.wave)
		}
	}
	if snap.Timestamp > r.lastTS {
		r.lastTS = snap.Timestamp
	}
	return res
}

func (r *Reconciler) update(local *LocalEntity, st EnemyState, t float64) {
	local.X += (st.X - local.X) * t
	local.Y += (st.Y - local.Y) * t
	local.Health = st.Health
	local.MaxHealth = st.MaxHealth
	if st.IsDead && !local.IsDead {
		local.Health = 0
		local.IsDead = true
		if r.OnDeath != nil {
			r.OnDeath(local)
		}
		return
	}
	local.IsDead = st.IsDead
}

func (r *Reconciler) create(st EnemyState) bool {
	if r.factory == nil {
		r.log.Warnw("no entity factory, entity skipped", "id", st.ID, "type", st.Type)
		return false
	}
	e, err := r.factory.Create(st.Type, st.X, st.Y)
	if err != nil || e == nil {
		r.log.Warnw("entity creation skipped", "id", st.ID, "type", st.Type, "error", err)
		return false
	}
	e.ID = st.ID
	e.Health = st.Health
	e.MaxHealth = st.MaxHealth
	e.Speed = st.Speed
	e.IsDead = st.IsDead
	r.entities[st.ID] = e
	return true
}

// Get 按 ID 取本地实体
func (r *Reconciler) Get(id string) (*LocalEntity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Entities 返回按 ID 排序的本地实体（指针共享，供渲染层读取）
func (r *Reconciler) Entities() []*LocalEntity {
	out := make([]*LocalEntity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) Len() int { return len(r.entities) }

func (r *Reconciler) Wave() int { return r.wave }

// Reset 清空本地集合（会话重置时调用）
func (r *Reconciler) Reset() {
	r.entities = make(map[string]*LocalEntity)
	r.wave = 0
	r.lastTS = 0
}

// LastTimestamp 最近一次应用的快照时间戳
func (r *Reconciler) LastTimestamp() int64 { return r.lastTS }
