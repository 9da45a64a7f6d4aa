package server

import (
	"math"
	"math/rand"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
)

// 线性同余参数（Numerical Recipes），所有端必须一致
const (
	lcgA = 1664525
	lcgC = 1013904223
	lcgM = 1 << 32

	// maxSafeInteger 无界 Int() 的上限（2^53-1）
	maxSafeInteger = 1<<53 - 1
)

// Stream 可复现的伪随机序列：相同种子 + 相同调用次数/顺序 => 各端输出逐位一致
// 非并发安全：一个流只允许在 Tick 线程内调用
type Stream struct {
	seed   uint32
	state  uint32
	seeded bool
}

// NewStream 创建未设种子的流（非确定性，委托给平台随机源）
func NewStream() *Stream { return &Stream{} }

// NewSeededStream 以字符串种子创建流，空字符串同样视为种子
func NewSeededStream(seed string) *Stream {
	s := &Stream{}
	s.SeedString(seed)
	return s
}

// SeedString 将字符串折叠为 32 位有符号哈希后取绝对值作为种子
func (s *Stream) SeedString(seed string) {
	s.setSeed(uint64(absInt32(hashString(seed))))
}

// SeedNumber 数字种子：取绝对值、截断为整数，最小为 1
func (s *Stream) SeedNumber(seed float64) {
	if math.IsNaN(seed) || math.IsInf(seed, 0) {
		s.setSeed(1)
		return
	}
	s.setSeed(uint64(math.Abs(math.Trunc(seed))) % lcgM)
}

// Unseed 清除种子，切换为非确定性模式
func (s *Stream) Unseed() {
	s.seed, s.state, s.seeded = 0, 0, false
}

func (s *Stream) setSeed(v uint64) {
	if v == 0 {
		v = 1
	}
	s.seed = uint32(v)
	s.state = s.seed
	s.seeded = true
}

// Seed 返回当前种子；未设种子时 ok=false
func (s *Stream) Seed() (seed uint32, ok bool) { return s.seed, s.seeded }

// Deterministic 是否处于确定性模式
func (s *Stream) Deterministic() bool { return s.seeded }

// Float 返回 [0,1) 的浮点数，确定性模式下推进一次状态
func (s *Stream) Float() float64 {
	if !s.seeded {
		return rand.Float64()
	}
	s.state = s.state*lcgA + lcgC // uint32 自然溢出即 mod 2^32
	return float64(s.state) / lcgM
}

// IntRange 返回 [lo, hi] 闭区间的整数；lo > hi 时交换边界
func (s *Stream) IntRange(lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	return int(math.Floor(s.Float()*float64(hi-lo+1))) + lo
}

// Int 返回无界正整数（按 Float 缩放到 2^53-1）
func (s *Stream) Int() int64 {
	return int64(math.Floor(s.Float() * maxSafeInteger))
}

// Reset 将状态回退到最初提供的种子，用于回放与测试
func (s *Stream) Reset() {
	if s.seeded {
		s.state = s.seed
	}
}

// Choice 从列表中按流抽取一个元素；空列表返回零值与 false（不消耗随机数）
func Choice[T any](s *Stream, list []T) (T, bool) {
	var zero T
	if len(list) == 0 {
		return zero, false
	}
	return list[s.IntRange(0, len(list)-1)], true
}

// hashString h = ((h<<5) - h) + charCode，每步截断为 32 位；按 UTF-16 码元迭代
func hashString(str string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(str)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

func absInt32(v int32) uint32 {
	if v < 0 {
		return uint32(-int64(v))
	}
	return uint32(v)
}

// Streams 一个规范共享流 + 若干按名称派生的独立流
type Streams struct {
	canonical *Stream
	named     map[string]*Stream
}

// NewStreams seed 为空时整组为非确定性
func NewStreams(seed string) *Streams {
	st := &Streams{canonical: NewStream(), named: make(map[string]*Stream)}
	st.Reseed(seed)
	return st
}

// Canonical 仿真关键抽取（刷怪等）必须使用的共享流
func (st *Streams) Canonical() *Stream { return st.canonical }

// Named 返回按名称派生的流：种子 = 规范种子 XOR xxhash(name)，与规范流的调用次数互不影响
func (st *Streams) Named(name string) *Stream {
	if s, ok := st.named[name]; ok {
		return s
	}
	s := NewStream()
	if seed, ok := st.canonical.Seed(); ok {
		s.setSeed(uint64(seed ^ uint32(xxhash.Sum64String(name))))
	}
	st.named[name] = s
	return s
}

// Reseed 重设规范流种子并丢弃全部命名流
func (st *Streams) Reseed(seed string) {
	if seed == "" {
		st.canonical.Unseed()
	} else {
		st.canonical.SeedString(seed)
	}
	st.named = make(map[string]*Stream)
}
