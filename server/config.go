package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// ArenaConfig 世界边界
type ArenaConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// WaveConfig 刷怪规则：第 n 波（从 1 开始）敌人数 = BaseCount + PerWave*(n-1)
type WaveConfig struct {
	BaseCount   int `yaml:"base_count"`
	PerWave     int `yaml:"per_wave"`
	CorpseTicks int `yaml:"corpse_ticks"` // 死亡敌人在快照中保留的 Tick 数
}

// Config 服务配置（YAML），未出现的键保持默认值
type Config struct {
	Addr          string      `yaml:"addr"`
	LogFile       string      `yaml:"log_file"`
	LogLevel      string      `yaml:"log_level"`
	TickRate      int         `yaml:"tick_rate"`
	SnapshotEvery int         `yaml:"snapshot_every"`
	Codec         string      `yaml:"codec"`
	Seed          string      `yaml:"seed"`
	Arena         ArenaConfig `yaml:"arena"`
	Waves         WaveConfig  `yaml:"waves"`
	Smoothing     Smoothing   `yaml:"smoothing"`
	Enemies       Catalog     `yaml:"enemies"`
}

// DefaultConfig 默认 20 TPS，每 Tick 下发一次快照
func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		LogFile:       "app.log",
		LogLevel:      "debug",
		TickRate:      20,
		SnapshotEvery: 1,
		Codec:         "json",
		Arena:         ArenaConfig{Width: 100, Height: 100},
		Waves:         WaveConfig{BaseCount: 3, PerWave: 2, CorpseTicks: 10},
		Smoothing:     Smoothing{Factor: DefaultSmoothingFactor},
		Enemies: Catalog{
			"grunt":  {Health: 30, Speed: 0.6},
			"runner": {Health: 15, Speed: 1.2},
			"brute":  {Health: 90, Speed: 0.3},
		},
	}
}

// LoadConfig 读取 YAML 并覆盖默认值；path 为空直接返回默认配置
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// yaml 会把映射合并进已有 map，敌人目录需要整体替换
	defaults := cfg.Enemies
	cfg.Enemies = nil
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Enemies == nil {
		cfg.Enemies = defaults
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.TickRate <= 0 || c.TickRate > 1000:
		return fmt.Errorf("%w: tick_rate %d", ErrInvalidConfig, c.TickRate)
	case c.SnapshotEvery <= 0:
		return fmt.Errorf("%w: snapshot_every %d", ErrInvalidConfig, c.SnapshotEvery)
	case c.Arena.Width <= 0 || c.Arena.Height <= 0:
		return fmt.Errorf("%w: arena %.0fx%.0f", ErrInvalidConfig, c.Arena.Width, c.Arena.Height)
	case c.Waves.BaseCount < 0 || c.Waves.PerWave < 0 || c.Waves.CorpseTicks < 0:
		return fmt.Errorf("%w: negative wave settings", ErrInvalidConfig)
	case len(c.Enemies) == 0:
		return fmt.Errorf("%w: empty enemy catalog", ErrInvalidConfig)
	}
	if err := c.Smoothing.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for kind, spec := range c.Enemies {
		if spec.Health <= 0 {
			return fmt.Errorf("%w: enemy %q health %.0f", ErrInvalidConfig, kind, spec.Health)
		}
	}
	if _, err := NewCodec(c.Codec); err != nil {
		return err
	}
	return nil
}

// TickInterval 由 TickRate 推导
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
