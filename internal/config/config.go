package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации подсистемы реплеев.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Recorder RecorderConfig `yaml:"recorder"`
	Playback PlaybackConfig `yaml:"playback"`
	EventBus EventBusConfig `yaml:"eventbus"`
	Server   ServerConfig   `yaml:"server"`
}

type StorageConfig struct {
	Dir          string `yaml:"dir"`
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
	IndexEnabled bool   `yaml:"index_enabled"`
	IndexPath    string `yaml:"index_path"`
}

type RecorderConfig struct {
	MaxFrames        int `yaml:"max_frames"`
	SampleEvery      int `yaml:"sample_every"`
	KeyframeInterval int `yaml:"keyframe_interval"`
	CompressionLevel int `yaml:"compression_level"`
}

type PlaybackConfig struct {
	Speeds      []float64 `yaml:"speeds"`
	SkipSeconds float64   `yaml:"skip_seconds"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type ServerConfig struct {
	RESTPort       int  `yaml:"rest_port"`
	MetricsEnabled bool `yaml:"metrics_enabled"`
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			MinFreeBytes: 16 << 20,
			IndexEnabled: true,
		},
		Recorder: RecorderConfig{
			MaxFrames:        60 * 60 * 30, // 30 минут при 60 тиках/с
			SampleEvery:      1,
			KeyframeInterval: 120,
		},
		Playback: PlaybackConfig{
			Speeds:      []float64{0.5, 1, 2},
			SkipSeconds: 5,
		},
		EventBus: EventBusConfig{
			Stream:    "REPLAYS",
			Retention: 24 * 7,
		},
		Server: ServerConfig{
			MetricsEnabled: true,
		},
	}
}

// GetDir возвращает каталог реплеев: config -> REPLAY_DIR -> "" (каталог по умолчанию)
func (s *StorageConfig) GetDir() string {
	if s.Dir != "" {
		return s.Dir
	}
	return os.Getenv("REPLAY_DIR")
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "REPLAY_API_PORT", 8089)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Validate проверяет значения после загрузки
func (c *Config) Validate() error {
	if c.Recorder.MaxFrames <= 0 {
		return fmt.Errorf("recorder.max_frames must be positive, got %d", c.Recorder.MaxFrames)
	}
	if c.Recorder.SampleEvery <= 0 {
		return fmt.Errorf("recorder.sample_every must be positive, got %d", c.Recorder.SampleEvery)
	}
	if c.Recorder.KeyframeInterval <= 0 {
		return fmt.Errorf("recorder.keyframe_interval must be positive, got %d", c.Recorder.KeyframeInterval)
	}
	if c.Recorder.CompressionLevel < 0 || c.Recorder.CompressionLevel > 22 {
		return fmt.Errorf("recorder.compression_level must be in 0..22, got %d", c.Recorder.CompressionLevel)
	}
	if len(c.Playback.Speeds) == 0 {
		return fmt.Errorf("playback.speeds must not be empty")
	}
	for _, s := range c.Playback.Speeds {
		if s <= 0 {
			return fmt.Errorf("playback.speeds must be positive, got %v", s)
		}
	}
	if c.Playback.SkipSeconds <= 0 {
		return fmt.Errorf("playback.skip_seconds must be positive, got %v", c.Playback.SkipSeconds)
	}
	return nil
}

// Load читает YAML файл конфигурации поверх Default().
// Если path == "", пытается прочитать из ENV REPLAY_CONFIG или возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("REPLAY_CONFIG")
		if path == "" {
			return cfg, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}
