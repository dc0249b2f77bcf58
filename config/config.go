// Package config loads the upscaler daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-upscaler/resilience"
)

// Config represents the complete upscaler configuration
type Config struct {
	Model   ModelConfig            `yaml:"model"`
	S3      S3Config               `yaml:"s3"`
	Pool    PoolConfig             `yaml:"pool"`
	Batch   BatchConfig            `yaml:"batch"`
	Retry   resilience.RetryConfig `yaml:"retry"`
	Breaker BreakerConfig          `yaml:"breaker"`
	Store   StoreConfig            `yaml:"store"`
	MQTT    MQTTConfig             `yaml:"mqtt"`
	Metrics MetricsConfig          `yaml:"metrics"`
}

// ModelConfig selects the network and where its weights come from
type ModelConfig struct {
	Name      string `yaml:"name"`       // "bilinear" or a container key, e.g. natural.rsr
	Source    string `yaml:"source"`     // file, s3
	Dir       string `yaml:"dir"`        // root for the file source
	Factor    int    `yaml:"factor"`     // only used by the bilinear network (default: 4)
	CacheSize int    `yaml:"cache_size"` // loaded networks kept in memory (default: 4)
}

// S3Config contains the remote weight bucket settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`       // S3-compatible endpoint (MinIO, etc.)
	UsePathStyle    bool   `yaml:"use_path_style"` // required by most S3-compatible stores
	AccessKeyID     string `yaml:"access_key_id"`  // empty: default credential chain
	SecretAccessKey string `yaml:"secret_access_key"`
}

// PoolConfig bounds the compute buffers
type PoolConfig struct {
	Size int `yaml:"size"` // 0: GOMAXPROCS
}

// BatchConfig contains batch driver settings
type BatchConfig struct {
	Workers      int      `yaml:"workers"` // 0: GOMAXPROCS, 1: sequential
	Recursive    bool     `yaml:"recursive"`
	SkipExisting bool     `yaml:"skip_existing"`
	Extensions   []string `yaml:"extensions"` // default: png, jpg, jpeg
}

// BreakerConfig contains circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // default: 5
	SuccessThreshold int           `yaml:"success_threshold"` // default: 3
	Timeout          time.Duration `yaml:"timeout"`           // default: 30s
}

// StoreConfig selects the run history backend
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres (default: memory)
	DSN    string `yaml:"dsn"`
}

// MQTTConfig contains report publishing settings. Publishing is disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // reports go to <topic>/runs/<run id>
	QoS      byte   `yaml:"qos"`
}

// MetricsConfig contains the Prometheus endpoint settings. The endpoint is
// disabled when Addr is empty.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Retry: resilience.DefaultRetryConfig()}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the retry defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Retry: resilience.DefaultRetryConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}
