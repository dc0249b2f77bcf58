package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		c.Model.Name = "bilinear"
	}
	if c.Model.Source == "" {
		c.Model.Source = "file"
	}
	if c.Model.Factor == 0 {
		c.Model.Factor = 4
	}
	if c.Model.CacheSize <= 0 {
		c.Model.CacheSize = 4
	}
	switch c.Model.Source {
	case "file":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when model.source is s3")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return fmt.Errorf("s3.access_key_id and s3.secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("model.source must be 'file' or 's3', got '%s'", c.Model.Source)
	}
	if c.Model.Factor < 1 || c.Model.Factor > 16 {
		return fmt.Errorf("model.factor must be in [1, 16], got %d", c.Model.Factor)
	}

	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must be >= 0")
	}
	if c.Batch.Workers < 0 {
		return fmt.Errorf("batch.workers must be >= 0")
	}
	if len(c.Batch.Extensions) == 0 {
		c.Batch.Extensions = []string{"png", "jpg", "jpeg"}
	}
	for i, ext := range c.Batch.Extensions {
		c.Batch.Extensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 || c.Breaker.Timeout < 0 {
		return fmt.Errorf("breaker thresholds must be >= 1 and timeout >= 0")
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver '%s'", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be 'memory', 'sqlite' or 'postgres', got '%s'", c.Store.Driver)
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "orion-upscaler"
		}
		if c.MQTT.Topic == "" {
			c.MQTT.Topic = "orion/upscaler"
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "upscaler"
	}
	return nil
}
