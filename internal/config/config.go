// internal/config/config.go
package config

import (
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carvelabs/cutout-service/internal/engine"
)

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Addr         string `mapstructure:"addr"`
	Mode         string `mapstructure:"mode"`
	ProcessedDir string `mapstructure:"processed_dir"`
	StaticDir    string `mapstructure:"static_dir"`
	MaxUploadMB  int64  `mapstructure:"max_upload_mb"`

	// Engine pool
	PoolCapacity int    `mapstructure:"pool_capacity"`
	SegModel     string `mapstructure:"seg_model"`
	MattingModel string `mapstructure:"matting_model"`
	UseCUDA      bool   `mapstructure:"use_cuda"`
	UseMock      bool   `mapstructure:"use_mock"`
	Warmup       bool   `mapstructure:"warmup"`

	// Default processing parameters (request overrides win)
	BatchSizeSeg     int  `mapstructure:"batch_size_seg"`
	BatchSizeMatting int  `mapstructure:"batch_size_matting"`
	FP16             bool `mapstructure:"fp16"`

	// Result cache
	Redis    string        `mapstructure:"redis"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// Output encoding
	PNGCompression string `mapstructure:"png_compression"`

	// OpenTelemetry configuration
	OTELEnabled bool `mapstructure:"otel_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":5001")
	v.SetDefault("mode", "release")
	v.SetDefault("processed_dir", "processed")
	v.SetDefault("static_dir", "./static")
	v.SetDefault("max_upload_mb", 10)
	v.SetDefault("pool_capacity", 4)
	v.SetDefault("seg_model", "models/tracer_b7.onnx")
	v.SetDefault("matting_model", "models/fba_matting.onnx")
	v.SetDefault("use_cuda", false)
	v.SetDefault("use_mock", false)
	v.SetDefault("warmup", true)
	v.SetDefault("batch_size_seg", 6)
	v.SetDefault("batch_size_matting", 2)
	v.SetDefault("fp16", false)
	v.SetDefault("redis", "")
	v.SetDefault("cache_ttl", 24*time.Hour)
	v.SetDefault("png_compression", "default")
	v.SetDefault("otel_enabled", false)
}

// Load loads configuration from environment variables and an optional
// config file. Priority (highest to lowest): env vars > config file >
// defaults. Flags are applied by the caller on top of the returned struct.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CUTOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cutout-service/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			// Config file not found; ignore
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.ProcessedDir == "" {
		return fmt.Errorf("processed_dir must not be empty")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max_upload_mb: %d", c.MaxUploadMB)
	}
	if !c.UseMock && (c.SegModel == "" || c.MattingModel == "") {
		return fmt.Errorf("model paths are required when not using the mock engine")
	}
	switch c.PNGCompression {
	case "none", "speed", "default", "best":
	default:
		return fmt.Errorf("invalid png_compression %q", c.PNGCompression)
	}
	return nil
}

// MaxItemBytes converts the upload limit to bytes.
func (c *Config) MaxItemBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

// PNGLevel maps the configured compression name to the encoder level.
func (c *Config) PNGLevel() png.CompressionLevel {
	switch c.PNGCompression {
	case "none":
		return png.NoCompression
	case "speed":
		return png.BestSpeed
	case "best":
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}

// BaseEngineConfig overlays the deployment-tuned defaults onto the built-in
// processing defaults. Per-request overrides are merged on top of this.
func (c *Config) BaseEngineConfig() engine.Config {
	return engine.DefaultConfig().Merge(engine.Overrides{
		BatchSizeSeg:     &c.BatchSizeSeg,
		BatchSizeMatting: &c.BatchSizeMatting,
		FP16:             &c.FP16,
	})
}
