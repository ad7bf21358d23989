package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Media     MediaConfig     `mapstructure:"media"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Retention RetentionConfig `mapstructure:"retention"`
	TaskTable TaskTableConfig `mapstructure:"task_table"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

type StorageConfig struct {
	Driver   string       `mapstructure:"driver" validate:"oneof=sqlite"`
	SQLite   SQLiteConfig `mapstructure:"sqlite"`
	MediaDir string       `mapstructure:"media_dir" validate:"required"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ProviderConfig points at the status provider API. The SOURCE token reads
// media, the TARGET token uploads and posts.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url" validate:"required,url"`
	SourceToken string        `mapstructure:"source_token"`
	TargetToken string        `mapstructure:"target_token"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type WebhookConfig struct {
	Providers map[string]WebhookProviderConfig `mapstructure:"providers" validate:"dive"`
}

type WebhookProviderConfig struct {
	// AuthMode is one of query_secret, header_secret or signature.
	AuthMode        string `mapstructure:"auth_mode" validate:"oneof=query_secret header_secret signature"`
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
	SecretHeader    string `mapstructure:"secret_header"`
}

type MediaConfig struct {
	MaxBytes         int64         `mapstructure:"max_bytes" validate:"gt=0"`
	MaxVideoDuration time.Duration `mapstructure:"max_video_duration" validate:"gt=0"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout" validate:"gt=0"`
	TransformTimeout time.Duration `mapstructure:"transform_timeout" validate:"gt=0"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path"`
}

type DeliveryConfig struct {
	Workers       int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gte=1"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	SweepBatch    int           `mapstructure:"sweep_batch" validate:"gte=1"`
	IdleGrace     time.Duration `mapstructure:"idle_grace"`
	StaleAfter    time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1"`
	DryRun        bool          `mapstructure:"dry_run"`
}

type RetryConfig struct {
	InitialInterval      time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval          time.Duration `mapstructure:"max_interval" validate:"gt=0"`
	Multiplier           float64       `mapstructure:"multiplier" validate:"gte=1"`
	RandomizationFactor  float64       `mapstructure:"randomization_factor" validate:"gte=0,lte=1"`
	MaxStageAttempts     int           `mapstructure:"max_stage_attempts" validate:"gte=1"`
	MaxRateLimitAttempts int           `mapstructure:"max_rate_limit_attempts" validate:"gte=1"`
	MaxIntegrityAttempts int           `mapstructure:"max_integrity_attempts" validate:"gte=1"`
}

// AttemptBudget is the most attempts an event can begin before some per-stage
// ceiling has failed it. Each retry bucket of each stage may fail once short of
// its ceiling, integrity rollbacks rerun earlier stages, and one more failure
// always ends the event.
func (r RetryConfig) AttemptBudget() int {
	const stages = 3
	retries := stages * ((r.MaxStageAttempts - 1) + (r.MaxRateLimitAttempts - 1) + (r.MaxIntegrityAttempts - 1))
	reruns := (stages - 1) * (r.MaxIntegrityAttempts - 1)
	return retries + stages + reruns + 1
}

type RetentionConfig struct {
	ArtifactTTL     time.Duration `mapstructure:"artifact_ttl" validate:"gt=0"`
	DeliveredTTL    time.Duration `mapstructure:"delivered_ttl" validate:"gt=0"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" validate:"gt=0"`
}

type TaskTableConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Target  string `mapstructure:"target" validate:"required_if=Enabled true"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type NotifyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string  `mapstructure:"service_name"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Load reads statusmirror.yaml (or path), a .env file if present and
// STATUSMIRROR_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("statusmirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/statusmirror")
	}

	setDefaults(v)

	v.SetEnvPrefix("STATUSMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// delivery.max_attempts is a backstop and must never fire before the stage ceilings.
	if budget := c.Retry.AttemptBudget(); c.Delivery.MaxAttempts < budget {
		return fmt.Errorf("invalid config: delivery.max_attempts is %d, the retry ceilings allow up to %d attempts",
			c.Delivery.MaxAttempts, budget)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/statusmirror.db")
	v.SetDefault("storage.media_dir", "./data/media")

	v.SetDefault("provider.base_url", "https://gate.whapi.cloud")
	v.SetDefault("provider.source_token", "")
	v.SetDefault("provider.target_token", "")
	v.SetDefault("provider.timeout", 2*time.Minute)

	v.SetDefault("webhook.providers.whapi.auth_mode", "signature")
	v.SetDefault("webhook.providers.whapi.secret", "")
	v.SetDefault("webhook.providers.whapi.signature_header", "X-Whapi-Signature")
	v.SetDefault("webhook.providers.whapi.secret_header", "X-Webhook-Secret")

	v.SetDefault("media.max_bytes", 64<<20)
	v.SetDefault("media.max_video_duration", 60*time.Second)
	v.SetDefault("media.download_timeout", 60*time.Second)
	v.SetDefault("media.transform_timeout", 3*time.Minute)
	v.SetDefault("media.publish_timeout", 60*time.Second)
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")

	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.queue_size", 256)
	v.SetDefault("delivery.sweep_interval", 15*time.Second)
	v.SetDefault("delivery.sweep_batch", 100)
	v.SetDefault("delivery.idle_grace", 30*time.Second)
	v.SetDefault("delivery.stale_after", 10*time.Minute)
	v.SetDefault("delivery.max_attempts", 64)
	v.SetDefault("delivery.dry_run", false)

	v.SetDefault("retry.initial_interval", time.Minute)
	v.SetDefault("retry.max_interval", 16*time.Hour)
	v.SetDefault("retry.multiplier", 3.0)
	v.SetDefault("retry.randomization_factor", 0.2)
	v.SetDefault("retry.max_stage_attempts", 8)
	v.SetDefault("retry.max_rate_limit_attempts", 12)
	v.SetDefault("retry.max_integrity_attempts", 2)

	v.SetDefault("retention.artifact_ttl", 7*24*time.Hour)
	v.SetDefault("retention.delivered_ttl", 30*24*time.Hour)
	v.SetDefault("retention.janitor_interval", time.Hour)

	v.SetDefault("task_table.enabled", false)
	v.SetDefault("task_table.path", "")
	v.SetDefault("task_table.target", "tg_story")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.bucket", "statusmirror")
	v.SetDefault("archive.prefix", "delivered/")
	v.SetDefault("archive.use_ssl", true)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.brokers", []string{})
	v.SetDefault("notify.topic", "statusmirror.outcomes")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "statusmirror")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("admin.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
