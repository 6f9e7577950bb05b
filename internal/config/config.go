package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSchemaHint lists the vibration statistics produced by the mixing-station sensors.
var DefaultSchemaHint = []string{"max", "min", "mean", "sd", "rms", "skewness", "kurtosis", "crest", "form"}

// Config captures the settings required to run the twin enrichment job.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Source     SourceConfig     `yaml:"source"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Model      ModelConfig      `yaml:"model"`
	Store      StoreConfig      `yaml:"store"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Cache      CacheConfig      `yaml:"cache"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the operational listeners.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	HealthAddress   string        `yaml:"healthAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// SourceConfig selects and configures the feature record source.
type SourceConfig struct {
	Kind               string         `yaml:"kind"`
	Path               string         `yaml:"path"`
	Pattern            string         `yaml:"pattern"`
	MaxFilesPerTrigger int            `yaml:"maxFilesPerTrigger"`
	SchemaHint         []string       `yaml:"schemaHint"`
	SourceID           SourceIDConfig `yaml:"sourceId"`
	S3                 S3Config       `yaml:"s3"`
	Kafka              KafkaConfig    `yaml:"kafka"`
}

// SourceIDConfig controls how a record's twin id is derived.
type SourceIDConfig struct {
	Column          string `yaml:"column"`
	FilenamePattern string `yaml:"filenamePattern"`
	Default         string `yaml:"default"`
}

// S3Config configures an S3 landing zone.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// KafkaConfig configures the message-stream source.
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	GroupID     string        `yaml:"groupId"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
	MaxMessages int           `yaml:"maxMessages"`
}

// CheckpointConfig locates the processing checkpoint database.
type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig controls micro-batch triggering.
type SchedulerConfig struct {
	TriggerInterval time.Duration `yaml:"triggerInterval"`
	ScoreWorkers    int           `yaml:"scoreWorkers"`
	UnhealthyAfter  int           `yaml:"unhealthyAfter"`
}

// ModelConfig references the classification model by name and stage.
type ModelConfig struct {
	Name            string        `yaml:"name"`
	Stage           string        `yaml:"stage"`
	Backend         string        `yaml:"backend"`
	RegistryPath    string        `yaml:"registryPath"`
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	NormalPrefixes  []string      `yaml:"normalPrefixes"`
	FallbackLabel   string        `yaml:"fallbackLabel"`
}

// StoreConfig configures the twin graph store client.
type StoreConfig struct {
	Kind              string        `yaml:"kind"`
	Endpoint          string        `yaml:"endpoint"`
	Credential        string        `yaml:"credential"`
	APIVersion        string        `yaml:"apiVersion"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryWaitMin      time.Duration `yaml:"retryWaitMin"`
	RetryWaitMax      time.Duration `yaml:"retryWaitMax"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Patch             PatchConfig   `yaml:"patch"`
}

// PatchConfig names the twin fields owned by the pipeline.
type PatchConfig struct {
	HealthField string `yaml:"healthField"`
	Component   string `yaml:"component"`
	FaultField  string `yaml:"faultField"`
}

// DirectoryConfig locates the twin graph used to build the entity directory.
type DirectoryConfig struct {
	Location        string        `yaml:"location"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// CacheConfig controls Redis-backed caching of the entity directory.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// TracingConfig controls OTLP trace export. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sampleRate"`
	ServiceName string  `yaml:"serviceName"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_TWIN_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Source.SchemaHint) == 0 {
		return errors.New("source.schemaHint must list at least one feature")
	}
	seen := make(map[string]struct{}, len(c.Source.SchemaHint))
	for _, name := range c.Source.SchemaHint {
		if strings.TrimSpace(name) == "" {
			return errors.New("source.schemaHint contains an empty field name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("source.schemaHint lists %q twice", name)
		}
		seen[name] = struct{}{}
	}
	if c.Scheduler.TriggerInterval <= 0 {
		return errors.New("scheduler.triggerInterval must be positive")
	}
	switch c.Source.Kind {
	case "file", "s3", "kafka":
	default:
		return fmt.Errorf("unknown source.kind %q", c.Source.Kind)
	}
	switch c.Model.Backend {
	case "registry", "remote":
	default:
		return fmt.Errorf("unknown model.backend %q", c.Model.Backend)
	}
	switch c.Store.Kind {
	case "http", "memory":
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}
	switch c.Model.FallbackLabel {
	case "NORMAL", "FAULT_PREDICTED":
	default:
		return fmt.Errorf("model.fallbackLabel must be NORMAL or FAULT_PREDICTED, got %q", c.Model.FallbackLabel)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			HealthAddress:   ":50051",
			GracefulTimeout: 10 * time.Second,
		},
		Source: SourceConfig{
			Kind:       "file",
			Path:       "data/landing_zone",
			Pattern:    "*.csv",
			SchemaHint: append([]string(nil), DefaultSchemaHint...),
			SourceID: SourceIDConfig{
				Column:  "station_id",
				Default: "MixingStep-Line1-Munich",
			},
			Kafka: KafkaConfig{
				GroupID:     "twin-enricher",
				PollTimeout: 500 * time.Millisecond,
				MaxMessages: 1000,
			},
		},
		Checkpoint: CheckpointConfig{Path: "data/checkpoint/twin-enricher.db"},
		Scheduler: SchedulerConfig{
			TriggerInterval: 10 * time.Second,
			ScoreWorkers:    4,
			UnhealthyAfter:  3,
		},
		Model: ModelConfig{
			Name:            "vibration_fault_detection",
			Stage:           "production",
			Backend:         "registry",
			RegistryPath:    "models",
			Timeout:         5 * time.Second,
			RefreshInterval: time.Minute,
			NormalPrefixes:  []string{"Normal"},
			FallbackLabel:   "NORMAL",
		},
		Store: StoreConfig{
			Kind:         "http",
			APIVersion:   "2023-10-31",
			Timeout:      5 * time.Second,
			MaxRetries:   3,
			RetryWaitMin: 200 * time.Millisecond,
			RetryWaitMax: 5 * time.Second,
			Patch: PatchConfig{
				HealthField: "HealthPrediction",
				Component:   "BallBearings",
				FaultField:  "faultPredicted",
			},
		},
		Directory: DirectoryConfig{
			Location:        "twins/TwinGraph.json",
			RefreshInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Tracing: TracingConfig{SampleRate: 0.1, ServiceName: "twin-enricher"},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_TWIN_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_TWIN_HEALTH_ADDRESS"); v != "" {
		cfg.Server.HealthAddress = v
	}
	if v := os.Getenv("MIRADOR_TWIN_SOURCE_KIND"); v != "" {
		cfg.Source.Kind = v
	}
	if v := os.Getenv("MIRADOR_TWIN_SOURCE_PATH"); v != "" {
		cfg.Source.Path = v
	}
	if v := os.Getenv("MIRADOR_TWIN_SCHEMA_HINT"); v != "" {
		cfg.Source.SchemaHint = splitList(v)
	}
	if v := os.Getenv("MIRADOR_TWIN_SOURCE_ID_DEFAULT"); v != "" {
		cfg.Source.SourceID.Default = v
	}
	if v := os.Getenv("MIRADOR_TWIN_S3_BUCKET"); v != "" {
		cfg.Source.S3.Bucket = v
	}
	if v := os.Getenv("MIRADOR_TWIN_S3_PREFIX"); v != "" {
		cfg.Source.S3.Prefix = v
	}
	if v := os.Getenv("MIRADOR_TWIN_S3_REGION"); v != "" {
		cfg.Source.S3.Region = v
	}
	if v := os.Getenv("MIRADOR_TWIN_KAFKA_BROKERS"); v != "" {
		cfg.Source.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("MIRADOR_TWIN_KAFKA_TOPIC"); v != "" {
		cfg.Source.Kafka.Topic = v
	}
	if v := os.Getenv("MIRADOR_TWIN_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("MIRADOR_TWIN_TRIGGER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TriggerInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_TWIN_SCORE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.ScoreWorkers = n
		}
	}
	if v := os.Getenv("MIRADOR_TWIN_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("MIRADOR_TWIN_MODEL_STAGE"); v != "" {
		cfg.Model.Stage = v
	}
	if v := os.Getenv("MIRADOR_TWIN_MODEL_BACKEND"); v != "" {
		cfg.Model.Backend = v
	}
	if v := os.Getenv("MIRADOR_TWIN_MODEL_REGISTRY"); v != "" {
		cfg.Model.RegistryPath = v
	}
	if v := os.Getenv("MIRADOR_TWIN_MODEL_ENDPOINT"); v != "" {
		cfg.Model.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_TWIN_STORE_KIND"); v != "" {
		cfg.Store.Kind = v
	}
	if v := os.Getenv("MIRADOR_TWIN_STORE_ENDPOINT"); v != "" {
		cfg.Store.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_TWIN_STORE_CREDENTIAL"); v != "" {
		cfg.Store.Credential = v
	}
	if v := os.Getenv("MIRADOR_TWIN_STORE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.MaxRetries = n
		}
	}
	if v := os.Getenv("MIRADOR_TWIN_STORE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Store.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("MIRADOR_TWIN_DIRECTORY_LOCATION"); v != "" {
		cfg.Directory.Location = v
	}
	if v := os.Getenv("MIRADOR_TWIN_DIRECTORY_REFRESH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Directory.RefreshInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_TWIN_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_TWIN_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_TWIN_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_TWIN_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_TWIN_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_TWIN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_TWIN_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
