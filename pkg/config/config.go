package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Late-event policies recognized by the window store.
const (
	LatePolicyDrop       = "drop"
	LatePolicySideOutput = "side-output"
)

// Sink kinds recognized by the committer wiring.
const (
	SinkDuckDB = "duckdb"
	SinkKafka  = "kafka"
)

type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	GroupID        string   `yaml:"groupId"`
	Partitions     []int    `yaml:"partitions"`
	UseAvro        bool     `yaml:"useAvro"`
	SchemaRegistry string   `yaml:"schemaRegistry"`
}

type WindowConfig struct {
	Size            time.Duration `yaml:"size"`
	Slide           time.Duration `yaml:"slide"` // 0 means tumbling
	AllowedLateness time.Duration `yaml:"allowedLateness"`
	GracePeriod     time.Duration `yaml:"gracePeriod"`
	LatePolicy      string        `yaml:"latePolicy"`
	Aggregate       string        `yaml:"aggregate"` // count | sum
	SumField        string        `yaml:"sumField"`
	Durable         bool          `yaml:"durable"`
}

type LookupConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// FilterRule mirrors the predicate kinds of the filter stage:
// equals, range and contains.
type FilterRule struct {
	Field string  `yaml:"field"`
	Type  string  `yaml:"type"`
	Value any     `yaml:"value,omitempty"`
	Min   float64 `yaml:"min,omitempty"`
	Max   float64 `yaml:"max,omitempty"`
}

// EnrichRule adds a field to the payload: a processing timestamp, a computed
// multiple of an existing numeric field, or an external lookup join.
type EnrichRule struct {
	Field      string  `yaml:"field"`
	Type       string  `yaml:"type"` // timestamp | computed | lookup
	Source     string  `yaml:"source,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
}

type BackpressureConfig struct {
	LowThreshold  int64         `yaml:"lowThreshold"`
	HighThreshold int64         `yaml:"highThreshold"`
	Interval      time.Duration `yaml:"interval"`
}

type SinkConfig struct {
	Kind  string `yaml:"kind"`
	Path  string `yaml:"path"`  // duckdb database file, empty for in-memory
	Table string `yaml:"table"` // duckdb table name
	Topic string `yaml:"topic"` // kafka result topic
}

type HealthConfig struct {
	Interval       time.Duration `yaml:"interval"`
	AlertThreshold float64       `yaml:"alertThreshold"`
	HistorySize    int           `yaml:"historySize"`
}

type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
}

type CheckpointConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"` // archive interval, 0 disables
	S3       S3Config      `yaml:"s3"`
}

type AppConfig struct {
	Pipeline string `yaml:"pipeline"`

	Kafka     KafkaConfig   `yaml:"kafka"`
	LateTopic string        `yaml:"lateTopic"` // side output, required for latePolicy=side-output
	ReadBatch int           `yaml:"readBatch"`
	PullWait  time.Duration `yaml:"pullWait"`

	Window WindowConfig `yaml:"window"`
	Lookup LookupConfig `yaml:"lookup"`

	Filters []FilterRule `yaml:"filters"`
	Enrich  []EnrichRule `yaml:"enrich"`

	Retry        RetryConfig        `yaml:"retry"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Sink         SinkConfig         `yaml:"sink"`
	Health       HealthConfig       `yaml:"health"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`

	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

// Default returns the configuration with every tunable at its documented
// default. Loading a file overlays the defaults, so a minimal config only
// has to name brokers, topic, partitions and sink.
func Default() AppConfig {
	return AppConfig{
		Pipeline:  "streamcore",
		ReadBatch: 500,
		PullWait:  250 * time.Millisecond,
		Window: WindowConfig{
			Size:            60 * time.Second,
			AllowedLateness: 5 * time.Second,
			GracePeriod:     1 * time.Second,
			LatePolicy:      LatePolicyDrop,
			Aggregate:       "count",
		},
		Lookup: LookupConfig{Timeout: 2 * time.Second},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
		},
		Backpressure: BackpressureConfig{
			LowThreshold:  1000,
			HighThreshold: 10000,
			Interval:      time.Second,
		},
		Sink: SinkConfig{Kind: SinkDuckDB, Table: "results"},
		Health: HealthConfig{
			Interval:       60 * time.Second,
			AlertThreshold: 70,
			HistorySize:    120,
		},
		Checkpoint:    CheckpointConfig{Path: "data/checkpoints"},
		ShutdownGrace: 10 * time.Second,
	}
}

// Load reads and parses a YAML config file into an AppConfig struct.
// It will terminate the program if the file is not found or invalid,
// matching the engine's fatal-on-bad-config contract.
func Load(path string) AppConfig {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Fatalf("Config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("Error parsing config file: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg
}

// Validate checks the immutable configuration once at startup. An error here
// is fatal: the pipeline never starts on a half-usable config.
func (c *AppConfig) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic must be set")
	}
	if len(c.Kafka.Partitions) == 0 {
		return fmt.Errorf("kafka.partitions must name at least one assigned partition")
	}
	if c.Window.Size <= 0 {
		return fmt.Errorf("window.size must be positive, got %v", c.Window.Size)
	}
	if c.Window.Slide < 0 {
		return fmt.Errorf("window.slide must not be negative")
	}
	if c.Window.Slide > 0 && c.Window.Size%c.Window.Slide != 0 {
		return fmt.Errorf("window.size %v must be a multiple of window.slide %v", c.Window.Size, c.Window.Slide)
	}
	if c.Window.AllowedLateness < 0 || c.Window.GracePeriod < 0 {
		return fmt.Errorf("window lateness and grace period must not be negative")
	}
	switch c.Window.LatePolicy {
	case LatePolicyDrop:
	case LatePolicySideOutput:
		if c.LateTopic == "" {
			return fmt.Errorf("lateTopic must be set when latePolicy is %q", LatePolicySideOutput)
		}
	default:
		return fmt.Errorf("unknown latePolicy %q", c.Window.LatePolicy)
	}
	switch c.Window.Aggregate {
	case "count":
	case "sum":
		if c.Window.SumField == "" {
			return fmt.Errorf("window.sumField must be set for aggregate=sum")
		}
	default:
		return fmt.Errorf("unknown aggregate %q", c.Window.Aggregate)
	}
	if c.Backpressure.LowThreshold <= 0 || c.Backpressure.HighThreshold <= c.Backpressure.LowThreshold {
		return fmt.Errorf("backpressure thresholds must satisfy 0 < low < high, got low=%d high=%d",
			c.Backpressure.LowThreshold, c.Backpressure.HighThreshold)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	switch c.Sink.Kind {
	case SinkDuckDB:
		if c.Sink.Table == "" {
			return fmt.Errorf("sink.table must be set for a duckdb sink")
		}
	case SinkKafka:
		if c.Sink.Topic == "" {
			return fmt.Errorf("sink.topic must be set for a kafka sink")
		}
	default:
		return fmt.Errorf("unknown sink kind %q", c.Sink.Kind)
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.AlertThreshold < 0 || c.Health.AlertThreshold > 100 {
		return fmt.Errorf("health.alertThreshold must be within [0,100]")
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path must be set")
	}
	if c.ReadBatch <= 0 {
		return fmt.Errorf("readBatch must be positive")
	}
	return nil
}
