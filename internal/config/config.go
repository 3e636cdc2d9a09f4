package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Flush policies for gap ranges still open at a flush.
const (
	FlushPolicyDiscard = "discard"
	FlushPolicyRetain  = "retain"
)

// StdinPath reads the capture from standard input.
const StdinPath = "-"

// Config holds all configuration for the gap analyzer.
type Config struct {
	Input    InputConfig    `yaml:"input"    mapstructure:"input"`
	Sampling SamplingConfig `yaml:"sampling" mapstructure:"sampling"`
	Flush    FlushConfig    `yaml:"flush"    mapstructure:"flush"`
	Filter   FilterConfig   `yaml:"filter"   mapstructure:"filter"`
	Output   OutputConfig   `yaml:"output"   mapstructure:"output"`
	Logging  LoggingConfig  `yaml:"logging"  mapstructure:"logging"`
	Stats    StatsConfig    `yaml:"stats"    mapstructure:"stats"`
	Metrics  MetricsConfig  `yaml:"metrics"  mapstructure:"metrics"`
}

type InputConfig struct {
	PcapFile string `yaml:"pcap_file" mapstructure:"pcap_file"`
	Metamako bool   `yaml:"metamako"  mapstructure:"metamako"`
}

// SamplingConfig intervals are in seconds.
type SamplingConfig struct {
	OutputSampleTime float64 `yaml:"output_sample_time" mapstructure:"output_sample_time"`
	StatSampleTime   float64 `yaml:"stat_sample_time"   mapstructure:"stat_sample_time"`
}

// OutputInterval returns the gap report flush interval.
func (s SamplingConfig) OutputInterval() time.Duration {
	return secondsToDuration(s.OutputSampleTime)
}

// StatInterval returns the minimum capture time between stats lines of a session.
func (s SamplingConfig) StatInterval() time.Duration {
	return secondsToDuration(s.StatSampleTime)
}

func secondsToDuration(sec float64) time.Duration {
	ns := sec * float64(time.Second)
	if ns >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

type FlushConfig struct {
	Policy string `yaml:"policy" mapstructure:"policy"`
}

type FilterConfig struct {
	UDPPorts []int `yaml:"udp_ports" mapstructure:"udp_ports"`
}

type OutputConfig struct {
	Stdout bool              `yaml:"stdout" mapstructure:"stdout"`
	File   FileOutputConfig  `yaml:"file"   mapstructure:"file"`
	Kafka  KafkaOutputConfig `yaml:"kafka"  mapstructure:"kafka"`
	UDP    UDPOutputConfig   `yaml:"udp"    mapstructure:"udp"`
}

type FileOutputConfig struct {
	Path       string `yaml:"path"         mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"  mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"  mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress"     mapstructure:"compress"`
}

type KafkaOutputConfig struct {
	Brokers        []string `yaml:"brokers"          mapstructure:"brokers"`
	Topic          string   `yaml:"topic"            mapstructure:"topic"`
	BatchSize      int      `yaml:"batch_size"       mapstructure:"batch_size"`
	BatchTimeoutMs int      `yaml:"batch_timeout_ms" mapstructure:"batch_timeout_ms"`
	Compression    string   `yaml:"compression"      mapstructure:"compression"`
}

// Enabled reports whether lines are published to Kafka.
func (k KafkaOutputConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type UDPOutputConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type StatsConfig struct {
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
	Path    string `yaml:"path"    mapstructure:"path"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("input.pcap_file", StdinPath)
	v.SetDefault("input.metamako", false)
	v.SetDefault("sampling.output_sample_time", 60.0)
	v.SetDefault("sampling.stat_sample_time", 1.0)
	v.SetDefault("flush.policy", FlushPolicyDiscard)
	v.SetDefault("output.stdout", true)
	v.SetDefault("output.file.max_size_mb", 100)
	v.SetDefault("output.file.max_backups", 5)
	v.SetDefault("output.file.max_age_days", 7)
	v.SetDefault("output.kafka.batch_size", 100)
	v.SetDefault("output.kafka.batch_timeout_ms", 100)
	v.SetDefault("output.kafka.compression", "snappy")
	v.SetDefault("logging.level", "info")
	v.SetDefault("stats.report_interval_sec", 0)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  PCAP:          %s (metamako=%v)\n", c.Input.PcapFile, c.Input.Metamako))
	sb.WriteString(fmt.Sprintf("  Gap report:    every %s\n", c.Sampling.OutputInterval()))
	sb.WriteString(fmt.Sprintf("  Session stats: every %s\n", c.Sampling.StatInterval()))
	sb.WriteString(fmt.Sprintf("  Flush policy:  %s\n", c.Flush.Policy))
	if len(c.Filter.UDPPorts) > 0 {
		sb.WriteString(fmt.Sprintf("  UDP ports:     %v\n", c.Filter.UDPPorts))
	}
	sb.WriteString(fmt.Sprintf("  Stdout:        %v\n", c.Output.Stdout))
	if c.Output.File.Path != "" {
		sb.WriteString(fmt.Sprintf("  Output file:   %s (max %dMB x %d)\n", c.Output.File.Path, c.Output.File.MaxSizeMB, c.Output.File.MaxBackups))
	}
	if c.Output.Kafka.Enabled() {
		sb.WriteString(fmt.Sprintf("  Kafka:         %s -> %s\n", strings.Join(c.Output.Kafka.Brokers, ","), c.Output.Kafka.Topic))
	}
	if c.Output.UDP.Address != "" {
		sb.WriteString(fmt.Sprintf("  UDP output:    %s\n", c.Output.UDP.Address))
	}
	if c.Metrics.Enabled {
		sb.WriteString(fmt.Sprintf("  Metrics:       %s%s\n", c.Metrics.Address, c.Metrics.Path))
	}
	return sb.String()
}
