package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"
)

// maxSampleSeconds is the largest interval a time.Duration can hold.
var maxSampleSeconds = float64(math.MaxInt64) / float64(time.Second)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// PCAP file must exist unless reading stdin
	if c.Input.PcapFile == "" {
		errs = append(errs, "input.pcap_file must be specified (use - for stdin)")
	} else if c.Input.PcapFile != StdinPath {
		if _, err := os.Stat(c.Input.PcapFile); os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("pcap file not found: %s", c.Input.PcapFile))
		}
	}

	if v := c.Sampling.OutputSampleTime; !(v > 0 && v < maxSampleSeconds) {
		errs = append(errs, fmt.Sprintf("sampling.output_sample_time must be > 0 and < %.0f, got %v", maxSampleSeconds, v))
	}
	if v := c.Sampling.StatSampleTime; !(v >= 0 && v < maxSampleSeconds) {
		errs = append(errs, fmt.Sprintf("sampling.stat_sample_time must be >= 0 and < %.0f, got %v", maxSampleSeconds, v))
	}

	if c.Flush.Policy != FlushPolicyDiscard && c.Flush.Policy != FlushPolicyRetain {
		errs = append(errs, fmt.Sprintf("flush.policy must be '%s' or '%s', got %q", FlushPolicyDiscard, FlushPolicyRetain, c.Flush.Policy))
	}

	for _, p := range c.Filter.UDPPorts {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Sprintf("filter.udp_ports entries must be between 1 and 65535, got %d", p))
		}
	}

	if !c.Output.Stdout && c.Output.File.Path == "" && !c.Output.Kafka.Enabled() && c.Output.UDP.Address == "" {
		errs = append(errs, "at least one output (stdout, file, kafka, udp) must be enabled")
	}

	if c.Output.File.Path != "" && c.Output.File.MaxSizeMB <= 0 {
		errs = append(errs, "output.file.max_size_mb must be > 0")
	}

	if c.Output.Kafka.Enabled() {
		if c.Output.Kafka.Topic == "" {
			errs = append(errs, "output.kafka.topic must be specified when brokers are set")
		}
		switch c.Output.Kafka.Compression {
		case "", "none", "gzip", "snappy", "lz4", "zstd":
		default:
			errs = append(errs, fmt.Sprintf("output.kafka.compression must be one of none/gzip/snappy/lz4/zstd, got %q", c.Output.Kafka.Compression))
		}
	}

	// UDP output must be host:port
	if c.Output.UDP.Address != "" {
		if _, err := net.ResolveUDPAddr("udp", c.Output.UDP.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid output.udp.address %q: %v", c.Output.UDP.Address, err))
		}
	}

	if c.Stats.ReportIntervalSec < 0 {
		errs = append(errs, "stats.report_interval_sec must be >= 0")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address must be specified when metrics are enabled")
	}

	// Log level must be valid
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
