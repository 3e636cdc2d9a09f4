package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"itch-gap/internal/config"
	"itch-gap/internal/engine"
	"itch-gap/internal/metrics"
	"itch-gap/internal/output"
	"itch-gap/internal/pcap"
	"itch-gap/internal/stats"
)

var (
	version     = "1.0.0"
	cfgFile     string
	statsOnly   bool
	printConfig bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "itch-gap [pcap]",
		Short: "ITCH/MoldUDP64 sequence gap analyzer",
		Long: `Reads a PCAP stream of MoldUDP64 packets, tracks the sequence numbers of every
session and writes system events, per-session statistics and gap reports
as JSON lines.`,
		Version:      version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")

	rootCmd.Flags().String("pcap", "", "Input PCAP file path, - for stdin")
	rootCmd.Flags().Float64("output-sample-time", 0, "Seconds between gap reports")
	rootCmd.Flags().Float64("stat-sample-time", 0, "Seconds of capture time between session stats lines")
	rootCmd.Flags().Bool("metamako", false, "Use the Metamako trailer timestamp")
	rootCmd.Flags().String("flush-policy", "", "Open gaps after a report (discard|retain)")
	rootCmd.Flags().IntSlice("udp-ports", nil, "Only analyze datagrams to or from these UDP ports")
	rootCmd.Flags().String("output-file", "", "Also write JSON lines to this rotating file")
	rootCmd.Flags().Bool("no-stdout", false, "Do not write JSON lines to stdout")
	rootCmd.Flags().StringSlice("kafka-brokers", nil, "Kafka brokers for JSON lines")
	rootCmd.Flags().String("kafka-topic", "", "Kafka topic for JSON lines")
	rootCmd.Flags().String("udp-output", "", "Send JSON lines as UDP datagrams to host:port")
	rootCmd.Flags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.Flags().String("log-file", "", "Write logs to this rotating file instead of stderr")
	rootCmd.Flags().String("stats-export", "", "Export run totals as JSON to this file")
	rootCmd.Flags().Int("stats-interval", -1, "Seconds between progress reports on stderr (0 disables)")
	rootCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.Flags().BoolVar(&statsOnly, "stats-only", false, "Count packets per session only, do not track gaps")
	rootCmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd)
	if len(args) == 1 {
		v.Set("input.pcap_file", args[0])
	}

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg)

	if printConfig {
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "ITCH Gap Analyzer v%s\n", version)
	fmt.Fprintln(os.Stderr, "==============================")
	fmt.Fprint(os.Stderr, cfg.Summary())
	fmt.Fprintln(os.Stderr)

	reader, err := pcap.Open(cfg.Input.PcapFile, cfg.Input.Metamako)
	if err != nil {
		return err
	}
	defer reader.Close()

	if statsOnly {
		return showStats(reader, cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		// A second signal terminates the process.
		signal.Stop(sigCh)
		log.WithField("signal", sig).Info("Received shutdown signal, flushing open gaps")
		cancel()
	}()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := srv.Stop(stopCtx); err != nil {
				log.WithError(err).Warn("Failed to stop metrics server")
			}
		}()
	}

	sink, err := output.New(cfg.Output, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to create outputs: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.WithError(err).Warn("Failed to close outputs")
		}
	}()

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile, os.Stderr)
	reporter.StartPeriodicReport(ctx)

	eng := engine.New(engine.OptionsFromConfig(cfg), sink, collector)
	if err := eng.Run(ctx, reader); err != nil {
		log.WithError(err).Error("Analysis finished with output errors")
	}

	reporter.PrintFinalReport()
	if err := reporter.ExportJSON(); err != nil {
		log.WithError(err).Warn("Failed to export statistics")
	}
	return nil
}

func showStats(reader *pcap.Reader, cfg *config.Config) error {
	counts, err := pcap.CountSessions(reader, cfg.Filter.UDPPorts)
	if err != nil {
		if !errors.Is(err, pcap.ErrInvalidLength) {
			return fmt.Errorf("failed to count packets: %w", err)
		}
		log.WithError(err).Warn("Stopped at invalid record")
	}

	fmt.Println("MoldUDP64 Session Statistics:")
	var packets int
	var messages uint64
	for _, c := range counts {
		end := ""
		if c.EndSeen {
			end = " (ended)"
		}
		fmt.Printf("  %-48s packets=%-8d messages=%-10d seq=%d..%d%s\n",
			c.Key.String(), c.Packets, c.Messages, c.FirstSeq, c.LastSeq, end)
		packets += c.Packets
		messages += c.Messages
	}
	fmt.Printf("  %-48s packets=%-8d messages=%d\n", "Total:", packets, messages)
	return nil
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	// stdout carries the JSON lines.
	log.SetOutput(os.Stderr)
	if cfg.Logging.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.Flags()

	for flag, key := range map[string]string{
		"pcap":         "input.pcap_file",
		"flush-policy": "flush.policy",
		"output-file":  "output.file.path",
		"kafka-topic":  "output.kafka.topic",
		"udp-output":   "output.udp.address",
		"log-level":    "logging.level",
		"log-file":     "logging.file",
		"stats-export": "stats.export_file",
	} {
		if flags.Changed(flag) {
			val, _ := flags.GetString(flag)
			v.Set(key, val)
		}
	}

	if flags.Changed("output-sample-time") {
		val, _ := flags.GetFloat64("output-sample-time")
		v.Set("sampling.output_sample_time", val)
	}
	if flags.Changed("stat-sample-time") {
		val, _ := flags.GetFloat64("stat-sample-time")
		v.Set("sampling.stat_sample_time", val)
	}
	if flags.Changed("metamako") {
		val, _ := flags.GetBool("metamako")
		v.Set("input.metamako", val)
	}
	if flags.Changed("udp-ports") {
		val, _ := flags.GetIntSlice("udp-ports")
		v.Set("filter.udp_ports", val)
	}
	if flags.Changed("no-stdout") {
		val, _ := flags.GetBool("no-stdout")
		v.Set("output.stdout", !val)
	}
	if flags.Changed("kafka-brokers") {
		val, _ := flags.GetStringSlice("kafka-brokers")
		v.Set("output.kafka.brokers", val)
	}
	if flags.Changed("stats-interval") {
		val, _ := flags.GetInt("stats-interval")
		v.Set("stats.report_interval_sec", val)
	}
	if flags.Changed("metrics-addr") {
		val, _ := flags.GetString("metrics-addr")
		v.Set("metrics.address", val)
		v.Set("metrics.enabled", true)
	}
}
