package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reporter outputs run totals to the log, a progress writer and/or a file.
type Reporter struct {
	collector   *Collector
	intervalSec int
	exportFile  string
	out         io.Writer
}

// NewReporter creates a new statistics reporter. Periodic and final text
// reports go to out; stdout is reserved for JSON lines, so pass stderr.
func NewReporter(collector *Collector, intervalSec int, exportFile string, out io.Writer) *Reporter {
	return &Reporter{
		collector:   collector,
		intervalSec: intervalSec,
		exportFile:  exportFile,
		out:         out,
	}
}

// StartPeriodicReport begins periodic statistics reporting in a goroutine.
func (r *Reporter) StartPeriodicReport(ctx context.Context) {
	if r.intervalSec <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprintln(r.out, r.FormatReport())
			}
		}
	}()
}

// PrintFinalReport logs the run totals.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	snap := r.collector.Snapshot()

	log.Infof("Total gaps=%d ooo=%d", snap.TotalGapMessages, snap.TotalOOO)
	log.Infof("Processed %d/%d PCAP packets", snap.PacketsProcessed, snap.PacketsRead)
	log.WithFields(log.Fields{
		"sessions":  snap.Sessions,
		"skipped":   snap.PacketsSkipped,
		"malformed": snap.PacketsMalformed,
		"flushes":   snap.Flushes,
		"elapsed":   snap.Duration().Round(time.Millisecond),
	}).Debug("Run summary")
}

// ExportJSON exports statistics to a JSON file.
func (r *Reporter) ExportJSON() error {
	if r.exportFile == "" {
		return nil
	}

	snap := r.collector.Snapshot()

	export := map[string]interface{}{
		"start_time":   snap.StartTime.Format(time.RFC3339),
		"end_time":     snap.EndTime.Format(time.RFC3339),
		"duration_sec": snap.Duration().Seconds(),
		"packets": map[string]interface{}{
			"read":      snap.PacketsRead,
			"processed": snap.PacketsProcessed,
			"skipped":   snap.PacketsSkipped,
			"malformed": snap.PacketsMalformed,
		},
		"sessions":           snap.Sessions,
		"total_gap_messages": snap.TotalGapMessages,
		"total_ooo":          snap.TotalOOO,
		"flushes":            snap.Flushes,
		"outcomes":           snap.Outcomes,
		"events":             snap.Events,
	}

	duration := snap.Duration().Seconds()
	if duration > 0 {
		export["throughput_pkt_per_sec"] = float64(snap.PacketsRead) / duration
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithField("file", r.exportFile).Info("Statistics exported to JSON")
	return nil
}

// FormatReport generates a formatted statistics report string.
func (r *Reporter) FormatReport() string {
	snap := r.collector.Snapshot()
	elapsed := snap.Duration()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== ITCH Gap Statistics (elapsed: %s) ===\n", elapsed.Round(time.Second)))
	sb.WriteString("Packets:\n")
	sb.WriteString(fmt.Sprintf("  Read: %d  |  Processed: %d  |  Skipped: %d  |  Malformed: %d\n",
		snap.PacketsRead, snap.PacketsProcessed, snap.PacketsSkipped, snap.PacketsMalformed))

	if len(snap.Outcomes) > 0 {
		sb.WriteString("Outcomes:\n")
		names := make([]string, 0, len(snap.Outcomes))
		for name := range snap.Outcomes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("  %-16s %d\n", name+":", snap.Outcomes[name]))
		}
	}

	sb.WriteString("Sessions:\n")
	sb.WriteString(fmt.Sprintf("  Seen: %d  |  Gap messages: %d  |  Out of order: %d  |  Flushes: %d\n",
		snap.Sessions, snap.TotalGapMessages, snap.TotalOOO, snap.Flushes))

	if elapsed.Seconds() > 0 {
		sb.WriteString("Throughput:\n")
		sb.WriteString(fmt.Sprintf("  %.1f pkt/s\n", float64(snap.PacketsRead)/elapsed.Seconds()))
	}

	sb.WriteString("================================================\n")
	return sb.String()
}
