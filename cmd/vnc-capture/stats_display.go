package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	vnccapture "github.com/e7canasta/vnc-capture"
	"github.com/e7canasta/vnc-capture/framesupplier"
	"github.com/e7canasta/vnc-capture/internal/recorder"
)

// reportStats periodically prints statistics from all pipeline components
func reportStats(
	ctx context.Context,
	interval time.Duration,
	src vnccapture.FrameSource,
	supplier *framesupplier.Supplier,
	saver *FrameSaver,
	rec *recorder.Writer,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(src.Stats(), supplier.Stats(), saver, rec)
		}
	}
}

func printLiveStats(st vnccapture.StreamStats, sup framesupplier.Stats, saver *FrameSaver, rec *recorder.Writer) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Capture Statistics (Uptime: %v)\n", st.Uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ VNC Source:")
	fmt.Printf("│   Server:             %s:%d\n", st.Host, st.Port)
	fmt.Printf("│   Connected:          %6v\n", st.IsConnected)
	fmt.Printf("│   Resolution:         %s\n", orDash(st.Resolution))
	fmt.Printf("│   Frames Forwarded:   %s frames (%s)\n", humanize.Comma(int64(st.FrameCount)), humanize.IBytes(st.BytesForwarded))
	fmt.Printf("│   FPS:                %6.2f fps (σ %.2f, steady %v)\n", st.FPSMean, st.FPSStdDev, st.FPSSteady)
	fmt.Printf("│   Latency:            %6d ms since last frame\n", st.LatencyMS)
	fmt.Printf("│   Updates:            %s (%s cropped)\n", humanize.Comma(int64(st.Updates)), humanize.Comma(int64(st.UpdatesCropped)))
	fmt.Printf("│   Connects:           %6d (failures %d, drops %d, streak %d)\n", st.Connects, st.ConnectFailures, st.SessionDrops, st.FailureCount)
	if st.EncodingUpdates > 0 || st.DSCPUpdates > 0 || st.Reconnects > 0 {
		fmt.Printf("│   Hot Updates:        encoding %d, dscp %d, reconnects %d\n", st.EncodingUpdates, st.DSCPUpdates, st.Reconnects)
	}

	totalErrors := st.ErrorsNetwork + st.ErrorsAuth + st.ErrorsProtocol + st.ErrorsUnknown
	if totalErrors > 0 {
		fmt.Println("├─────────────────────────────────────────────────────────────────┤")
		fmt.Println("│ Error Telemetry")
		fmt.Println("├─────────────────────────────────────────────────────────────────┤")
		fmt.Printf("│   Network Errors:     %6d\n", st.ErrorsNetwork)
		fmt.Printf("│   Auth Errors:        %6d\n", st.ErrorsAuth)
		fmt.Printf("│   Protocol Errors:    %6d\n", st.ErrorsProtocol)
		fmt.Printf("│   Unknown Errors:     %6d\n", st.ErrorsUnknown)
	}

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Println("│")
		fmt.Println("│ Frame Saving:")
		fmt.Printf("│   Frames Saved:       %6d frames\n", saved)
		fmt.Printf("│   Save Failures:      %6d\n", dropped)
	}

	if rec != nil {
		rs := rec.Stats()
		fmt.Println("│")
		fmt.Println("│ Recording:")
		fmt.Printf("│   Frames:             %6d\n", rs.Frames)
		fmt.Printf("│   Size:               %s of %s (ratio %.2f)\n", humanize.IBytes(rs.StoredBytes), humanize.IBytes(rs.RawBytes), rs.Ratio())
	}

	fmt.Println("│")
	fmt.Println("│ FrameSupplier:")
	fmt.Printf("│   Published:          %6d\n", sup.Published)
	fmt.Printf("│   Inbox Drops:        %6d\n", sup.InboxDrops)
	for _, id := range sortedConsumers(sup) {
		cs := sup.Consumers[id]
		idle := ""
		if cs.IsIdle {
			idle = fmt.Sprintf(" idle %s", humanize.Time(cs.LastConsumedAt))
		}
		fmt.Printf("│   %-15s: %4d delivered, %3d drops (%.1f%%)%s\n",
			id, cs.Delivered, cs.TotalDrops, dropRateFromCounts(cs.Delivered, cs.TotalDrops), idle)
	}

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

// printFinalStats prints final statistics at shutdown
func printFinalStats(src vnccapture.FrameSource, supplier *framesupplier.Supplier, saver *FrameSaver, rec *recorder.Writer) {
	st := src.Stats()
	sup := supplier.Stats()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("  Frames Forwarded:      %s frames\n", humanize.Comma(int64(st.FrameCount)))
	fmt.Printf("  Pixel Data:            %s\n", humanize.IBytes(st.BytesForwarded))
	fmt.Printf("  Connects:              %d (failures %d, drops %d)\n", st.Connects, st.ConnectFailures, st.SessionDrops)
	fmt.Printf("  Published:             %d (inbox drops %d)\n", sup.Published, sup.InboxDrops)

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Printf("  Frames Saved:          %d (%d failures)\n", saved, dropped)
	}
	if rec != nil {
		rs := rec.Stats()
		fmt.Printf("  Recorded:              %d frames, %s\n", rs.Frames, humanize.IBytes(rs.StoredBytes))
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}

func sortedConsumers(st framesupplier.Stats) []string {
	ids := make([]string, 0, len(st.Consumers))
	for id := range st.Consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// dropRateFromCounts calculates drop rate from delivered + drops
func dropRateFromCounts(delivered, drops uint64) float64 {
	total := delivered + drops
	if total == 0 {
		return 0.0
	}
	return float64(drops) / float64(total) * 100.0
}
