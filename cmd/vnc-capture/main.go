package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	vnccapture "github.com/e7canasta/vnc-capture"
	"github.com/e7canasta/vnc-capture/framesupplier"
	"github.com/e7canasta/vnc-capture/gstsink"
	"github.com/e7canasta/vnc-capture/internal/config"
	"github.com/e7canasta/vnc-capture/internal/recorder"
	"github.com/spf13/pflag"
)

// Version information
const version = "v0.1.0"

// options holds the command line. Only flags the user set override the
// configuration file, so a SIGHUP reload keeps honoring them.
type options struct {
	configPath string

	host     string
	port     int
	password string
	encoding string
	compress int
	quality  int
	jpeg     bool
	dscp     int
	crop     string

	outputDir     string
	every         int
	maxFrames     int
	record        string
	display       string
	statsInterval time.Duration

	debug       bool
	showVersion bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("vnc-capture", pflag.ContinueOnError)

	fs.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&o.host, "host", "", "VNC server host")
	fs.IntVarP(&o.port, "port", "p", vnccapture.DefaultPort, "VNC server port")
	fs.StringVar(&o.password, "password", "", "VNC password (prefer server.password_env in the config file)")
	fs.StringVarP(&o.encoding, "encoding", "e", "auto", "Encoding: auto, tight, zrle, ultra, hextile, zlib, corre, rre, raw")
	fs.IntVar(&o.compress, "compress", 9, "Compression level hint (0-9)")
	fs.IntVar(&o.quality, "quality", 5, "JPEG quality hint (0-9)")
	fs.BoolVar(&o.jpeg, "jpeg", true, "Allow lossy JPEG encoding")
	fs.IntVar(&o.dscp, "dscp", 0, "DSCP code point for the VNC socket (0-63)")
	fs.StringVar(&o.crop, "crop", "", "Edge crop as left,right,top,bottom pixels")

	fs.StringVarP(&o.outputDir, "output", "o", "", "Directory to save PNG snapshots (optional)")
	fs.IntVar(&o.every, "every", 1, "Save one snapshot every N frames")
	fs.IntVar(&o.maxFrames, "max-frames", 0, "Maximum snapshots to save (0 = unlimited)")
	fs.StringVar(&o.record, "record", "", "Record frames to this file (optional)")
	fs.StringVar(&o.display, "display", "", "GStreamer video sink to show frames, e.g. autovideosink (gst builds)")
	fs.DurationVar(&o.statsInterval, "stats-interval", 10*time.Second, "Interval between stats reports (0 disables)")

	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&o.showVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vnc-capture [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  vnc-capture --host 192.168.1.50\n")
		fmt.Fprintf(os.Stderr, "  vnc-capture --config vnc-capture.yaml --output ./frames --every 10\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.flags = fs
	return o, nil
}

// load reads the configuration file and applies the flags the user set.
func (o *options) load() (config.File, error) {
	f, err := config.Load(o.configPath)
	if err != nil {
		return f, err
	}
	if err := o.apply(&f); err != nil {
		return f, err
	}
	return f, f.Validate()
}

func (o *options) apply(f *config.File) error {
	set := o.flags.Changed

	if set("host") {
		f.Server.Host = o.host
	}
	if set("port") {
		f.Server.Port = o.port
	}
	if set("password") {
		f.Server.Password = o.password
	}
	if set("dscp") {
		f.Server.DSCP = o.dscp
	}
	if set("encoding") {
		f.Encoding.Name = o.encoding
	}
	if set("compress") {
		f.Encoding.Compress = o.compress
	}
	if set("quality") {
		f.Encoding.Quality = o.quality
	}
	if set("jpeg") {
		f.Encoding.JPEG = o.jpeg
	}
	if set("crop") {
		crop, err := parseCrop(o.crop)
		if err != nil {
			return err
		}
		f.Crop = crop
	}
	if set("output") {
		f.Output.Dir = o.outputDir
	}
	if set("every") {
		f.Output.Every = o.every
	}
	if set("max-frames") {
		f.Output.MaxFrames = o.maxFrames
	}
	if set("record") {
		f.Output.Record = o.record
	}
	if set("display") {
		f.Output.Display = o.display
	}
	if set("stats-interval") {
		f.StatsInterval = o.statsInterval
	}
	if o.debug {
		f.LogLevel = "debug"
	}
	if f.Output.Every <= 0 {
		f.Output.Every = 1
	}
	return nil
}

// parseCrop parses "left,right,top,bottom".
func parseCrop(s string) (vnccapture.EdgeCrop, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return vnccapture.EdgeCrop{}, fmt.Errorf("invalid --crop %q (want left,right,top,bottom)", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return vnccapture.EdgeCrop{}, fmt.Errorf("invalid --crop %q: %q is not a non-negative integer", s, p)
		}
		v[i] = n
	}
	return vnccapture.EdgeCrop{Left: v[0], Right: v[1], Top: v[2], Bottom: v[3]}, nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("vnc-capture %s\n", version)
		os.Exit(0)
	}

	file, err := opts.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	level := new(slog.LevelVar)
	level.Set(logLevel(file.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	srcCfg, err := file.SourceConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		opts.flags.Usage()
		os.Exit(1)
	}

	printBanner(srcCfg, file)

	if err := run(opts, file, srcCfg, level); err != nil {
		slog.Error("vnc-capture failed", "error", err)
		os.Exit(1)
	}
	slog.Info("vnc-capture stopped")
}

// run wires source → supplier → consumers and blocks until SIGINT or
// SIGTERM.
func run(opts *options, file config.File, srcCfg vnccapture.Config, level *slog.LevelVar) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supplier := framesupplier.New()
	if err := supplier.Start(ctx); err != nil {
		return fmt.Errorf("start frame supplier: %w", err)
	}

	var consumers sync.WaitGroup

	var saver *FrameSaver
	if file.Output.Dir != "" {
		s, err := NewFrameSaver(file.Output.Dir, file.Output.Every, file.Output.MaxFrames)
		if err != nil {
			supplier.Stop()
			return err
		}
		saver = s
		consume(&consumers, supplier.Subscribe("png"), func(f *framesupplier.Frame) {
			if err := saver.SaveFrame(f); err != nil {
				slog.Error("Failed to save frame", "error", err, "seq", f.Seq)
			}
		})
		slog.Info("Frame saving enabled", "directory", file.Output.Dir, "every", file.Output.Every)
	}

	var rec *recorder.Writer
	if file.Output.Record != "" {
		w, err := recorder.Create(file.Output.Record)
		if err != nil {
			supplier.Stop()
			return err
		}
		rec = w
		consume(&consumers, supplier.Subscribe("record"), func(f *framesupplier.Frame) {
			if err := rec.Write(recordHeader(f), f.Data); err != nil {
				slog.Error("Failed to record frame", "error", err, "seq", f.Seq)
			}
		})
		slog.Info("Recording enabled", "path", file.Output.Record)
	}

	var display *gstsink.Sink
	if file.Output.Display != "" {
		d, err := gstsink.New(gstsink.Config{SinkElement: file.Output.Display})
		if err != nil {
			slog.Warn("Display disabled", "error", err)
		} else {
			display = d
			consume(&consumers, supplier.Subscribe("display"), func(f *framesupplier.Frame) {
				if err := display.Push(f); err != nil {
					slog.Debug("Display push failed", "error", err, "seq", f.Seq)
				}
			})
		}
	}

	src, err := vnccapture.NewVNCSource(srcCfg, vnccapture.NewSupplierSink(supplier))
	if err != nil {
		supplier.Stop()
		return err
	}
	if err := src.Start(); err != nil {
		supplier.Stop()
		return err
	}

	if file.StatsInterval > 0 {
		go reportStats(ctx, file.StatsInterval, src, supplier, saver, rec)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	fmt.Printf("Capturing. Ctrl+C stops, SIGHUP reloads the configuration, SIGUSR1 reconnects.\n\n")

wait:
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			reload(opts, src, level)
		case syscall.SIGUSR1:
			src.Reconnect()
		default:
			slog.Info("Shutdown signal received, stopping gracefully...", "signal", sig.String())
			break wait
		}
	}

	// Capture first so nothing publishes into a stopped supplier, then
	// release the consumers.
	if err := src.Stop(); err != nil {
		slog.Error("Error stopping source", "error", err)
	}
	cancel()
	supplier.Stop()
	consumers.Wait()

	if rec != nil {
		if err := rec.Close(); err != nil {
			slog.Error("Error closing recording", "error", err)
		}
	}
	if display != nil {
		if err := display.Close(); err != nil {
			slog.Error("Error closing display", "error", err)
		}
	}

	printFinalStats(src, supplier, saver, rec)
	return nil
}

// reload re-reads the configuration and pushes it to the running source.
// Output settings are fixed for the process lifetime.
func reload(opts *options, src *vnccapture.VNCSource, level *slog.LevelVar) {
	file, err := opts.load()
	if err != nil {
		slog.Error("Reload failed, keeping current configuration", "error", err)
		return
	}
	cfg, err := file.SourceConfig()
	if err != nil {
		slog.Error("Reload failed, keeping current configuration", "error", err)
		return
	}
	level.Set(logLevel(file.LogLevel))
	if err := src.ApplyConfig(cfg); err != nil {
		slog.Error("Reload rejected", "error", err)
		return
	}
	slog.Info("Configuration reloaded", "path", opts.configPath)
}

// consume runs fn for every frame read until the supplier closes the
// mailbox.
func consume(wg *sync.WaitGroup, read func() *framesupplier.Frame, fn func(f *framesupplier.Frame)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for f := read(); f != nil; f = read() {
			fn(f)
		}
	}()
}

func recordHeader(f *framesupplier.Frame) recorder.Header {
	return recorder.Header{
		Seq:       f.Seq,
		Timestamp: f.Timestamp.UnixNano(),
		Width:     f.Width,
		Height:    f.Height,
		Stride:    f.Stride,
		Format:    f.Format,
		SessionID: f.SessionID,
	}
}

func printBanner(cfg vnccapture.Config, file config.File) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║                 VNC Capture %-8s                      ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Server:        %s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  Encoding:      %s (%s)\n", cfg.Encoding, cfg.Encoding.PreferenceString())
	fmt.Printf("  Compress:      %d  JPEG: %v  Quality: %d\n", cfg.CompressLevel, cfg.EnableJPEG, cfg.QualityLevel)
	fmt.Printf("  DSCP:          %d\n", cfg.DSCP)
	fmt.Printf("  Edge Crop:     left=%d right=%d top=%d bottom=%d\n", cfg.Crop.Left, cfg.Crop.Right, cfg.Crop.Top, cfg.Crop.Bottom)
	if file.Output.Dir != "" {
		fmt.Printf("  Output Dir:    %s (every %d frames)\n", file.Output.Dir, file.Output.Every)
	} else {
		fmt.Printf("  Output Dir:    (none - frames not saved)\n")
	}
	if file.Output.Record != "" {
		fmt.Printf("  Recording:     %s\n", file.Output.Record)
	}
	if file.Output.Display != "" {
		fmt.Printf("  Display:       %s (available: %v)\n", file.Output.Display, gstsink.Available)
	}
	fmt.Printf("\n")
}
