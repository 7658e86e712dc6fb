// Package vnccapture captures a remote desktop over RFB (VNC) as a stream of
// raw frames.
//
// A VNCSource keeps one persistent connection to a VNC server. A single
// capture goroutine owns the connection: it connects, polls for
// framebuffer updates, reconnects with a linear backoff when the session
// fails, and hands completed frames to a Sink.
//
// # Quick Start
//
//	cfg := vnccapture.DefaultConfig("192.168.1.50")
//	cfg.Password = "secret"
//
//	src, err := vnccapture.NewVNCSource(cfg, vnccapture.SinkFunc(func(f *vnccapture.Frame) {
//	    // f.Data is only valid inside this call
//	    process(f)
//	}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := src.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Stop()
//
// # Features
//
//   - Security types None and VNC Authentication, protocol 3.3 to 3.8
//   - Tight (including JPEG), ZRLE, Hextile, Zlib, CoRRE, RRE, CopyRect and Raw decoding into BGRX
//   - Server-side resizes (DesktopSize) reallocate the framebuffer
//   - Linear reconnect backoff: 1s, 2s, ... capped at 10s
//   - Hot changes of encoding, compression hints and DSCP without
//     reconnecting
//   - Edge crop: updates confined to masked borders do not complete a frame
//   - Error categorization for telemetry (StreamStats.Errors*)
//
// # Frame Format
//
// Frames reference the live framebuffer:
//
//   - Format: BGRX, 4 bytes per pixel, alpha byte unused
//   - Stride: Width × 4 bytes, no row padding
//   - Example (1920x1080): 1920 × 1080 × 4 = 8,294,400 bytes (~7.9 MiB)
//
// At most one frame is forwarded per loop iteration, stamped with the
// time of the first qualifying update since the previous frame. Sinks that
// keep pixels past OutputVideo must copy them; SupplierSink does so and
// fans frames out through package framesupplier.
//
// # Hot Configuration
//
//	src.SetEncoding(vnccapture.EncodingZRLE, 6, false, 0) // renegotiate
//	src.SetDSCP(46)                                       // re-mark socket
//	src.SetEdgeCrop(vnccapture.EdgeCrop{Top: 40})          // next update
//	src.SetPassword("new")                                // reconnect
//	src.Reconnect()                                       // skip backoff
//
// ApplyConfig swaps the whole Config and raises only the signals for the
// fields that differ.
//
// # Timing
//
// Each poll waits at most 33ms for traffic and each backoff step sleeps
// 100ms, so Stop returns within about 133ms plus the duration of a
// connection attempt in progress.
//
// # Thread Safety
//
//   - Start and Stop serialize on an internal lock; Stop is idempotent
//   - Settings methods take the configuration lock briefly and raise
//     atomic signals; they never touch the network
//   - Stats reads atomic counters and is safe from any goroutine
package vnccapture
