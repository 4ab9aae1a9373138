// Command camprobe connects to one camera, reads a few frames and prints
// what it got. Use it to check a camera URL before adding it to the config.
//
//	camprobe [-frames N] [-mode auto|stream|polling] [-backend mjpeg|any|ffmpeg|gstreamer] <url>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/Spatial-NVR/WagonWatch/internal/camera"
	"github.com/Spatial-NVR/WagonWatch/internal/config"
	"github.com/Spatial-NVR/WagonWatch/internal/logging"
	"github.com/Spatial-NVR/WagonWatch/internal/video"
	"github.com/Spatial-NVR/WagonWatch/internal/video/cvcapture"
)

func main() {
	_ = godotenv.Load()

	frames := flag.Int("frames", 30, "number of frames to read")
	mode := flag.String("mode", config.ModeAuto, "source mode: auto, stream or polling")
	backend := flag.String("backend", cvcapture.BackendMJPEG, "stream backend: mjpeg, any, ffmpeg or gstreamer")
	timeout := flag.Duration("timeout", 5*time.Second, "network timeout")
	readTimeout := flag.Duration("read-timeout", 2*time.Second, "wait per frame")
	snapshot := flag.String("snapshot", "", "write the last frame as JPEG to this file")
	verbose := flag.Bool("v", false, "log source activity")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <camera-url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(config.LoggingConfig{Level: level, Format: "text"}, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	probe := prober{
		url:         flag.Arg(0),
		mode:        *mode,
		backend:     *backend,
		timeout:     *timeout,
		readTimeout: *readTimeout,
		frames:      *frames,
		snapshot:    *snapshot,
		logger:      logger.Logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := probe.run(ctx); err != nil {
		color.Red("✗ %v", err)
		os.Exit(1)
	}
}

type prober struct {
	url         string
	mode        string
	backend     string
	timeout     time.Duration
	readTimeout time.Duration
	frames      int
	snapshot    string
	logger      *slog.Logger
}

// CameraStateChanged implements camera.Notifier
func (p *prober) CameraStateChanged(ev camera.StateEvent) {
	c := color.New(color.Faint)
	switch ev.To {
	case camera.StateRunning:
		c = color.New(color.FgGreen)
	case camera.StateReconnecting:
		c = color.New(color.FgYellow)
	case camera.StateFailed:
		c = color.New(color.FgRed)
	}
	fmt.Printf("  state %s → %s %s\n", ev.From, c.Sprint(ev.To), color.New(color.Faint).Sprint(ev.Reason))
}

// HealthChanged implements camera.Notifier
func (p *prober) HealthChanged(camera.HealthReport) {}

func (p *prober) run(ctx context.Context) error {
	cam := config.CameraConfig{ID: "probe", URL: p.url, Mode: p.mode}
	if err := config.ValidateCamera(cam); err != nil {
		return err
	}

	global := config.Default().Stream()
	global.TimeoutSeconds = max(1, int(p.timeout/time.Second))

	opts := []camera.Option{
		camera.WithNotifier(p),
		camera.WithLogger(p.logger),
	}
	if p.backend != cvcapture.BackendMJPEG {
		opts = append(opts, camera.WithOpener(cvcapture.NewOpener(p.backend, p.timeout)))
	}

	src, err := camera.NewSource(cam, camera.SettingsFor(cam, global), opts...)
	if err != nil {
		return err
	}
	defer src.Stop()

	fmt.Printf("Probing %s (mode %s)\n", color.CyanString(p.url), p.mode)
	started := time.Now()
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	stats := src.Stats()
	color.Green("✓ connected in %s via %s %s", time.Since(started).Round(time.Millisecond), stats.Kind, stats.Endpoint)

	var last *camera.Frame
	got := 0
	for i := 1; i <= p.frames && ctx.Err() == nil; i++ {
		frame := src.Read(p.readTimeout)
		if frame == nil {
			fmt.Printf("  %3d  %s\n", i, color.YellowString("no frame within %s", p.readTimeout))
			continue
		}
		got++
		var gap time.Duration
		if last != nil {
			gap = frame.Timestamp.Sub(last.Timestamp)
		}
		last = frame
		fmt.Printf("  %3d  seq=%-5d %s  +%s\n",
			i, frame.Seq, video.Resolution(frame.Image), gap.Round(time.Millisecond))
	}

	stats = src.Stats()
	fmt.Println()
	fmt.Printf("Frames read:     %d/%d\n", got, p.frames)
	fmt.Printf("Captured:        %d (dropped %d, %.1f%%)\n", stats.FramesCaptured, stats.FramesDropped, stats.DropRatePercent)
	fmt.Printf("FPS:             %.1f\n", stats.FPS)
	fmt.Printf("Errors:          %d, reconnects %d\n", stats.Errors, stats.Reconnects)
	fmt.Printf("Healthy:         %v\n", src.IsHealthy(camera.DefaultMaxStaleness))

	if p.snapshot != "" && last != nil {
		data, err := last.JPEG(video.DefaultJPEGQuality)
		if err != nil {
			return err
		}
		if err := os.WriteFile(p.snapshot, data, 0644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		fmt.Printf("Snapshot:        %s\n", p.snapshot)
	}

	if got == 0 {
		return errors.New("connected but no frames were read")
	}
	return nil
}
