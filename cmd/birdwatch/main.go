package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/birdwatch/internal/artifact"
	"github.com/dj-oyu/birdwatch/internal/camera"
	"github.com/dj-oyu/birdwatch/internal/config"
	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/job"
	"github.com/dj-oyu/birdwatch/internal/live"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/metrics"
	"github.com/dj-oyu/birdwatch/internal/overlay"
	"github.com/dj-oyu/birdwatch/internal/webmonitor"
)

func main() {
	cfg := config.Load()

	var autostart bool

	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Dedicated Prometheus metrics address (empty: serve on -http only)")
	flag.StringVar(&cfg.APIBase, "api", cfg.APIBase, "Inference service base URL")
	flag.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "File holding the bearer token")
	flag.StringVar(&cfg.Source, "source", cfg.Source, "ffmpeg input for the live camera")
	flag.StringVar(&cfg.SourceFormat, "source-format", cfg.SourceFormat, "ffmpeg input format (e.g. v4l2, rtsp; empty to autodetect)")
	flag.StringVar(&cfg.SnapshotURL, "snapshot-url", cfg.SnapshotURL, "Poll this JPEG snapshot URL instead of running ffmpeg")
	flag.IntVar(&cfg.CaptureFPS, "capture-fps", cfg.CaptureFPS, "Stills per second requested from ffmpeg")
	flag.IntVar(&cfg.CaptureMaxWidth, "max-width", cfg.CaptureMaxWidth, "Downscale uploaded frames wider than this")
	flag.Float64Var(&cfg.Confidence, "conf", cfg.Confidence, "Detection confidence threshold")
	flag.DurationVar(&cfg.MinInterval, "min-interval", cfg.MinInterval, "Minimum gap between live inference requests")
	flag.StringVar(&cfg.ArtifactDir, "artifacts", cfg.ArtifactDir, "Directory for downloaded annotated clips")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.BoolVar(&autostart, "autostart", false, "Start a live session immediately")
	flag.Parse()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	m := metrics.New()

	client, err := inference.New(inference.Config{
		BaseURL:    cfg.APIBase,
		Token:      cfg.TokenSource(),
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Paths:      cfg.Paths,
	})
	if err != nil {
		log.Fatalf("Inference client: %v", err)
	}
	if err := client.CheckCredential(); err != nil {
		logger.Warn("Main", "No credential configured; sessions and jobs will be refused until one is provided")
	}

	sampler := camera.NewSampler(newSource(cfg), camera.SamplerOptions{
		MaxWidth: cfg.CaptureMaxWidth,
		Quality:  cfg.JPEGQuality,
		Metrics:  m,
	})

	renderer, err := overlay.NewRenderer()
	if err != nil {
		log.Fatalf("Overlay renderer: %v", err)
	}

	monitor := webmonitor.NewMonitor()
	loop := live.New(sampler, client, monitor, live.Options{
		TickInterval: cfg.TickInterval,
		MinInterval:  cfg.MinInterval,
		Confidence:   cfg.Confidence,
		StatsWindow:  cfg.StatsWindow,
		TopN:         cfg.TopN,
		Metrics:      m,
	})

	tracker := webmonitor.NewJobTracker(0)
	orchestrator := job.New(client, job.Options{
		PollInterval:    cfg.PollInterval,
		MaxPollBackoff:  cfg.MaxPollBackoff,
		MaxPollFailures: cfg.MaxPollFailures,
		Store:           artifact.NewStore(cfg.ArtifactDir),
		Metrics:         m,
		Observer:        tracker.Observe,
	})

	server := webmonitor.NewServer(webmonitor.Config{
		Addr:           cfg.Addr,
		StatusInterval: cfg.StatusInterval,
		MJPEGInterval:  cfg.MJPEGInterval,
		JPEGQuality:    cfg.JPEGQuality,
		Confidence:     cfg.Confidence,
		Stride:         cfg.Stride,
	}, webmonitor.Options{
		Monitor:  monitor,
		Session:  loop,
		Frames:   sampler,
		Renderer: renderer,
		Jobs:     orchestrator,
		Tracker:  tracker,
		Metrics:  m,
	})

	logger.Info("Main", "Birdwatch monitor listening on %s", cfg.Addr)
	logger.Info("Main", "Inference service: %s", cfg.APIBase)
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{Addr: cfg.Addr, Handler: server.Handler()}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux})
		logger.Info("Main", "Prometheus metrics on %s/metrics", cfg.MetricsAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if autostart {
		if _, err := loop.Start(gctx); err != nil {
			logger.Error("Main", "Autostart failed: %v", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return server.Close()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func newSource(cfg config.Config) camera.Source {
	if cfg.SnapshotURL != "" {
		return camera.NewSnapshotSource(cfg.SnapshotURL, cfg.SnapshotInterval, nil, nil)
	}
	opts := camera.FFmpegOptions{
		Input:     cfg.Source,
		FrameRate: cfg.CaptureFPS,
	}
	if cfg.SourceFormat != "" {
		opts.InputArgs = map[string]interface{}{"f": cfg.SourceFormat}
	}
	return camera.NewFFmpegSource(opts)
}
