// Command birdjob analyses a single clip or still against the inference
// service from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/birdwatch/internal/artifact"
	"github.com/dj-oyu/birdwatch/internal/config"
	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/job"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/overlay"
)

func main() {
	cfg := config.Load()

	var (
		videoPath string
		imagePath string
		outPath   string
	)

	flag.StringVar(&videoPath, "file", "", "Video clip to submit as an analysis job")
	flag.StringVar(&imagePath, "image", "", "Still image to run a single prediction on")
	flag.StringVar(&outPath, "out", "", "Output path for an annotated still, or directory for a clip artifact")
	flag.StringVar(&cfg.APIBase, "api", cfg.APIBase, "Inference service base URL")
	flag.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "File holding the bearer token")
	flag.Float64Var(&cfg.Confidence, "conf", cfg.Confidence, "Detection confidence threshold")
	flag.IntVar(&cfg.Stride, "stride", cfg.Stride, "Analyse every Nth frame of the clip")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.Parse()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, false)

	if (videoPath == "") == (imagePath == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -file or -image is required")
		flag.Usage()
		os.Exit(2)
	}

	client, err := inference.New(inference.Config{
		BaseURL:    cfg.APIBase,
		Token:      cfg.TokenSource(),
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Paths:      cfg.Paths,
	})
	if err != nil {
		log.Fatalf("Inference client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if imagePath != "" {
		err = runImage(ctx, client, imagePath, outPath, cfg.Confidence)
	} else {
		err = runVideo(ctx, client, cfg, videoPath, outPath)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func runImage(ctx context.Context, client *inference.Client, path, out string, conf float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	batch, err := client.PredictImage(ctx, filepath.Base(path), f, conf)
	if err != nil {
		return err
	}
	for _, d := range batch.Detections {
		fmt.Println(overlay.Label(d))
	}
	fmt.Printf("%d detection(s)\n", batch.Len())

	if out == "" {
		return nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	// Absolute boxes are relative to the still as uploaded.
	batch.FillSource(img.Bounds().Dx(), img.Bounds().Dy())
	renderer, err := overlay.NewRenderer()
	if err != nil {
		return err
	}
	if err := imaging.Save(renderer.Annotate(img, batch), out); err != nil {
		return fmt.Errorf("save %s: %w", out, err)
	}
	logger.Info("Main", "Annotated still written to %s", out)
	return nil
}

func runVideo(ctx context.Context, client *inference.Client, cfg config.Config, path, out string) error {
	if out == "" {
		out = cfg.ArtifactDir
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	o := job.New(client, job.Options{
		PollInterval:    cfg.PollInterval,
		MaxPollBackoff:  cfg.MaxPollBackoff,
		MaxPollFailures: cfg.MaxPollFailures,
		Store:           artifact.NewStore(out),
		Observer: func(j job.Job) {
			logger.Debug("Main", "job %s %s %.0f%% %s", j.ID, j.State, j.Progress*100, j.Message)
		},
	})

	j, err := o.Run(ctx, inference.VideoRequest{
		Filename:   filepath.Base(path),
		Video:      f,
		Confidence: cfg.Confidence,
		Stride:     cfg.Stride,
	})
	if j.State == job.StateDone {
		printSummary(j)
	}
	return err
}

func printSummary(j job.Job) {
	fmt.Printf("job %s: %s", j.ID, j.State)
	if j.Cached {
		fmt.Print(" (cached)")
	}
	fmt.Println()

	if r := j.Result; r != nil {
		top := r.TopSpeciesOverall
		if top == "" {
			top = "none"
		}
		fmt.Printf("top species: %s\n", top)
		if d := r.VideoInfo.Duration(); d > 0 {
			fmt.Printf("duration: %.1fs\n", d)
		}
		fmt.Printf("frames with detections: %d\n", r.NumFramesWithDetections)
		if len(r.Segments) > 0 {
			parts := make([]string, 0, len(r.Segments))
			for _, s := range r.Segments {
				parts = append(parts, fmt.Sprintf("%d-%d", s.StartFrame, s.EndFrame))
			}
			fmt.Printf("segments: %s\n", strings.Join(parts, ", "))
		}
	}
	if j.HasArtifact() {
		fmt.Printf("artifact: %s (%d bytes)\n", j.ArtifactPath, j.ArtifactBytes)
	} else if j.ArtifactError != "" {
		fmt.Printf("artifact unavailable: %s\n", j.ArtifactError)
	}
}
