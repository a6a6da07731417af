package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/dj-oyu/birdwatch/internal/logger"
)

// FFmpegOptions describes the ffmpeg input to read stills from.
type FFmpegOptions struct {
	// Input is the ffmpeg input: a device (/dev/video0), an RTSP or HTTP
	// URL, or a file.
	Input string
	// InputArgs are passed as ffmpeg input options, e.g. {"f": "v4l2"}.
	InputArgs map[string]interface{}
	// FrameRate limits the stills ffmpeg emits per second. 0 keeps the
	// input rate.
	FrameRate int
	// Quality is the ffmpeg mjpeg q:v value (2 best, 31 worst).
	Quality int
}

// FFmpegSource runs ffmpeg with image2pipe output and keeps the newest
// decoded still.
type FFmpegSource struct {
	opts   FFmpegOptions
	log    logger.Module
	latest latestFrame

	mu     sync.Mutex
	cancel context.CancelFunc
	pipe   *io.PipeReader
	wg     sync.WaitGroup
}

// NewFFmpegSource creates an unopened source.
func NewFFmpegSource(opts FFmpegOptions) *FFmpegSource {
	if opts.Quality <= 0 {
		opts.Quality = 5
	}
	return &FFmpegSource{opts: opts, log: logger.For("FFmpeg")}
}

func (s *FFmpegSource) outputArgs() ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{
		"format": "image2pipe",
		"vcodec": "mjpeg",
		"q:v":    s.opts.Quality,
	}
	if s.opts.FrameRate > 0 {
		args["r"] = s.opts.FrameRate
	}
	return args
}

// Open starts ffmpeg. The process outlives ctx and is stopped by Close.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSourceBusy
	}
	if s.opts.Input == "" {
		return ErrNoSource
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pr, pw := io.Pipe()
	s.latest.reset()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		stream := ffmpeg.Input(s.opts.Input, ffmpeg.KwArgs(s.opts.InputArgs)).
			Output("pipe:", s.outputArgs())
		stream.Context = runCtx
		err := stream.WithOutput(pw).Run()
		if err != nil && runCtx.Err() == nil {
			s.log.Error("ffmpeg exited: %v", err)
		}
		if err == nil {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()
	go func() {
		defer s.wg.Done()
		s.readStills(runCtx, pr)
	}()

	s.cancel = cancel
	s.pipe = pr
	s.log.Info("Started ffmpeg on %s", s.opts.Input)
	return nil
}

func (s *FFmpegSource) readStills(ctx context.Context, r io.Reader) {
	splitter := NewFrameSplitter(0)
	buf := make([]byte, 64*1024)
	first := true

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, still := range splitter.Feed(buf[:n]) {
				img, decErr := imaging.Decode(bytes.NewReader(still))
				if decErr != nil {
					s.log.Debug("Skipping undecodable still: %v", decErr)
					continue
				}
				s.latest.store(img, time.Now())
				if first {
					b := img.Bounds()
					s.log.Info("First still decoded (%dx%d)", b.Dx(), b.Dy())
					first = false
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				s.log.Warn("Pipe read failed: %v", err)
			}
			if splitter.Dropped > 0 {
				s.log.Warn("Dropped %d oversized stills", splitter.Dropped)
			}
			return
		}
	}
}

func (s *FFmpegSource) Latest() (image.Image, time.Time, bool) {
	return s.latest.load()
}

// Close stops ffmpeg and waits for the reader to exit.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cancel, pipe := s.cancel, s.pipe
	s.cancel, s.pipe = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	pipe.Close()
	s.wg.Wait()
	s.latest.reset()
	s.log.Info("Stopped ffmpeg on %s", s.opts.Input)
	return nil
}
