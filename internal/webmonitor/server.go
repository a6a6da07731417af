package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/birdwatch/internal/camera"
	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/job"
	"github.com/dj-oyu/birdwatch/internal/live"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/metrics"
	"github.com/dj-oyu/birdwatch/internal/overlay"
)

// SessionController starts and stops live sessions. live.Loop implements it.
type SessionController interface {
	Start(ctx context.Context) (live.Status, error)
	Stop() error
	Status() live.Status
	SetMinInterval(d time.Duration) time.Duration
	SetConfidence(c float64) float64
}

// Options wires the server to the rest of the process. Any nil field
// disables the endpoints that need it.
type Options struct {
	Monitor  *Monitor
	Session  SessionController
	Frames   FrameProvider
	Renderer *overlay.Renderer
	Jobs     JobRunner
	Tracker  *JobTracker
	Metrics  *metrics.Metrics
}

// Server serves the live monitor and job endpoints.
type Server struct {
	cfg                  Config
	monitor              *Monitor
	session              SessionController
	jobs                 JobRunner
	tracker              *JobTracker
	metrics              *metrics.Metrics
	broadcaster          *FrameBroadcaster
	detectionBroadcaster *DetectionBroadcaster
	statusBroadcaster    *StatusBroadcaster
	upgrader             websocket.Upgrader

	ctx    context.Context // outlives requests; cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a configured monitor server with its broadcasters
// running.
func NewServer(cfg Config, opts Options) *Server {
	cfg = cfg.withDefaults()
	if opts.Monitor == nil {
		opts.Monitor = NewMonitor()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewJobTracker(0)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		monitor: opts.Monitor,
		session: opts.Session,
		jobs:    opts.Jobs,
		tracker: opts.Tracker,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}

	s.broadcaster = NewFrameBroadcaster(opts.Frames, opts.Renderer, s.monitor, cfg.MJPEGInterval, cfg.JPEGQuality, &m.StreamClients)
	s.broadcaster.Start()

	s.detectionBroadcaster = NewDetectionBroadcaster(s.monitor, &m.EventClients)
	s.detectionBroadcaster.Start()

	s.statusBroadcaster = NewStatusBroadcaster(func() any { return s.statusPayload() }, cfg.StatusInterval, &m.EventClients)
	s.statusBroadcaster.Start()

	return s
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/status/stream", s.handleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/api/detections/stream", s.handleDetectionsStream).Methods(http.MethodGet)
	r.HandleFunc("/api/detections/ws", s.handleDetectionsWS).Methods(http.MethodGet)

	r.HandleFunc("/api/session/start", s.handleSessionStart).Methods(http.MethodPost)
	r.HandleFunc("/api/session/stop", s.handleSessionStop).Methods(http.MethodPost)
	r.HandleFunc("/api/session/params", s.handleSessionParams).Methods(http.MethodPost)

	r.HandleFunc("/api/jobs", s.handleJobCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs", s.handleJobList).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", s.handleJobGet).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/artifact", s.handleJobArtifact).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Close stops the broadcasters, the live session and any job being
// awaited in the background.
func (s *Server) Close() error {
	s.cancel()
	s.broadcaster.Stop()
	s.detectionBroadcaster.Stop()
	s.statusBroadcaster.Stop()

	var err error
	if s.session != nil {
		err = s.session.Stop()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) statusPayload() map[string]any {
	monitorStats, latest, history, lastErr := s.monitor.Snapshot()
	payload := map[string]any{
		"monitor":           monitorStats,
		"latest_detection":  latest,
		"detection_history": history,
		"last_error":        lastErr,
		"active_jobs":       s.tracker.Active(),
		"uptime_seconds":    int64(s.monitor.Uptime().Seconds()),
		"timestamp":         float64(time.Now().Unix()),
	}
	if s.session != nil {
		payload["session"] = s.session.Status()
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.statusBroadcaster.Subscribe()
	defer s.statusBroadcaster.Unsubscribe(id)

	// Send the current status immediately instead of waiting a full interval.
	initial, err := serializeEvent(s.statusPayload())
	if err != nil {
		logger.Error("WebMonitor", "Status serialize error: %v", err)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, initial, wantsProtobuf(r))
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detectionBroadcaster.Subscribe()
	defer s.detectionBroadcaster.Unsubscribe(id)

	var initial *SerializedEvent
	if latest := s.monitor.Latest(); latest != nil {
		initial, _ = serializeEvent(latest)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, initial, wantsProtobuf(r))
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, errors.New("live session is not configured"), http.StatusServiceUnavailable)
		return
	}

	st, err := s.session.Start(s.ctx)
	if err != nil {
		status := http.StatusServiceUnavailable
		switch {
		case errors.Is(err, inference.ErrNoCredential):
			status = http.StatusUnauthorized
		case errors.Is(err, camera.ErrNoSource):
			status = http.StatusBadRequest
		case errors.Is(err, camera.ErrSourceBusy):
			status = http.StatusConflict
		}
		writeError(w, err, status)
		return
	}
	// Start has stopped the previous session, so nothing of it can still
	// be applied.
	s.monitor.Begin(st.SessionID)
	writeJSON(w, map[string]any{"status": "started", "session": st})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, errors.New("live session is not configured"), http.StatusServiceUnavailable)
		return
	}
	if err := s.session.Stop(); err != nil {
		logger.Warn("WebMonitor", "Releasing source: %v", err)
	}
	writeJSON(w, map[string]any{"status": "stopped", "session": s.session.Status()})
}

type sessionParams struct {
	Confidence    *float64 `json:"confidence"`
	MinIntervalMs *int64   `json:"min_interval_ms"`
}

func (s *Server) handleSessionParams(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, errors.New("live session is not configured"), http.StatusServiceUnavailable)
		return
	}

	var p sessionParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&p); err != nil {
		writeError(w, errors.New("invalid params"), http.StatusBadRequest)
		return
	}

	resp := map[string]any{}
	if p.Confidence != nil {
		resp["confidence"] = s.session.SetConfidence(*p.Confidence)
	}
	if p.MinIntervalMs != nil {
		applied := s.session.SetMinInterval(time.Duration(*p.MinIntervalMs) * time.Millisecond)
		resp["min_interval_ms"] = applied.Milliseconds()
	}
	resp["session"] = s.session.Status()
	writeJSON(w, resp)
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, errors.New("video analysis is not configured"), http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, fmt.Errorf("invalid upload: %w", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, job.ErrNoVideo, http.StatusBadRequest)
		return
	}
	defer file.Close()

	conf, err := formFloat(r, "conf", s.cfg.Confidence)
	if err != nil || conf < 0 || conf > 1 {
		writeError(w, errors.New("conf must be a number in [0,1]"), http.StatusBadRequest)
		return
	}
	stride, err := formInt(r, "stride", s.cfg.Stride)
	if err != nil || stride < 1 {
		writeError(w, errors.New("stride must be a positive integer"), http.StatusBadRequest)
		return
	}

	j, err := s.jobs.Submit(r.Context(), inference.VideoRequest{
		Filename:   header.Filename,
		Video:      file,
		Confidence: conf,
		Stride:     stride,
	})
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "job": j}, job.StatusCode(err))
		return
	}
	s.tracker.Observe(j)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		final, err := s.jobs.Await(s.ctx, j)
		if err != nil {
			logger.Warn("WebMonitor", "Job %s ended with error: %v", final.ID, err)
		}
		s.tracker.Observe(final)
	}()

	writeJSONWithStatus(w, j, http.StatusAccepted)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"jobs": s.tracker.List()})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, ok := s.tracker.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, errors.New("job not found"), http.StatusNotFound)
		return
	}
	writeJSON(w, j)
}

func (s *Server) handleJobArtifact(w http.ResponseWriter, r *http.Request) {
	j, ok := s.tracker.Get(mux.Vars(r)["id"])
	switch {
	case !ok:
		writeError(w, errors.New("job not found"), http.StatusNotFound)
		return
	case j.Abandoned && !j.State.Terminal():
		writeError(w, fmt.Errorf("status polling abandoned: %s", j.PollError), http.StatusGone)
		return
	case !j.State.Terminal():
		writeError(w, fmt.Errorf("job is %s", j.State), http.StatusConflict)
		return
	case !j.HasArtifact():
		msg := j.ArtifactError
		if msg == "" {
			msg = "no artifact for this job"
		}
		writeError(w, errors.New(msg), http.StatusNotFound)
		return
	}

	if ct := artifactContentType(j.ArtifactPath); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, j.ArtifactPath)
}

// videoTypes covers containers missing from minimal mime tables.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
}

func artifactContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

func formFloat(r *http.Request, key string, def float64) (float64, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

func formInt(r *http.Request, key string, def int) (int, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
