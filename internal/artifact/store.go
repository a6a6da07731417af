// Package artifact stores annotated assets downloaded from finished jobs.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store writes artifacts under a base directory, one file per job.
type Store struct {
	mu       sync.RWMutex
	basePath string
	entries  map[string]Status
}

// NewStore creates a store rooted at basePath. The directory is created on
// first use.
func NewStore(basePath string) *Store {
	return &Store{
		basePath: basePath,
		entries:  make(map[string]Status),
	}
}

// Create opens a writer for jobID. ext is the file extension including the
// dot; empty means ".mp4". The file only becomes visible under its final
// name after Commit.
func (s *Store) Create(jobID, ext string) (*Writer, error) {
	if jobID == "" {
		return nil, fmt.Errorf("artifact: empty job id")
	}
	if ext == "" {
		ext = ".mp4"
	}
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	filename := fmt.Sprintf("%s_%s%s", sanitize(jobID), time.Now().Format("20060102_150405"), sanitize(ext))
	finalPath := filepath.Join(s.basePath, filename)
	file, err := os.Create(finalPath + ".part")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	w := &Writer{
		store:     s,
		file:      file,
		jobID:     jobID,
		filename:  filename,
		finalPath: finalPath,
		startTime: time.Now(),
	}
	s.put(w.status(true, false))
	return w, nil
}

func (s *Store) put(st Status) {
	s.mu.Lock()
	s.entries[st.JobID] = st
	s.mu.Unlock()
}

func (s *Store) remove(jobID string) {
	s.mu.Lock()
	delete(s.entries, jobID)
	s.mu.Unlock()
}

// Status returns the last known state of jobID's artifact.
func (s *Store) Status(jobID string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[jobID]
	return st, ok
}

// Path returns the committed file for jobID.
func (s *Store) Path(jobID string) (string, bool) {
	st, ok := s.Status(jobID)
	if !ok || !st.Complete {
		return "", false
	}
	return st.Path, true
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// Writer receives one artifact download.
type Writer struct {
	store *Store

	mu           sync.Mutex
	file         *os.File
	jobID        string
	filename     string
	finalPath    string
	bytesWritten uint64
	startTime    time.Time
	duration     time.Duration
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	n, err := w.file.Write(p)
	w.bytesWritten += uint64(n)
	return n, err
}

// Commit flushes the file and moves it to its final name.
func (w *Writer) Commit() (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return Status{}, os.ErrClosed
	}

	file := w.file
	w.file = nil
	w.duration = time.Since(w.startTime)

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(file.Name())
		w.store.remove(w.jobID)
		return Status{}, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		w.store.remove(w.jobID)
		return Status{}, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(file.Name(), w.finalPath); err != nil {
		os.Remove(file.Name())
		w.store.remove(w.jobID)
		return Status{}, fmt.Errorf("failed to finalize file: %w", err)
	}

	st := w.status(false, true)
	w.store.put(st)
	return st, nil
}

// Abort discards a partial download.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	file := w.file
	w.file = nil
	file.Close()
	w.store.remove(w.jobID)
	if err := os.Remove(file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *Writer) status(writing, complete bool) Status {
	st := Status{
		JobID:        w.jobID,
		Filename:     w.filename,
		BytesWritten: w.bytesWritten,
		Duration:     w.duration,
		StartTime:    w.startTime,
		Writing:      writing,
		Complete:     complete,
	}
	if complete {
		st.Path = w.finalPath
	}
	return st
}

// Status describes one artifact download.
type Status struct {
	JobID        string        `json:"job_id"`
	Filename     string        `json:"filename"`
	Path         string        `json:"-"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
	Writing      bool          `json:"writing"`
	Complete     bool          `json:"complete"`
}
