package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/birdwatch/pkg/types"
)

const testToken = "secret-token"

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", Token: StaticToken(testToken), HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c, srv
}

func requireAuth(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
	assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func testFrame() *types.Frame {
	return &types.Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Width: 640, Height: 360}
}

func TestPredictFrame(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		assert.Equal(t, "/api/predict_frame", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.4", r.FormValue("conf"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "frame.jpg", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, data)

		writeJSON(w, 200, map[string]interface{}{
			"width": 1280, "height": 720, "num_detections": 1,
			"detections": []map[string]interface{}{
				{"class": "robin", "confidence": 0.88, "bbox": []float64{10, 10, 100, 100}},
			},
		})
	}))

	batch, err := c.PredictFrame(context.Background(), testFrame(), 0.4)
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	assert.Equal(t, "robin", batch.Detections[0].Class)
	// Source size is the submitted frame, not the service's report.
	assert.Equal(t, 640, batch.SourceWidth)
	assert.Equal(t, 360, batch.SourceHeight)
}

func TestPredictFrameMalformed(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "predict_frame") {
			writeJSON(w, 200, map[string]interface{}{"width": 10})
			return
		}
		w.Write([]byte("not json"))
	}))

	_, err := c.PredictFrame(context.Background(), testFrame(), 0.25)
	assert.True(t, IsMalformed(err))

	_, err = c.PredictImage(context.Background(), "a.jpg", bytes.NewReader([]byte{1}), 0.25)
	assert.True(t, IsMalformed(err))
	assert.True(t, IsTransient(err))
}

func TestServiceErrorsAreVerbatim(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "predict_frame"):
			writeJSON(w, 500, map[string]string{"error": "CUDA out of memory"})
		case strings.HasSuffix(r.URL.Path, "predict"):
			writeJSON(w, 200, map[string]string{"error": "model not loaded"})
		default:
			writeJSON(w, 422, map[string]interface{}{"detail": []map[string]string{{"msg": "field required"}}})
		}
	}))

	_, err := c.PredictFrame(context.Background(), testFrame(), 0.25)
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "CUDA out of memory", se.Detail)
	assert.Equal(t, 500, se.StatusCode)

	_, err = c.PredictImage(context.Background(), "a.jpg", bytes.NewReader([]byte{1}), 0.25)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "model not loaded", se.Detail)
	assert.False(t, IsTransient(err))

	_, err = c.SubmitVideo(context.Background(), VideoRequest{Video: strings.NewReader("x")})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, `[{"msg":"field required"}]`, se.Detail)
}

func TestTransportErrorOnBareStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))

	_, err := c.JobStatus(context.Background(), "job-1")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 502, te.StatusCode)
	assert.True(t, IsTransient(err))
}

func TestMissingCredentialSendsNothing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: StaticToken("")})
	require.NoError(t, err)

	assert.ErrorIs(t, c.CheckCredential(), ErrNoCredential)
	_, err = c.PredictFrame(context.Background(), testFrame(), 0.25)
	assert.ErrorIs(t, err, ErrNoCredential)
	_, err = c.SubmitVideo(context.Background(), VideoRequest{Video: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(0), hits.Load())
}

func TestFileToken(t *testing.T) {
	p := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(p, []byte("abc\n"), 0o600))
	tok, err := FileToken(p)()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	c, err := New(Config{BaseURL: "http://localhost:1", Token: FileToken(filepath.Join(t.TempDir(), "missing"))})
	require.NoError(t, err)
	assert.ErrorIs(t, c.CheckCredential(), ErrNoCredential)
}

func TestSubmitVideoStreamsForm(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		assert.Equal(t, "/api/predict_video", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.3", r.FormValue("conf"))
		assert.Equal(t, "5", r.FormValue("stride"))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "clip.mp4", hdr.Filename)
		writeJSON(w, 200, map[string]interface{}{"job_id": "abc123", "cached": true})
	}))

	sub, err := c.SubmitVideo(context.Background(), VideoRequest{
		Filename:   "/tmp/clip.mp4",
		Video:      strings.NewReader("fake mp4 bytes"),
		Confidence: 0.3,
		Stride:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", sub.JobID)
	assert.True(t, sub.Cached)
}

func TestJobStatusStates(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status/ok":
			writeJSON(w, 200, map[string]interface{}{
				"state": "done", "progress": 1.0, "message": "finished",
				"result": map[string]interface{}{
					"video_url":           "/videos/ok.mp4",
					"top_species_overall": "robin",
					"video_info":          map[string]interface{}{"fps": 25.0, "frame_count": 250},
				},
			})
		case "/api/status/failed":
			writeJSON(w, 200, map[string]interface{}{"state": "error", "error": "codec not supported"})
		default:
			writeJSON(w, 200, map[string]interface{}{"progress": 0.5})
		}
	}))

	st, err := c.JobStatus(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)
	require.NotNil(t, st.Result)
	assert.Equal(t, "robin", st.Result.TopSpeciesOverall)
	assert.InDelta(t, 10.0, st.Result.VideoInfo.Duration(), 1e-9)

	st, err = c.JobStatus(context.Background(), "failed")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, "codec not supported", st.Error)

	_, err = c.JobStatus(context.Background(), "weird")
	assert.True(t, IsMalformed(err))
}

func TestResolveURL(t *testing.T) {
	c, err := New(Config{BaseURL: "https://birds.example.com/api/", Token: StaticToken("t")})
	require.NoError(t, err)

	cases := map[string]string{
		"/videos/a.mp4":                 "https://birds.example.com/api/videos/a.mp4",
		"videos/a.mp4?sig=1":            "https://birds.example.com/api/videos/a.mp4?sig=1",
		"https://cdn.example.com/a.mp4": "https://cdn.example.com/a.mp4",
	}
	for in, want := range cases {
		got, err := c.ResolveURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestFetchArtifact(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		if r.URL.Path == "/api/videos/ok.mp4" {
			w.Write([]byte("annotated-bytes"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	var buf bytes.Buffer
	n, err := c.FetchArtifact(context.Background(), "/videos/ok.mp4", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("annotated-bytes")), n)
	assert.Equal(t, "annotated-bytes", buf.String())

	_, err = c.FetchArtifact(context.Background(), "/videos/nope.mp4", io.Discard)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 401, te.StatusCode)
}

func TestNewRejectsBadBase(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://x"})
	assert.Error(t, err)
}
