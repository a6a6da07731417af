// Package inference is the HTTP client for the external bird detection
// service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/birdwatch/internal/detection"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/pkg/types"
)

const maxJSONBody = 16 << 20

// TokenSource yields the bearer credential for each request.
type TokenSource func() (string, error)

// StaticToken always returns tok.
func StaticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

// FileToken re-reads the credential from path on every request so a
// refreshed token is picked up without a restart.
func FileToken(path string) TokenSource {
	return func() (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
}

// Paths are the service endpoints, relative to the base URL.
type Paths struct {
	PredictFrame string
	PredictImage string
	PredictVideo string
	Status       string // job id is appended
}

// DefaultPaths returns the service's standard endpoints.
func DefaultPaths() Paths {
	return Paths{
		PredictFrame: "/predict_frame",
		PredictImage: "/predict",
		PredictVideo: "/predict_video",
		Status:       "/status/",
	}
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Paths      Paths
}

// Client talks to the inference service.
type Client struct {
	base  *url.URL
	token TokenSource
	http  *http.Client
	paths Paths
	log   logger.Module
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("inference: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("inference: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("inference: unsupported base URL scheme %q", base.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	defaults := DefaultPaths()
	if cfg.Paths.PredictFrame == "" {
		cfg.Paths.PredictFrame = defaults.PredictFrame
	}
	if cfg.Paths.PredictImage == "" {
		cfg.Paths.PredictImage = defaults.PredictImage
	}
	if cfg.Paths.PredictVideo == "" {
		cfg.Paths.PredictVideo = defaults.PredictVideo
	}
	if cfg.Paths.Status == "" {
		cfg.Paths.Status = defaults.Status
	}
	return &Client{
		base:  base,
		token: cfg.Token,
		http:  cfg.HTTPClient,
		paths: cfg.Paths,
		log:   logger.For("Inference"),
	}, nil
}

// CheckCredential reports ErrNoCredential when no token is available.
func (c *Client) CheckCredential() error {
	_, err := c.bearer()
	return err
}

func (c *Client) bearer() (string, error) {
	if c.token == nil {
		return "", ErrNoCredential
	}
	tok, err := c.token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if tok == "" {
		return "", ErrNoCredential
	}
	return tok, nil
}

// ResolveURL turns an artifact reference into an absolute URL. Relative
// references are joined onto the base URL path.
func (c *Client) ResolveURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse artifact url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	out := *c.base
	out.Path = path.Join("/", c.base.Path, u.Path)
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	out.Fragment = ""
	return out.String(), nil
}

func (c *Client) endpoint(p string) string {
	u, _ := c.ResolveURL(p)
	return u
}

// newRequest attaches credentials and tracing headers. The bearer is only
// sent to the service host.
func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if req.URL.Host == c.base.Host {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// send performs req and returns the body of a 2xx response. Failures are
// classified into the package error types.
func (c *Client) send(op string, req *http.Request) ([]byte, int, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if detail, ok := serviceDetail(body); ok {
			return nil, resp.StatusCode, &ServiceError{Op: op, StatusCode: resp.StatusCode, Detail: detail}
		}
		return nil, resp.StatusCode, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	return body, resp.StatusCode, nil
}

type predictResponse struct {
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	NumDetections int                    `json:"num_detections"`
	Detections    *[]detection.Detection `json:"detections"`
}

func decodePredict(op string, status int, body []byte) (*detection.Batch, error) {
	if detail, ok := serviceDetail(body); ok {
		return nil, &ServiceError{Op: op, StatusCode: status, Detail: detail}
	}
	var pr predictResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, &MalformedError{Op: op, Err: err}
	}
	if pr.Detections == nil {
		return nil, &MalformedError{Op: op, Err: errors.New("missing detections field")}
	}
	return &detection.Batch{
		Detections:   *pr.Detections,
		SourceWidth:  pr.Width,
		SourceHeight: pr.Height,
	}, nil
}

func imageForm(filename string, data io.Reader, fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, data); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func formatConf(conf float64) string {
	return strconv.FormatFloat(conf, 'f', -1, 64)
}

// PredictFrame sends one live frame. The returned batch is sized to the
// frame that was submitted.
func (c *Client) PredictFrame(ctx context.Context, frame *types.Frame, conf float64) (*detection.Batch, error) {
	const op = "predict_frame"
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("%s: empty frame", op)
	}
	body, ctype, err := imageForm("frame.jpg", bytes.NewReader(frame.Data), map[string]string{"conf": formatConf(conf)})
	if err != nil {
		return nil, fmt.Errorf("%s: build form: %w", op, err)
	}
	batch, err := c.predict(ctx, op, c.paths.PredictFrame, body, ctype)
	if err != nil {
		return nil, err
	}
	if frame.Width > 0 && frame.Height > 0 {
		batch.SourceWidth, batch.SourceHeight = frame.Width, frame.Height
	}
	return batch, nil
}

// PredictImage runs detection on a still image file.
func (c *Client) PredictImage(ctx context.Context, filename string, r io.Reader, conf float64) (*detection.Batch, error) {
	const op = "predict_image"
	body, ctype, err := imageForm(filename, r, map[string]string{"conf": formatConf(conf)})
	if err != nil {
		return nil, fmt.Errorf("%s: build form: %w", op, err)
	}
	return c.predict(ctx, op, c.paths.PredictImage, body, ctype)
}

func (c *Client) predict(ctx context.Context, op, p string, body io.Reader, ctype string) (*detection.Batch, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(p), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ctype)

	raw, status, err := c.send(op, req)
	if err != nil {
		return nil, err
	}
	return decodePredict(op, status, raw)
}

// SubmitVideo uploads a clip for asynchronous analysis. The upload is
// streamed.
func (c *Client) SubmitVideo(ctx context.Context, vr VideoRequest) (*Submission, error) {
	const op = "predict_video"
	if vr.Video == nil {
		return nil, fmt.Errorf("%s: no video", op)
	}
	if _, err := c.bearer(); err != nil {
		return nil, err
	}

	filename := vr.Filename
	if filename == "" {
		filename = "video.mp4"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("conf", formatConf(vr.Confidence)); err != nil {
				return err
			}
			if vr.Stride > 0 {
				if err := mw.WriteField("stride", strconv.Itoa(vr.Stride)); err != nil {
					return err
				}
			}
			fw, err := mw.CreateFormFile("file", path.Base(filename))
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, vr.Video); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(c.paths.PredictVideo), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, status, err := c.send(op, req)
	pr.Close()
	if err != nil {
		return nil, err
	}
	if detail, ok := serviceDetail(raw); ok {
		return nil, &ServiceError{Op: op, StatusCode: status, Detail: detail}
	}

	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, &MalformedError{Op: op, Err: err}
	}
	if sub.JobID == "" {
		return nil, &MalformedError{Op: op, Err: errors.New("missing job_id")}
	}
	c.log.Info("Submitted %s as job %s (cached=%v)", filename, sub.JobID, sub.Cached)
	return &sub, nil
}

// JobStatus polls one job. A 2xx body with state "error" is a valid status,
// not an error return.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	const op = "status"
	if jobID == "" {
		return nil, fmt.Errorf("%s: empty job id", op)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(c.paths.Status+url.PathEscape(jobID)), nil)
	if err != nil {
		return nil, err
	}
	raw, status, err := c.send(op, req)
	if err != nil {
		return nil, err
	}

	var st JobStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, &MalformedError{Op: op, Err: err}
	}
	if st.State == "" {
		if detail, ok := serviceDetail(raw); ok {
			return nil, &ServiceError{Op: op, StatusCode: status, Detail: detail}
		}
		return nil, &MalformedError{Op: op, Err: errors.New("missing state")}
	}
	return &st, nil
}

// FetchArtifact downloads the annotated asset at ref into w and returns the
// number of bytes written.
func (c *Client) FetchArtifact(ctx context.Context, ref string, w io.Writer) (int64, error) {
	const op = "artifact"
	if ref == "" {
		return 0, fmt.Errorf("%s: empty url", op)
	}
	target, err := c.ResolveURL(ref)
	if err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if detail, ok := serviceDetail(body); ok {
			return 0, &ServiceError{Op: op, StatusCode: resp.StatusCode, Detail: detail}
		}
		return 0, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return n, nil
}
