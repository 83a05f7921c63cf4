// Package client talks to sentineld.
//
// Client covers the REST surface: submitting samples (JSON or CBOR,
// optionally compressed) and the read-only queries. Requests go through
// go-retryablehttp, so connection failures and 5xx answers are retried
// with backoff. Watch (stream.go) follows the TCP live stream.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/codec"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// maxResponseSize bounds a response body the client will decode.
const maxResponseSize = 32 * 1024 * 1024

// Config holds client configuration.
type Config struct {
	// ServerURL is the sentineld base URL, e.g. http://localhost:8080.
	ServerURL string

	// Format and Encoding select how Submit encodes its payload.
	Format   codec.Format
	Encoding string

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Quiet disables retry logging.
	Quiet bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:    config.DefaultServerURL,
		Format:       codec.FormatJSON,
		Encoding:     codec.EncodingIdentity,
		MaxRetries:   config.DefaultAgentMaxRetries,
		RetryWaitMin: time.Second,
		RetryWaitMax: 10 * time.Second,
		Timeout:      config.DefaultAgentTimeout,
	}
}

// Client is an HTTP client for sentineld.
type Client struct {
	base *url.URL
	cfg  Config
	http *retryablehttp.Client
}

// New creates a client. Zero config values take the defaults.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.ServerURL == "" {
		cfg.ServerURL = def.ServerURL
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = max(def.RetryWaitMax, cfg.RetryWaitMin)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	enc, err := codec.ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	cfg.Encoding = enc

	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w: %w", errors.ErrInvalidConfig, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: %w: scheme must be http or https", cfg.ServerURL, errors.ErrInvalidConfig)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	// Hand the last response back instead of a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Quiet {
		rc.Logger = nil
	} else {
		rc.Logger = logging.Component("client")
	}

	return &Client{base: base, cfg: cfg, http: rc}, nil
}

// ServerURL returns the normalized base URL.
func (c *Client) ServerURL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Submit sends samples to POST /api/metrics and returns the server's
// acknowledgement.
func (c *Client) Submit(ctx context.Context, samples ...types.Sample) (ingestion.Ack, error) {
	var ack ingestion.Ack
	if len(samples) == 0 {
		return ack, fmt.Errorf("submit: %w: no samples", errors.ErrInvalidSample)
	}

	var (
		body []byte
		err  error
	)
	if len(samples) == 1 {
		body, err = codec.EncodeSample(samples[0], c.cfg.Format)
	} else {
		body, err = codec.EncodeSamples(samples, c.cfg.Format)
	}
	if err != nil {
		return ack, errors.Wrap(err, "encode samples")
	}
	if body, err = codec.Compress(body, c.cfg.Encoding); err != nil {
		return ack, errors.Wrap(err, "compress payload")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/metrics", nil), body)
	if err != nil {
		return ack, err
	}
	req.Header.Set("Content-Type", c.cfg.Format.ContentType())
	if c.cfg.Encoding != codec.EncodingIdentity {
		req.Header.Set("Content-Encoding", c.cfg.Encoding)
	}
	req.Header.Set("Accept", codec.ContentTypeJSON)

	if err = c.do(req, http.StatusAccepted, &ack); err != nil {
		return ack, err
	}
	if ack.Refused > 0 {
		// The first ack.Accepted samples are in; only the tail may be resent.
		return ack, fmt.Errorf("%w: %d of %d samples refused", errors.ErrShuttingDown, ack.Refused, len(samples))
	}
	return ack, nil
}

// Statuses returns the status of every known device.
func (c *Client) Statuses(ctx context.Context) ([]types.DeviceStatus, error) {
	var out []types.DeviceStatus
	err := c.get(ctx, "/api/metrics/status", nil, &out)
	return out, err
}

// Status returns the status of one device.
func (c *Client) Status(ctx context.Context, deviceID string) (types.DeviceStatus, error) {
	var out types.DeviceStatus
	err := c.get(ctx, "/api/metrics/"+deviceID+"/status", nil, &out)
	return out, err
}

// Devices returns the sorted ids of every known device.
func (c *Client) Devices(ctx context.Context) ([]string, error) {
	var out []string
	err := c.get(ctx, "/api/metrics/devices", nil, &out)
	return out, err
}

// HistoryQuery narrows a history request. Zero fields are omitted.
type HistoryQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

func (q HistoryQuery) values() url.Values {
	v := url.Values{}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// History returns persisted samples of one device, newest first.
func (c *Client) History(ctx context.Context, deviceID string, q HistoryQuery) ([]types.Sample, error) {
	var out []types.Sample
	err := c.get(ctx, "/api/metrics/"+deviceID, q.values(), &out)
	return out, err
}

// Summary returns percentile summaries of one device since the given
// time. A zero since means the server's default window.
func (c *Client) Summary(ctx context.Context, deviceID string, since time.Time) (types.DeviceSummary, error) {
	var out types.DeviceSummary
	v := url.Values{}
	if !since.IsZero() {
		v.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	err := c.get(ctx, "/api/metrics/"+deviceID+"/summary", v, &out)
	return out, err
}

// Health checks /healthz. It does not retry.
func (c *Client) Health(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/healthz", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.HTTPClient.Do(req.Request)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrConnectionFailed, err)
	}
	return decodeResponse(resp, http.StatusOK, nil)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", codec.ContentTypeJSON)
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *retryablehttp.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w: %w", req.Method, req.URL.Path, errors.ErrConnectionFailed, err)
	}
	return decodeResponse(resp, want, out)
}

// apiError is the server's error body.
type apiError struct {
	Error     string   `json:"error"`
	Problems  []string `json:"problems"`
	RequestID string   `json:"requestId"`
}

// StatusError is returned for an unexpected HTTP status. It unwraps to
// the sentinel error mapped from the status code.
type StatusError struct {
	Code      int
	Message   string
	Problems  []string
	RequestID string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("server answered %d: %s", e.Code, msg)
}

func (e *StatusError) Unwrap() error {
	if err := errors.StatusToError(e.Code); err != nil {
		return err
	}
	return errors.ErrInternal
}

func decodeResponse(resp *http.Response, want int, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != want {
		se := &StatusError{Code: resp.StatusCode}
		var body apiError
		if json.Unmarshal(data, &body) == nil {
			se.Message = body.Error
			se.Problems = body.Problems
			se.RequestID = body.RequestID
		} else {
			se.Message = strings.TrimSpace(string(data))
		}
		return se
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
