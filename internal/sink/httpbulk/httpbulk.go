// Package httpbulk posts document batches to an Elasticsearch-compatible
// _bulk endpoint.
//
// Requests go through go-retryablehttp, so connection errors and 5xx/429
// responses are retried with exponential backoff. A 200 response can still
// carry per-item failures; those are returned as a *sink.BulkError and are
// not retried.
package httpbulk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"docfeed/internal/config"
	"docfeed/internal/document"
	"docfeed/internal/sink"
)

func init() {
	sink.Register("http", func(_ context.Context, opts config.Options) (sink.Sink, error) {
		return New(Config{
			URL:                opts.String("url", ""),
			Username:           opts.String("username", ""),
			Password:           opts.String("password", ""),
			Timeout:            opts.Duration("timeout", 0),
			MaxRetries:         opts.Int("max_retries", 3),
			InitialBackoff:     opts.Duration("initial_backoff", 0),
			MaxBackoff:         opts.Duration("max_backoff", 0),
			InsecureSkipVerify: opts.Bool("insecure_skip_verify", false),
			Refresh:            opts.Bool("refresh", false),
			Headers:            opts.StringMap("headers"),
		})
	})
}

// Config configures the bulk client. Zero values get defaults:
// Timeout 30s, InitialBackoff 200ms, MaxBackoff 5s.
type Config struct {
	// URL is the cluster base URL, e.g. http://localhost:9200.
	URL string

	Username string
	Password string

	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	InsecureSkipVerify bool

	// Refresh calls {url}/_refresh on Flush so written documents are
	// searchable when the run ends.
	Refresh bool

	// Headers are added to every request.
	Headers map[string]string

	// Transport overrides the default transport (tests).
	Transport http.RoundTripper
}

// Sink is a sink.BulkSink over HTTP. Per-document calls are buffered and
// sent on Flush.
type Sink struct {
	cfg    Config
	client *retryablehttp.Client
	base   string

	mu      sync.Mutex
	pending []*document.Document
}

// New builds the client. No request is made until the first batch.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("httpbulk: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
		}
	}

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	c.RetryMax = cfg.MaxRetries
	c.RetryWaitMin = cfg.InitialBackoff
	c.RetryWaitMax = cfg.MaxBackoff
	c.Logger = leveled{}

	return &Sink{cfg: cfg, client: c, base: strings.TrimRight(cfg.URL, "/")}, nil
}

func (s *Sink) Create(_ context.Context, d *document.Document) error { return s.buffer(d) }
func (s *Sink) Index(_ context.Context, d *document.Document) error  { return s.buffer(d) }
func (s *Sink) Update(_ context.Context, d *document.Document) error { return s.buffer(d) }
func (s *Sink) Delete(_ context.Context, d *document.Document) error { return s.buffer(d) }

func (s *Sink) buffer(d *document.Document) error {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	return nil
}

// Bulk sends docs in one request.
func (s *Sink) Bulk(ctx context.Context, docs []*document.Document) error {
	if len(docs) == 0 {
		return nil
	}
	var body bytes.Buffer
	for _, d := range docs {
		if err := sink.AppendBulk(&body, d); err != nil {
			return err
		}
	}

	resp, err := s.do(ctx, http.MethodPost, s.base+"/_bulk", body.Bytes())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("httpbulk: POST _bulk: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return decodeResponse(resp.Body)
}

// Flush sends buffered per-document calls and optionally refreshes.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	docs := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := s.Bulk(ctx, docs); err != nil {
		return err
	}
	if !s.cfg.Refresh {
		return nil
	}
	resp, err := s.do(ctx, http.MethodPost, s.base+"/_refresh", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httpbulk: POST _refresh: status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (s *Sink) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, fmt.Errorf("httpbulk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpbulk: %s %s: %w", method, url, err)
	}
	return resp, nil
}

type bulkResponse struct {
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkItemResponse `json:"items"`
}

type bulkItemResponse struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func decodeResponse(r io.Reader) error {
	var br bulkResponse
	if err := json.NewDecoder(r).Decode(&br); err != nil {
		return fmt.Errorf("httpbulk: decode response: %w", err)
	}
	if !br.Errors {
		return nil
	}
	be := &sink.BulkError{}
	for _, item := range br.Items {
		for op, res := range item {
			if res.Error == nil && res.Status < 300 {
				continue
			}
			ie := sink.ItemError{Op: document.OpType(op), Index: res.Index, ID: res.ID, Status: res.Status}
			if res.Error != nil {
				ie.Reason = res.Error.Type + ": " + res.Error.Reason
			}
			be.Items = append(be.Items, ie)
		}
	}
	if len(be.Items) == 0 {
		return nil
	}
	return be
}

// leveled adapts logrus to retryablehttp.LeveledLogger.
type leveled struct{}

func (leveled) Error(msg string, kv ...interface{}) { log.WithFields(fields(kv)).Error("httpbulk: " + msg) }
func (leveled) Warn(msg string, kv ...interface{})  { log.WithFields(fields(kv)).Warn("httpbulk: " + msg) }
func (leveled) Info(msg string, kv ...interface{})  { log.WithFields(fields(kv)).Debug("httpbulk: " + msg) }
func (leveled) Debug(msg string, kv ...interface{}) { log.WithFields(fields(kv)).Debug("httpbulk: " + msg) }

func fields(kv []interface{}) log.Fields {
	f := make(log.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
