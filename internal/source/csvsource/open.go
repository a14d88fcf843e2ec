package csvsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

func isURL(path string) bool {
	p := strings.ToLower(path)
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// open returns the raw input. A cancelled ctx fails before any I/O.
func (s *Source) open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isURL(s.cfg.Path) {
		return s.fetch(ctx)
	}
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("csvsource: open %s: %w", s.cfg.Path, err)
	}
	return f, nil
}

// fetch GETs the URL, retrying connection errors and 5xx responses. The
// body is streamed, not buffered.
func (s *Source) fetch(ctx context.Context) (io.ReadCloser, error) {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = s.cfg.Timeout
	c.RetryMax = s.cfg.MaxRetries
	c.Logger = log.WithField("source", "csv")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("csvsource: %w", err)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("csvsource: GET %s: %w", s.cfg.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("csvsource: GET %s: %s", s.cfg.Path, resp.Status)
	}
	return resp.Body, nil
}
