package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Prober issues one lightweight liveness check against an instance address.
// A returned error, including a context deadline, counts as a probe failure.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// HTTPProber probes instances with a GET against their health path.
type HTTPProber struct {
	client *http.Client
	path   string
}

func NewHTTPProber(client *http.Client, path string) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	if path == "" {
		path = "/health"
	}
	return &HTTPProber{client: client, path: path}
}

func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	url := strings.TrimRight(address, "/") + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
