// Package remote is the HTTP collaborator for the board snapshot and
// auth endpoints (§6), and owns forcing direct connections for the
// lifetime of the process (§6 "Environment").
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/paintgrid/painter/internal/canvasmirror"
	"github.com/paintgrid/painter/internal/targetmap"
)

// HTTPTimeout is the per-request timeout for snapshot/auth calls (§5).
const HTTPTimeout = 10 * time.Second

// snapshotRetryAttempts and snapshotRetryCap implement the "exponential
// backoff capped at 8s over four attempts" rule in §5.
const (
	snapshotRetryAttempts = 4
	snapshotRetryCap      = 8 * time.Second
)

// ForceDirectConnections clears HTTP_PROXY/HTTPS_PROXY/ALL_PROXY (and
// their lowercase forms) from the process environment and widens
// NO_PROXY to cover host and loopback, per §6. It must run once before
// any *http.Client or websocket.Dialer is constructed, since both
// default to consulting the environment for a proxy.
func ForceDirectConnections(host string) {
	for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy", "ALL_PROXY", "all_proxy"} {
		os.Unsetenv(key)
	}
	existing := os.Getenv("NO_PROXY")
	extra := []string{"localhost", "127.0.0.1", "::1"}
	if host != "" {
		extra = append(extra, host)
	}
	merged := strings.Join(extra, ",")
	if existing != "" {
		merged = existing + "," + merged
	}
	os.Setenv("NO_PROXY", merged)
	os.Setenv("no_proxy", merged)
}

// NewHTTPClient builds a client whose transport never consults the
// environment for a proxy, so later environment mutation by other code
// cannot re-introduce one for painter traffic.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	return &http.Client{
		Timeout:   HTTPTimeout,
		Transport: transport,
	}
}

// Client talks to the paintboard's HTTP surface.
type Client struct {
	HTTP         *http.Client
	SnapshotURL  string
	AuthURL      string
}

// New builds a Client for the given bare host name (e.g.
// "paintboard.example.org"); the https:// scheme is prepended here.
func New(host string) *Client {
	return &Client{
		HTTP:        NewHTTPClient(),
		SnapshotURL: "https://" + host + "/api/paintboard/getboard",
		AuthURL:     "https://" + host + "/api/auth/gettoken",
	}
}

// FetchSnapshot fetches the full board snapshot, retrying with
// exponential backoff capped at snapshotRetryCap over snapshotRetryAttempts
// tries (§5, §7 "Snapshot: HTTP fetch fails -> Retry with backoff").
func (c *Client) FetchSnapshot(ctx context.Context) (map[targetmap.Pos]targetmap.Color, error) {
	var lastErr error
	delay := 500 * time.Millisecond

	for attempt := 1; attempt <= snapshotRetryAttempts; attempt++ {
		pixels, err := c.fetchSnapshotOnce(ctx)
		if err == nil {
			return pixels, nil
		}
		lastErr = err

		if attempt == snapshotRetryAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > snapshotRetryCap {
			delay = snapshotRetryCap
		}
	}
	return nil, fmt.Errorf("fetching board snapshot after %d attempts: %w", snapshotRetryAttempts, lastErr)
}

func (c *Client) fetchSnapshotOnce(ctx context.Context) (map[targetmap.Pos]targetmap.Color, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.SnapshotURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building snapshot request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}

	return canvasmirror.DecodeSnapshot(body)
}
