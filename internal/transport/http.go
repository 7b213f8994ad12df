package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport fetches ranges from an HTTP origin with Range requests.
// The origin must honor single byte ranges (respond 206).
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTP returns a transport for the given URL. A nil client gets a
// default with a 30 second timeout.
func NewHTTP(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{url: url, client: client}
}

// FetchRange implements Transport.
func (t *HTTPTransport) FetchRange(ctx context.Context, start, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch [%d, %d): %w", start, start+length, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("origin answered %s to range request [%d, %d)", resp.Status, start, start+length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, fmt.Errorf("read range body: %w", err)
	}
	return buf, nil
}
