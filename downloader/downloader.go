// Package downloader fetches service alerts feed snapshots, either
// live from the ministry's endpoint or replayed from archived files.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snapshot is one feed payload together with the time it represents.
// For live fetches that is the download time; for archived files it is
// the timestamp encoded in the filename.
type Snapshot struct {
	Data        []byte
	RetrievedAt time.Time
	Name        string
}

// Source provides feed snapshots.
type Source interface {
	// Fetch returns the next snapshot, or io.EOF when the source is
	// exhausted. Live sources never return io.EOF.
	Fetch(ctx context.Context) (*Snapshot, error)
}

// HTTPSource fetches the live feed over HTTP.
type HTTPSource struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	MaxSize int

	TimeNow func() time.Time
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		URL:     url,
		Timeout: 30 * time.Second,
		MaxSize: 50 * 1024 * 1024,
		TimeNow: time.Now,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Snapshot, error) {
	client := &http.Client{
		Timeout: s.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range s.Headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if s.MaxSize > 0 {
		reader = io.LimitReader(resp.Body, int64(s.MaxSize))
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return &Snapshot{
		Data:        body,
		RetrievedAt: s.TimeNow(),
		Name:        s.URL,
	}, nil
}
