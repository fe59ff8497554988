package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"signal-engine/internal/model"
)

// Feed polls an HTTP endpoint that returns observations as JSON.
type Feed struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewFeed(url string, headers map[string]string, timeout time.Duration) *Feed {
	return &Feed{url: url, headers: headers, client: &http.Client{Timeout: timeout}}
}

func (f *Feed) Name() string { return "feed" }

func (f *Feed) Fetch(ctx context.Context) ([]model.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feed status=%d", resp.StatusCode)
	}
	list, err := DecodeObservations(body)
	if err != nil {
		return nil, err
	}
	return stamp(f.Name(), list), nil
}
