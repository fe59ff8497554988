package watchlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"signal-engine/internal/stage"
)

// Indexer stores documents; elasticsearch.Client implements it.
type Indexer interface {
	Index(ctx context.Context, index, id string, doc []byte) error
}

// IndexSink mirrors transition events into a search index, keyed by event id
// so retries overwrite instead of duplicating.
type IndexSink struct {
	client Indexer
	index  string
}

func NewIndexSink(client Indexer, index string) *IndexSink {
	return &IndexSink{client: client, index: index}
}

func (s *IndexSink) Append(ctx context.Context, ev stage.TransitionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.Index(ctx, s.index, ev.ID, doc); err != nil {
		return fmt.Errorf("index transition %s: %w", ev.ID, err)
	}
	return nil
}

// WebhookSink posts each event to the URL configured for its direction.
// A direction without a URL is skipped.
type WebhookSink struct {
	urls   map[string]string
	client *http.Client
}

func NewWebhookSink(promotionURL, demotionURL string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		urls: map[string]string{
			stage.DirectionPromotion: promotionURL,
			stage.DirectionDemotion:  demotionURL,
		},
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether any direction has a URL.
func (s *WebhookSink) Enabled() bool {
	for _, u := range s.urls {
		if u != "" {
			return true
		}
	}
	return false
}

func (s *WebhookSink) Append(ctx context.Context, ev stage.TransitionEvent) error {
	url := s.urls[ev.Direction]
	if url == "" {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", ev.Direction, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook status=%d", ev.Direction, resp.StatusCode)
	}
	return nil
}

// Multi appends to every sink and combines their failures.
type Multi []stage.EventSink

func (m Multi) Append(ctx context.Context, ev stage.TransitionEvent) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Append(ctx, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
