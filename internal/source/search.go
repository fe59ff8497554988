package source

import (
	"context"
	"encoding/json"
	"fmt"

	"signal-engine/internal/elasticsearch"
	"signal-engine/internal/model"
)

// Searcher runs a query DSL body; elasticsearch.Client implements it.
type Searcher interface {
	Search(ctx context.Context, index string, body []byte) (*elasticsearch.Response, error)
}

type SearchConfig struct {
	Index       string
	TimeWindow  string
	Size        int
	QueryString string
}

// SearchSource polls an index of observation documents and yields the latest
// document per token inside the time window.
type SearchSource struct {
	client Searcher
	cfg    SearchConfig
}

func NewSearchSource(client Searcher, cfg SearchConfig) *SearchSource {
	if cfg.TimeWindow == "" {
		cfg.TimeWindow = "5m"
	}
	if cfg.Size <= 0 {
		cfg.Size = 200
	}
	return &SearchSource{client: client, cfg: cfg}
}

func (s *SearchSource) Name() string { return "search" }

func (s *SearchSource) query() map[string]any {
	filters := []any{
		map[string]any{
			"range": map[string]any{
				"@timestamp": map[string]any{
					"gte": "now-" + s.cfg.TimeWindow,
					"lt":  "now",
				},
			},
		},
	}
	if s.cfg.QueryString != "" {
		filters = append(filters, map[string]any{
			"query_string": map[string]any{
				"query":            s.cfg.QueryString,
				"default_operator": "AND",
			},
		})
	}
	return map[string]any{
		"size": s.cfg.Size,
		"sort": []map[string]any{
			{"@timestamp": map[string]any{"order": "desc"}},
		},
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}
}

func (s *SearchSource) Fetch(ctx context.Context) ([]model.Observation, error) {
	body, err := json.Marshal(s.query())
	if err != nil {
		return nil, err
	}
	res, err := s.client.Search(ctx, s.cfg.Index, body)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.cfg.Index, err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	// hits are newest first; keep the first per token
	seen := make(map[string]bool)
	out := make([]model.Observation, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		var obs model.Observation
		if err := json.Unmarshal(h.Source, &obs); err != nil {
			continue
		}
		key := obs.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, obs)
	}
	return stamp(s.Name(), out), nil
}
