package model

import (
	"encoding/json"
	"time"
)

// Mode is the dispatch classification of an alert.
type Mode string

const (
	ModeNearPass Mode = "near_pass"
	ModePass     Mode = "pass"
	ModeRug      Mode = "rug"
)

// Metric keys used in Observation.Metrics.
const (
	MetricLiquidity       = "liquidity"
	MetricVolume5m        = "volume_5m"
	MetricPriceChange5m   = "price_change_5m"
	MetricAgeMinutes      = "age_minutes"
	MetricTx5m            = "tx_5m"
	MetricHoldersDelta15m = "holders_delta_15m"
	MetricTop10Pct        = "top10_pct"
)

// Metrics is the loosely typed signal snapshot delivered by producers.
// Missing or non-numeric entries are treated as absent by every consumer.
type Metrics map[string]any

// Number returns the metric as float64 when it is present and numeric.
func (m Metrics) Number(key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// NumberOr returns the metric or def when it is absent.
func (m Metrics) NumberOr(key string, def float64) float64 {
	if v, ok := m.Number(key); ok {
		return v
	}
	return def
}

// Clone returns a shallow copy so callers can keep a snapshot.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Observation is one sample about one token, produced by a poller or a stream.
type Observation struct {
	Token      string    `json:"token"`
	Mint       string    `json:"mint,omitempty"`
	Pair       string    `json:"pair,omitempty"`
	Chain      string    `json:"chain,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Source     string    `json:"source,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Metrics    Metrics   `json:"metrics"`
	RugBad     bool      `json:"rug_bad,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Key returns the entity identifier: the first non-empty identity field.
func (o Observation) Key() string {
	switch {
	case o.Token != "":
		return o.Token
	case o.Mint != "":
		return o.Mint
	default:
		return o.Pair
	}
}
