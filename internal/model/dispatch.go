package model

import "time"

// Risk levels reported by a risk overlay.
const (
	RiskOK   = "ok"
	RiskWarn = "warn"
	RiskHigh = "high"
)

// Announcement kinds for free-text notifications.
const (
	KindDigest = "digest"
	KindLogs   = "logs"
)

// RiskResult is the optional risk overlay verdict for a token.
type RiskResult struct {
	Enabled      bool     `json:"enabled"`
	Risk         string   `json:"risk"`
	Reason       string   `json:"reason"`
	TopHolderPct *float64 `json:"top_holder_pct,omitempty"`
}

// RepeatStats describes a suppressed alert for collapsing.
type RepeatStats struct {
	FirstSeen   time.Time
	LastSeen    time.Time
	RepeatCount int
}

// DispatchRequest is handed to the notifier when an alert fires.
type DispatchRequest struct {
	Token       string
	Chain       string
	Symbol      string
	Reason      string
	Mode        Mode
	Stage       string
	Score       int
	Reasons     []string
	Metrics     Metrics
	Explanation string
	Escalated   bool
	Risk        *RiskResult
	Collapsed   bool
	HeatingUp   bool
	Repeat      *RepeatStats
	At          time.Time
}
