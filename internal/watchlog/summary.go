package watchlog

import (
	"sort"

	"signal-engine/internal/stage"
)

type TokenCount struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

type Summary struct {
	WindowHours      float64        `json:"window_hours"`
	TotalWatchEvents int            `json:"total_watch_events"`
	UniqueTokens     int            `json:"unique_tokens"`
	TopTokens        []TokenCount   `json:"top_tokens"`
	ReasonBreakdown  map[string]int `json:"reason_breakdown"`
	Promotions       int            `json:"promotions"`
	Demotions        int            `json:"demotions"`
}

const topTokens = 10

// Summarize counts events per token and per reason. Ties in the top list keep
// first-seen order.
func Summarize(events []stage.TransitionEvent, hours float64) Summary {
	s := Summary{
		WindowHours:      hours,
		TotalWatchEvents: len(events),
		TopTokens:        []TokenCount{},
		ReasonBreakdown:  map[string]int{},
	}
	index := map[string]int{}
	for _, ev := range events {
		if ev.Token != "" {
			i, ok := index[ev.Token]
			if !ok {
				i = len(s.TopTokens)
				index[ev.Token] = i
				s.TopTokens = append(s.TopTokens, TokenCount{Token: ev.Token})
			}
			s.TopTokens[i].Count++
		}
		for _, r := range ev.Reasons {
			s.ReasonBreakdown[r]++
		}
		switch ev.Direction {
		case stage.DirectionPromotion:
			s.Promotions++
		case stage.DirectionDemotion:
			s.Demotions++
		}
	}
	s.UniqueTokens = len(s.TopTokens)
	sort.SliceStable(s.TopTokens, func(i, j int) bool { return s.TopTokens[i].Count > s.TopTokens[j].Count })
	if len(s.TopTokens) > topTokens {
		s.TopTokens = s.TopTokens[:topTokens]
	}
	return s
}
