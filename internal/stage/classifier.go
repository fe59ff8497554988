package stage

import (
	"fmt"

	"signal-engine/internal/model"
)

// Stage is the watch stage of a token.
type Stage string

const (
	StageEarly    Stage = "early"
	StageBuilding Stage = "building"
	StageNearPass Stage = "near_pass"
)

// Rank orders stages; unknown stages rank below early.
func (s Stage) Rank() int {
	switch s {
	case StageEarly:
		return 0
	case StageBuilding:
		return 1
	case StageNearPass:
		return 2
	}
	return -1
}

// ParseStage accepts the three stage names.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// RugScore is the score reported for hard-killed tokens.
const RugScore = -999

const (
	ReasonRug                 = "rug / critical risk flag"
	ReasonNeedsIdentity       = "near_pass_needs_identity"
	ReasonConsecutiveRequired = "near_pass_consecutive_required"
	ReasonTrendRequired       = "near_pass_trend_required"
	ReasonCooldownActive      = "near_pass_cooldown_active"
	ReasonHysteresis          = "near_pass_hysteresis"
)

// Signals are the classifier inputs. Nil metrics are absent and contribute nothing.
type Signals struct {
	Token           string   `json:"token,omitempty"`
	Mint            string   `json:"mint,omitempty"`
	Pair            string   `json:"pair,omitempty"`
	LPUSD           *float64 `json:"lp_usd,omitempty"`
	Vol5m           *float64 `json:"vol_5m,omitempty"`
	Tx5m            *float64 `json:"tx_5m,omitempty"`
	HoldersDelta15m *float64 `json:"holders_delta_15m,omitempty"`
	Top10Pct        *float64 `json:"top10_pct,omitempty"`
	RugBad          bool     `json:"rug_bad,omitempty"`
}

// Identity returns the first present identity field (token, mint, pair).
func (s Signals) Identity() (string, bool) {
	for _, v := range []string{s.Token, s.Mint, s.Pair} {
		if v != "" {
			return v, true
		}
	}
	return "", false
}

// SignalsFromObservation maps producer metrics onto classifier signals.
func SignalsFromObservation(o model.Observation) Signals {
	num := func(key string) *float64 {
		v, ok := o.Metrics.Number(key)
		if !ok {
			return nil
		}
		return &v
	}
	return Signals{
		Token:           o.Token,
		Mint:            o.Mint,
		Pair:            o.Pair,
		LPUSD:           num(model.MetricLiquidity),
		Vol5m:           num(model.MetricVolume5m),
		Tx5m:            num(model.MetricTx5m),
		HoldersDelta15m: num(model.MetricHoldersDelta15m),
		Top10Pct:        num(model.MetricTop10Pct),
		RugBad:          o.RugBad,
	}
}

// Decision is the outcome of one classification.
type Decision struct {
	Stage   Stage    `json:"stage"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
	Signals Signals  `json:"signals"`
}

const (
	metricLPUSD   = "lp_usd"
	metricVol5m   = "vol_5m"
	metricTx5m    = "tx_5m"
	metricHolders = "holders_delta_15m"
	metricTop10   = "top10_pct"
)

type tier struct {
	name  string
	score int
}

// scoringRule scores one metric. Tiers are scanned in order and the first
// boundary met wins. Penalty rules have no below-score.
type scoringRule struct {
	metric      string
	label       string
	value       func(Signals) *float64
	tiers       []tier
	penalty     bool
	belowScore  int
	belowReason string
}

var scoringRules = []scoringRule{
	{
		metric:      metricLPUSD,
		label:       "LP",
		value:       func(s Signals) *float64 { return s.LPUSD },
		tiers:       []tier{{"high", 3}, {"mid", 2}, {"min", 1}},
		belowScore:  -2,
		belowReason: "LP < min",
	},
	{
		metric:      metricVol5m,
		label:       "Vol5m",
		value:       func(s Signals) *float64 { return s.Vol5m },
		tiers:       []tier{{"high", 4}, {"mid", 3}, {"low", 1}},
		belowScore:  -1,
		belowReason: "Vol5m weak",
	},
	{
		metric:      metricTx5m,
		label:       "Tx5m",
		value:       func(s Signals) *float64 { return s.Tx5m },
		tiers:       []tier{{"high", 3}, {"mid", 2}, {"low", 1}},
		belowScore:  -1,
		belowReason: "Tx5m sparse",
	},
	{
		metric:      metricHolders,
		label:       "Holders",
		value:       func(s Signals) *float64 { return s.HoldersDelta15m },
		tiers:       []tier{{"high", 4}, {"mid", 3}, {"low", 1}},
		belowScore:  -1,
		belowReason: "Holder growth weak",
	},
	{
		metric:  metricTop10,
		label:   "Top10",
		value:   func(s Signals) *float64 { return s.Top10Pct },
		tiers:   []tier{{"severe", -3}, {"bad", -2}, {"warn", -1}},
		penalty: true,
	},
}

// Evaluate classifies signals against the entity's prior history. It is pure:
// the history is not modified and nothing is recorded.
func Evaluate(t Thresholds, s Signals, history []Record) Decision {
	if s.RugBad {
		return Decision{Stage: StageEarly, Score: RugScore, Reasons: []string{ReasonRug}, Signals: s}
	}

	score := 0
	reasons := []string{}
	for _, r := range scoringRules {
		v := r.value(s)
		if v == nil {
			continue
		}
		bounds := t.tiers(r.metric)
		matched := false
		for _, tr := range r.tiers {
			if *v >= bounds[tr.name] {
				score += tr.score
				reasons = append(reasons, fmt.Sprintf("%s >= %s", r.label, tr.name))
				matched = true
				break
			}
		}
		if !matched && !r.penalty {
			score += r.belowScore
			reasons = append(reasons, r.belowReason)
		}
	}

	var final Stage
	switch {
	case score >= t.StageCutoffs.NearPass:
		final, reasons = promote(t, s, score, history, reasons)
	case score >= t.StageCutoffs.Building:
		final = StageBuilding
	default:
		final = StageEarly
	}

	if score < t.StageCutoffs.NearPass && len(history) > 0 {
		if history[len(history)-1].Stage == StageNearPass && score >= t.Confirmation.DemoteCutoff {
			final = StageNearPass
			reasons = append(reasons, ReasonHysteresis)
		}
	}

	return Decision{Stage: final, Score: score, Reasons: reasons, Signals: s}
}

// promote applies the consecutive, trend and cooldown checks to a raw near_pass.
func promote(t Thresholds, s Signals, score int, history []Record, reasons []string) (Stage, []string) {
	if _, ok := s.Identity(); !ok {
		return StageBuilding, append(reasons, ReasonNeedsIdentity)
	}
	c := t.Confirmation

	scores := make([]int, 0, len(history)+1)
	for _, r := range history {
		scores = append(scores, r.Score)
	}
	scores = append(scores, score)

	passed := true
	if trailingAtLeast(scores, t.StageCutoffs.NearPass) < c.MinConsecutive {
		reasons = append(reasons, ReasonConsecutiveRequired)
		passed = false
	}
	if !slopeOK(scores, c.TrendWindow, c.MinSlope) {
		reasons = append(reasons, ReasonTrendRequired)
		passed = false
	}
	if !cooldownOK(history, c.PromotionCooldownTicks) {
		reasons = append(reasons, ReasonCooldownActive)
		passed = false
	}
	if !passed {
		return StageBuilding, reasons
	}
	return StageNearPass, reasons
}

func trailingAtLeast(scores []int, cutoff int) int {
	n := 0
	for i := len(scores) - 1; i >= 0 && scores[i] >= cutoff; i-- {
		n++
	}
	return n
}

// slopeOK is false when fewer than window scores exist.
func slopeOK(scores []int, window int, minSlope float64) bool {
	if window < 2 || len(scores) < window {
		return false
	}
	w := scores[len(scores)-window:]
	slope := float64(w[len(w)-1]-w[0]) / float64(window-1)
	return slope >= minSlope
}

// cooldownOK requires more than cooldownTicks ticks between the last near_pass
// record and the current tick.
func cooldownOK(history []Record, cooldownTicks int) bool {
	if len(history) == 0 {
		return true
	}
	last := history[len(history)-1]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Stage == StageNearPass {
			return (last.Tick+1)-history[i].Tick > int64(cooldownTicks)
		}
	}
	return true
}

// Classifier evaluates signals and records each decision in the entity history.
type Classifier struct {
	thresholds Thresholds
	history    *History
}

func NewClassifier(t Thresholds, h *History) *Classifier {
	return &Classifier{thresholds: t, history: h}
}

// Classify evaluates against the current history of key and appends the result.
func (c *Classifier) Classify(key string, s Signals) Decision {
	d := Evaluate(c.thresholds, s, c.history.Snapshot(key))
	c.history.Append(key, d.Score, d.Stage)
	return d
}

func (c *Classifier) Thresholds() Thresholds { return c.thresholds }

func (c *Classifier) History() *History { return c.history }
