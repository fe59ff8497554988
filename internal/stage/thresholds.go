package stage

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tiers maps a tier name (min, low, mid, high, warn, bad, severe) to its boundary.
type Tiers map[string]float64

type StageCutoffs struct {
	Building int `yaml:"building"`
	NearPass int `yaml:"near_pass"`
}

// Confirmation holds the near_pass promotion and demotion hysteresis parameters.
type Confirmation struct {
	MinConsecutive         int     `yaml:"min_consecutive"`
	TrendWindow            int     `yaml:"trend_window"`
	MinSlope               float64 `yaml:"min_slope"`
	PromotionCooldownTicks int     `yaml:"promotion_cooldown_ticks"`
	DemoteCutoff           int     `yaml:"demote_cutoff"`
	HistorySize            int     `yaml:"history_size"`
}

// Thresholds is the versioned, read-only tier configuration used by the classifier.
type Thresholds struct {
	Version         string       `yaml:"version"`
	LPUSD           Tiers        `yaml:"lp_usd"`
	Vol5m           Tiers        `yaml:"vol_5m"`
	Tx5m            Tiers        `yaml:"tx_5m"`
	HoldersDelta15m Tiers        `yaml:"holders_delta_15m"`
	Top10Pct        Tiers        `yaml:"top10_pct"`
	StageCutoffs    StageCutoffs `yaml:"stage_cutoffs"`
	Confirmation    Confirmation `yaml:"near_pass_confirmation"`
}

// DefaultThresholds returns the built-in Solana tier set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Version:         "sol-v1",
		LPUSD:           Tiers{"min": 12_000, "mid": 30_000, "high": 60_000},
		Vol5m:           Tiers{"low": 3_000, "mid": 10_000, "high": 25_000},
		Tx5m:            Tiers{"low": 18, "mid": 50, "high": 120},
		HoldersDelta15m: Tiers{"low": 20, "mid": 50, "high": 120},
		Top10Pct:        Tiers{"warn": 40, "bad": 50, "severe": 65},
		StageCutoffs:    StageCutoffs{Building: 5, NearPass: 10},
		Confirmation: Confirmation{
			MinConsecutive:         2,
			TrendWindow:            3,
			MinSlope:               0.0,
			PromotionCooldownTicks: 2,
			DemoteCutoff:           8,
			HistorySize:            20,
		},
	}
}

// LoadThresholds reads a thresholds document. An empty path yields the defaults.
// Unknown keys are rejected and the result is validated.
func LoadThresholds(path string) (Thresholds, error) {
	if path == "" {
		return DefaultThresholds(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds: %w", err)
	}
	var t Thresholds
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Thresholds{}, fmt.Errorf("unmarshal thresholds %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, fmt.Errorf("invalid thresholds %s: %w", path, err)
	}
	return t, nil
}

func (t Thresholds) tiers(metric string) Tiers {
	switch metric {
	case metricLPUSD:
		return t.LPUSD
	case metricVol5m:
		return t.Vol5m
	case metricTx5m:
		return t.Tx5m
	case metricHolders:
		return t.HoldersDelta15m
	case metricTop10:
		return t.Top10Pct
	}
	return nil
}

// Validate checks that every tier the scoring table reads is present, that
// boundaries strictly decrease in scan order and that the hysteresis
// parameters are usable.
func (t Thresholds) Validate() error {
	var errs []error
	for _, r := range scoringRules {
		bounds := t.tiers(r.metric)
		prev := 0.0
		for i, tr := range r.tiers {
			b, ok := bounds[tr.name]
			if !ok {
				errs = append(errs, fmt.Errorf("%s: missing tier %q", r.metric, tr.name))
				continue
			}
			if i > 0 && b >= prev {
				errs = append(errs, fmt.Errorf("%s: tier %q (%v) must be below the previous tier (%v)", r.metric, tr.name, b, prev))
			}
			prev = b
		}
	}
	if t.StageCutoffs.NearPass <= t.StageCutoffs.Building {
		errs = append(errs, fmt.Errorf("stage_cutoffs: near_pass (%d) must exceed building (%d)", t.StageCutoffs.NearPass, t.StageCutoffs.Building))
	}
	c := t.Confirmation
	if c.MinConsecutive < 1 {
		errs = append(errs, errors.New("near_pass_confirmation: min_consecutive must be >= 1"))
	}
	if c.TrendWindow < 2 {
		errs = append(errs, errors.New("near_pass_confirmation: trend_window must be >= 2"))
	}
	if c.PromotionCooldownTicks < 0 {
		errs = append(errs, errors.New("near_pass_confirmation: promotion_cooldown_ticks must be >= 0"))
	}
	if c.HistorySize < c.TrendWindow || c.HistorySize < c.MinConsecutive {
		errs = append(errs, fmt.Errorf("near_pass_confirmation: history_size (%d) must cover trend_window and min_consecutive", c.HistorySize))
	}
	return errors.Join(errs...)
}
