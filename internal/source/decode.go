package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"signal-engine/internal/model"
)

// DecodeObservations accepts a single observation, a list, an object with an
// "observations" list, or a JSON-RPC style notification carrying any of those
// under params.result.
func DecodeObservations(data []byte) ([]model.Observation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var list []model.Observation
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode observation list: %w", err)
		}
		return list, nil
	}

	var probe struct {
		Observations json.RawMessage `json:"observations"`
		Params       *struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode observation: %w", err)
	}
	switch {
	case len(probe.Observations) > 0:
		return DecodeObservations(probe.Observations)
	case probe.Params != nil && len(probe.Params.Result) > 0:
		return DecodeObservations(probe.Params.Result)
	}

	var obs model.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("decode observation: %w", err)
	}
	return []model.Observation{obs}, nil
}

// stamp fills the source name on observations that did not name one.
func stamp(name string, list []model.Observation) []model.Observation {
	for i := range list {
		if list[i].Source == "" {
			list[i].Source = name
		}
	}
	return list
}
