package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"signal-engine/internal/logging"
	"signal-engine/internal/model"
)

const (
	ReasonDisabled  = "helius_disabled"
	ReasonNoData    = "no_holder_data"
	ReasonHolderOK  = "holder_ok"
	ReasonRPCFailed = "rpc_error"

	maxAccounts = 10
)

// HolderConcentration rates a mint by how much of its ten largest accounts the
// top one holds. Share >= warn is "warn", >= 1.5*warn is "high".
type HolderConcentration struct {
	rpcURL string
	warn   float64
	client *http.Client
}

// RPCURL builds the endpoint from an explicit URL or a Helius key and cluster.
func RPCURL(rpcURL, apiKey, cluster string) string {
	if rpcURL != "" || apiKey == "" {
		return rpcURL
	}
	if cluster == "" {
		cluster = "mainnet-beta"
	}
	return fmt.Sprintf("https://%s.helius-rpc.com/?api-key=%s", cluster, apiKey)
}

// NewHolderConcentration returns a checker; an empty rpcURL disables it.
func NewHolderConcentration(rpcURL string, warn float64, timeout time.Duration) *HolderConcentration {
	if warn <= 0 {
		warn = 0.08
	}
	return &HolderConcentration{rpcURL: rpcURL, warn: warn, client: &http.Client{Timeout: timeout}}
}

type rpcAccount struct {
	Amount   string   `json:"amount"`
	UIAmount *float64 `json:"uiAmount"`
}

type rpcResponse struct {
	Result struct {
		Value []rpcAccount `json:"value"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Check never fails: transport problems are logged and reported as a
// disabled result so they cannot force rug mode.
func (h *HolderConcentration) Check(ctx context.Context, token string) model.RiskResult {
	if h.rpcURL == "" {
		return model.RiskResult{Enabled: false, Risk: model.RiskOK, Reason: ReasonDisabled}
	}
	accounts, err := h.largestAccounts(ctx, token)
	if err != nil {
		logging.WithToken(token).WithError(err).Warn("holder concentration lookup failed")
		return model.RiskResult{Enabled: false, Risk: model.RiskOK, Reason: ReasonRPCFailed}
	}
	return Rate(accounts, h.warn)
}

// Rate classifies the holder amounts, largest first.
func Rate(amounts []float64, warn float64) model.RiskResult {
	if len(amounts) > maxAccounts {
		amounts = amounts[:maxAccounts]
	}
	if len(amounts) == 0 {
		return model.RiskResult{Enabled: true, Risk: model.RiskWarn, Reason: ReasonNoData}
	}
	var total float64
	for _, a := range amounts {
		total += a
	}
	res := model.RiskResult{Enabled: true, Risk: model.RiskOK, Reason: ReasonHolderOK}
	if total <= 0 {
		return res
	}
	top1 := amounts[0] / total
	res.TopHolderPct = &top1
	switch {
	case top1 >= warn*1.5:
		res.Risk, res.Reason = model.RiskHigh, fmt.Sprintf("top1_high_norm(%.2f)", top1)
	case top1 >= warn:
		res.Risk, res.Reason = model.RiskWarn, fmt.Sprintf("top1_concentrated_norm(%.2f)", top1)
	}
	return res
}

func (h *HolderConcentration) largestAccounts(ctx context.Context, mint string) ([]float64, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  "getTokenLargestAccounts",
		"params":  []string{mint},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc status=%d", resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}

	amounts := make([]float64, 0, maxAccounts)
	for i, a := range out.Result.Value {
		if i == maxAccounts {
			break
		}
		if a.UIAmount != nil {
			amounts = append(amounts, *a.UIAmount)
			continue
		}
		if v, err := strconv.ParseFloat(a.Amount, 64); err == nil {
			amounts = append(amounts, v)
		}
	}
	return amounts, nil
}
