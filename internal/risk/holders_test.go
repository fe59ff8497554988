package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/model"
)

func TestRate(t *testing.T) {
	cases := []struct {
		name    string
		amounts []float64
		risk    string
		reason  string
	}{
		{"no data", nil, model.RiskWarn, ReasonNoData},
		{"spread", []float64{5, 10, 10, 10, 10, 10, 10, 10, 10, 15}, model.RiskOK, ReasonHolderOK},
		{"warn", []float64{10, 90}, model.RiskWarn, "top1_concentrated_norm(0.10)"},
		{"high", []float64{50, 50}, model.RiskHigh, "top1_high_norm(0.50)"},
		{"boundary", []float64{8, 92}, model.RiskWarn, "top1_concentrated_norm(0.08)"},
		{"zero total", []float64{0, 0}, model.RiskOK, ReasonHolderOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Rate(tc.amounts, 0.08)
			assert.True(t, r.Enabled)
			assert.Equal(t, tc.risk, r.Risk)
			assert.Equal(t, tc.reason, r.Reason)
		})
	}

	// only the ten largest count
	r := Rate([]float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 1000}, 0.08)
	require.NotNil(t, r.TopHolderPct)
	assert.InDelta(t, 0.1, *r.TopHolderPct, 1e-9)
}

func TestRPCURL(t *testing.T) {
	assert.Equal(t, "", RPCURL("", "", "devnet"))
	assert.Equal(t, "http://rpc.local", RPCURL("http://rpc.local", "k", ""))
	assert.Equal(t, "https://mainnet-beta.helius-rpc.com/?api-key=k", RPCURL("", "k", ""))
}

func TestCheck(t *testing.T) {
	var method string
	var params []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		method, params = req.Method, req.Params
		switch req.Params[0] {
		case "CONC":
			_, _ = w.Write([]byte(`{"result":{"value":[{"amount":"900","uiAmount":null},{"amount":"100","uiAmount":0.1}]}}`))
		case "ERR":
			_, _ = w.Write([]byte(`{"error":{"code":-32602,"message":"Invalid param"}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	h := NewHolderConcentration(srv.URL, 0.08, time.Second)
	ctx := context.Background()

	r := h.Check(ctx, "CONC")
	assert.Equal(t, "getTokenLargestAccounts", method)
	assert.Equal(t, []string{"CONC"}, params)
	assert.Equal(t, model.RiskHigh, r.Risk)
	assert.Equal(t, "top1_high_norm(1.00)", r.Reason)

	r = h.Check(ctx, "ERR")
	assert.False(t, r.Enabled)
	assert.Equal(t, ReasonRPCFailed, r.Reason)

	r = h.Check(ctx, "DOWN")
	assert.False(t, r.Enabled)
	assert.Equal(t, model.RiskOK, r.Risk)

	r = NewHolderConcentration("", 0, time.Second).Check(ctx, "X")
	assert.Equal(t, model.RiskResult{Enabled: false, Risk: model.RiskOK, Reason: ReasonDisabled}, r)
}
