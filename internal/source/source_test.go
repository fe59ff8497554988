package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/elasticsearch"
	"signal-engine/internal/model"
)

func TestDecodeObservations(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		tokens []string
	}{
		{"single", `{"token":"A","metrics":{"liquidity":1}}`, []string{"A"}},
		{"list", `[{"token":"A"},{"mint":"B"}]`, []string{"A", "B"}},
		{"wrapped", `{"observations":[{"pair":"P"}]}`, []string{"P"}},
		{"notification", `{"jsonrpc":"2.0","method":"obs","params":{"result":[{"token":"N"}]}}`, []string{"N"}},
		{"empty", `  `, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			list, err := DecodeObservations([]byte(tc.body))
			require.NoError(t, err)
			var got []string
			for _, o := range list {
				got = append(got, o.Key())
			}
			assert.Equal(t, tc.tokens, got)
		})
	}

	_, err := DecodeObservations([]byte(`{"token":`))
	assert.Error(t, err)
	_, err = DecodeObservations([]byte(`[1,2]`))
	assert.Error(t, err)
}

type fakeSearcher struct {
	index string
	body  []byte
	reply string
}

func (f *fakeSearcher) Search(_ context.Context, index string, body []byte) (*elasticsearch.Response, error) {
	f.index, f.body = index, body
	return &elasticsearch.Response{StatusCode: 200, Body: []byte(f.reply)}, nil
}

func TestSearchSourceKeepsNewestPerToken(t *testing.T) {
	f := &fakeSearcher{reply: `{"hits":{"hits":[
		{"_id":"3","_source":{"token":"A","metrics":{"liquidity":30000}}},
		{"_id":"2","_source":{"token":"B","source":"indexer","metrics":{}}},
		{"_id":"1","_source":{"token":"A","metrics":{"liquidity":10000}}},
		{"_id":"0","_source":{"metrics":{}}}
	]}}`}
	s := NewSearchSource(f, SearchConfig{Index: "token-observations-*", QueryString: "chain:solana"})

	list, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Token)
	assert.Equal(t, 30000.0, list[0].Metrics.NumberOr("liquidity", 0))
	assert.Equal(t, "search", list[0].Source)
	assert.Equal(t, "indexer", list[1].Source)

	assert.Equal(t, "token-observations-*", f.index)
	var q map[string]any
	require.NoError(t, json.Unmarshal(f.body, &q))
	assert.Equal(t, 200.0, q["size"])
	assert.Contains(t, string(f.body), `"gte":"now-5m"`)
	assert.Contains(t, string(f.body), `"query":"chain:solana"`)
}

func TestFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"observations":[{"token":"A","metrics":{"volume_5m":9000}}]}`))
	}))
	defer srv.Close()

	f := NewFeed(srv.URL, map[string]string{"Authorization": "Bearer k"}, time.Second)
	list, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "feed", list[0].Source)
	assert.Equal(t, 9000.0, list[0].Metrics.NumberOr("volume_5m", 0))

	_, err = NewFeed(srv.URL, nil, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestStreamReconnects(t *testing.T) {
	var conns atomic.Int32
	subscribes := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribes <- string(sub)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":7,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"T`+string(rune('0'+n))+`"}`))
		if n == 1 {
			return // drop the first connection
		}
		// keep the second one open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), `{"method":"subscribe"}`, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, list []model.Observation) {
			mu.Lock()
			defer mu.Unlock()
			for _, o := range list {
				got = append(got, o.Token+"/"+o.Source)
			}
			if len(got) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"T1/stream", "T2/stream"}, got)
	assert.Equal(t, `{"method":"subscribe"}`, <-subscribes)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}
