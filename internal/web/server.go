package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signal-engine/internal/alert"
	"signal-engine/internal/logging"
	"signal-engine/internal/model"
	"signal-engine/internal/source"
	"signal-engine/internal/stage"
	"signal-engine/internal/state"
	"signal-engine/internal/watchlog"
)

type TokenReader interface {
	Get(ctx context.Context, token string) (state.TokenState, bool, error)
	TopRecent(ctx context.Context, limit int, lookback time.Duration) ([]state.TokenState, error)
	Count(ctx context.Context) (int, error)
}

type WatchReader interface {
	LoadRecent(hours float64) ([]stage.TransitionEvent, error)
}

type Processor interface {
	Process(ctx context.Context, obs model.Observation) (alert.Outcome, error)
}

type StageReader interface {
	Current(key string) (stage.Stage, time.Time, bool)
}

type Config struct {
	Listen       string
	IngestSecret string
}

// Server exposes health, metrics, the watch summary, token state and the
// signed observation ingest endpoint.
type Server struct {
	cfg     Config
	tokens  TokenReader
	watch   WatchReader
	engine  Processor
	stages  StageReader
	router  *mux.Router
	maxBody int64
}

func NewServer(cfg Config, tokens TokenReader, watch WatchReader, engine Processor, stages StageReader) *Server {
	s := &Server{cfg: cfg, tokens: tokens, watch: watch, engine: engine, stages: stages, maxBody: 1 << 20}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/watch/summary", s.handleWatchSummary).Methods(http.MethodGet)
	r.HandleFunc("/tokens/recent", s.handleRecent).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{token}", s.handleToken).Methods(http.MethodGet)
	r.HandleFunc("/observations", s.handleIngest).Methods(http.MethodPost)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infof("web server listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.tokens.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tracked_tokens": n})
}

func floatParam(r *http.Request, name string, def float64) (float64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}

func (s *Server) handleWatchSummary(w http.ResponseWriter, r *http.Request) {
	hours, ok := floatParam(r, "hours", 24)
	if !ok {
		writeError(w, http.StatusBadRequest, "hours must be a positive number")
		return
	}
	events, err := s.watch.LoadRecent(hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, watchlog.Summarize(events, hours))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, ok := floatParam(r, "limit", 25)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive number")
		return
	}
	hours, ok := floatParam(r, "hours", 24)
	if !ok {
		writeError(w, http.StatusBadRequest, "hours must be a positive number")
		return
	}
	items, err := s.tokens.TopRecent(r.Context(), int(limit), time.Duration(hours*float64(time.Hour)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []state.TokenState{}
	}
	writeJSON(w, http.StatusOK, items)
}

type tokenView struct {
	state.TokenState
	Stage        stage.Stage `json:"stage,omitempty"`
	StageEntered *time.Time  `json:"stage_entered_at,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	st, ok, err := s.tokens.Get(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown token")
		return
	}
	view := tokenView{TokenState: st}
	if s.stages != nil {
		if cur, entered, ok := s.stages.Current(token); ok {
			view.Stage = cur
			view.StageEntered = &entered
		}
	}
	if r.URL.Query().Get("format") == "html" {
		s.renderToken(w, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) renderToken(w http.ResponseWriter, view tokenView) {
	pretty, _ := json.MarshalIndent(view.LastMetrics, "", "  ")
	data := struct {
		tokenView
		Pretty string
	}{view, string(pretty)}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tokenTmpl.Execute(w, data); err != nil {
		logging.Errorf("render token page: %v", err)
	}
}

type ingestResult struct {
	Token  string       `json:"token"`
	Action alert.Action `json:"action,omitempty"`
	Mode   model.Mode   `json:"mode,omitempty"`
	Stage  stage.Stage  `json:"stage,omitempty"`
	Score  int          `json:"score"`
	Error  string       `json:"error,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of body, the expected X-Signature value.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) verify(r *http.Request, body []byte) bool {
	if s.cfg.IngestSecret == "" {
		return false
	}
	got, err := hex.DecodeString(r.Header.Get("X-Signature"))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(s.cfg.IngestSecret, body))
	return hmac.Equal(got, want)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if !s.verify(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	list, err := source.DecodeObservations(body)
	if err != nil || len(list) == 0 {
		writeError(w, http.StatusBadRequest, "malformed observation payload")
		return
	}
	for _, obs := range list {
		if obs.Key() == "" {
			writeError(w, http.StatusUnprocessableEntity, alert.ErrMissingToken.Error())
			return
		}
	}

	results := make([]ingestResult, 0, len(list))
	for _, obs := range list {
		if obs.Source == "" {
			obs.Source = "ingest"
		}
		out, err := s.engine.Process(r.Context(), obs)
		res := ingestResult{Token: obs.Key(), Action: out.Action, Mode: out.Mode, Stage: out.Decision.Stage, Score: out.Decision.Score}
		if err != nil {
			logging.WithToken(obs.Key()).WithError(err).Error("ingest observation")
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

var tokenTmpl = template.Must(template.New("token").Parse(tokenHTML))

const tokenHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Token}}</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; margin: 0; background-color: #f5f5f7; color: #27272a; }
    .container { max-width: 960px; margin: 32px auto; padding: 0 16px; }
    .card { background: #ffffff; border-radius: 12px; box-shadow: 0 10px 30px rgba(15, 23, 42, 0.08); padding: 24px 28px; margin-bottom: 24px; }
    .meta { display: grid; grid-template-columns: 160px 1fr; row-gap: 8px; font-size: 14px; }
    .label { color: #71717a; }
    pre { background: #0f172a; color: #e5e7eb; padding: 16px; border-radius: 8px; overflow-x: auto; font-size: 13px; }
  </style>
</head>
<body>
<div class="container">
  <div class="card">
    <h1>{{.Token}}</h1>
    <div class="meta">
      <div class="label">Stage</div><div>{{if .Stage}}{{.Stage}}{{else}}-{{end}}</div>
      <div class="label">Severity</div><div>{{.LastSeverity}}</div>
      <div class="label">Alerts sent</div><div>{{.SentCount}}</div>
      <div class="label">First seen</div><div>{{.FirstSeen.UTC.Format "2006-01-02 15:04:05 UTC"}}</div>
      <div class="label">Last seen</div><div>{{.LastSeen.UTC.Format "2006-01-02 15:04:05 UTC"}}</div>
      <div class="label">Muted until</div><div>{{if .MutedUntil.IsZero}}-{{else}}{{.MutedUntil.UTC.Format "2006-01-02 15:04:05 UTC"}}{{end}}</div>
      <div class="label">Confirmations</div><div>{{.ConfirmCount}}</div>
    </div>
  </div>
  <div class="card">
    <h2>Last metrics</h2>
    <pre>{{.Pretty}}</pre>
  </div>
</div>
</body>
</html>
`
