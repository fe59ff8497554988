package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"signal-engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_state (
	token                TEXT PRIMARY KEY,
	last_sent            INTEGER NOT NULL DEFAULT 0,
	sent_count           INTEGER NOT NULL DEFAULT 0,
	first_seen           INTEGER NOT NULL DEFAULT 0,
	last_seen            INTEGER NOT NULL DEFAULT 0,
	last_metrics         TEXT NOT NULL DEFAULT '{}',
	muted_until          INTEGER NOT NULL DEFAULT 0,
	confirm_count        INTEGER NOT NULL DEFAULT 0,
	confirm_window_start INTEGER NOT NULL DEFAULT 0,
	last_severity        TEXT NOT NULL DEFAULT 'near_pass'
);

CREATE INDEX IF NOT EXISTS idx_token_state_last_seen ON token_state (last_seen);

CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

const selectColumns = `token, last_sent, sent_count, first_seen, last_seen, last_metrics,
	muted_until, confirm_count, confirm_window_start, last_severity`

// TokenState is the durable alert record of one token. Zero times mean unset.
type TokenState struct {
	Token              string        `json:"token"`
	LastSent           time.Time     `json:"last_sent,omitempty"`
	SentCount          int           `json:"sent_count"`
	FirstSeen          time.Time     `json:"first_seen"`
	LastSeen           time.Time     `json:"last_seen"`
	LastMetrics        model.Metrics `json:"last_metrics"`
	MutedUntil         time.Time     `json:"muted_until,omitempty"`
	ConfirmCount       int           `json:"confirm_count"`
	ConfirmWindowStart time.Time     `json:"confirm_window_start,omitempty"`
	LastSeverity       model.Mode    `json:"last_severity"`
}

type tokenRow struct {
	Token              string `db:"token"`
	LastSent           int64  `db:"last_sent"`
	SentCount          int    `db:"sent_count"`
	FirstSeen          int64  `db:"first_seen"`
	LastSeen           int64  `db:"last_seen"`
	LastMetrics        string `db:"last_metrics"`
	MutedUntil         int64  `db:"muted_until"`
	ConfirmCount       int    `db:"confirm_count"`
	ConfirmWindowStart int64  `db:"confirm_window_start"`
	LastSeverity       string `db:"last_severity"`
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (r tokenRow) toState() TokenState {
	metrics := model.Metrics{}
	if r.LastMetrics != "" {
		// a corrupt snapshot only loses the summary data
		_ = json.Unmarshal([]byte(r.LastMetrics), &metrics)
	}
	return TokenState{
		Token:              r.Token,
		LastSent:           unixOrZero(r.LastSent),
		SentCount:          r.SentCount,
		FirstSeen:          unixOrZero(r.FirstSeen),
		LastSeen:           unixOrZero(r.LastSeen),
		LastMetrics:        metrics,
		MutedUntil:         unixOrZero(r.MutedUntil),
		ConfirmCount:       r.ConfirmCount,
		ConfirmWindowStart: unixOrZero(r.ConfirmWindowStart),
		LastSeverity:       model.Mode(r.LastSeverity),
	}
}

// MuteRule configures auto-muting of tokens that alert too often right after
// they are first seen.
type MuteRule struct {
	Window      time.Duration
	AfterAlerts int
	Duration    time.Duration
}

// EscalationRule configures near_pass to pass escalation confirmation.
type EscalationRule struct {
	Confirmations int
	Window        time.Duration
	MinLiquidity  float64
	MinVolume5m   float64
}

// SQLiteStore is the token state store. Every operation runs in its own
// transaction on a single connection, so a read-modify-write never interleaves
// with another one.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type Option func(*SQLiteStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// getRow returns ok=false for an unknown token.
func getRow(ctx context.Context, q sqlx.QueryerContext, token string) (tokenRow, bool, error) {
	var r tokenRow
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+selectColumns+` FROM token_state WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenRow{}, false, nil
	}
	if err != nil {
		return tokenRow{}, false, fmt.Errorf("get token %s: %w", token, err)
	}
	return r, true, nil
}

// Get returns the stored state of token.
func (s *SQLiteStore) Get(ctx context.Context, token string) (TokenState, bool, error) {
	r, ok, err := getRow(ctx, s.db, token)
	if err != nil || !ok {
		return TokenState{}, ok, err
	}
	return r.toState(), true, nil
}

// RecordObservation creates the record on first sight and refreshes
// last_seen and the metrics snapshot.
func (s *SQLiteStore) RecordObservation(ctx context.Context, token string, metrics model.Metrics) error {
	if metrics == nil {
		metrics = model.Metrics{}
	}
	body, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_state (token, first_seen, last_seen, last_metrics)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			last_seen = excluded.last_seen,
			last_metrics = excluded.last_metrics`,
		token, now, now, string(body))
	if err != nil {
		return fmt.Errorf("record observation %s: %w", token, err)
	}
	return nil
}

// IsMuted reports whether muted_until is in the future.
func (s *SQLiteStore) IsMuted(ctx context.Context, token string) (bool, error) {
	r, ok, err := getRow(ctx, s.db, token)
	if err != nil || !ok {
		return false, err
	}
	return r.MutedUntil > s.now().Unix(), nil
}

// AdaptiveCooldown lengthens the base cooldown for tokens that keep alerting.
func AdaptiveCooldown(base time.Duration, sentCount int) time.Duration {
	switch {
	case sentCount <= 1:
		return base
	case sentCount <= 3:
		return base * 3 / 2
	default:
		return base * 5 / 2
	}
}

// AllowAlert consumes a send slot when the adaptive cooldown has elapsed.
// A token without a record gets one with sent_count=1 and is allowed.
func (s *SQLiteStore) AllowAlert(ctx context.Context, token string, base time.Duration) (bool, error) {
	now := s.now().Unix()
	allowed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		r, ok, err := getRow(ctx, tx, token)
		if err != nil {
			return err
		}
		if !ok {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO token_state (token, last_sent, sent_count, first_seen, last_seen)
				VALUES (?, ?, 1, ?, ?)`, token, now, now, now)
			if err != nil {
				return fmt.Errorf("insert token %s: %w", token, err)
			}
			allowed = true
			return nil
		}
		if r.MutedUntil > now {
			return nil
		}
		cooldown := int64(AdaptiveCooldown(base, r.SentCount) / time.Second)
		if r.LastSent != 0 && now-r.LastSent < cooldown {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE token_state SET last_sent = ?, sent_count = sent_count + 1 WHERE token = ?`,
			now, token); err != nil {
			return fmt.Errorf("update token %s: %w", token, err)
		}
		allowed = true
		return nil
	})
	return allowed, err
}

// MaybeAutoMute mutes a token that reached rule.AfterAlerts within
// rule.Window of first_seen. An already muted token reports true without
// renewing the mute; an unknown token reports false.
func (s *SQLiteStore) MaybeAutoMute(ctx context.Context, token string, rule MuteRule) (bool, error) {
	now := s.now().Unix()
	muted := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		r, ok, err := getRow(ctx, tx, token)
		if err != nil || !ok {
			return err
		}
		if r.MutedUntil > now {
			muted = true
			return nil
		}
		window := int64(rule.Window / time.Second)
		if r.FirstSeen == 0 || now-r.FirstSeen > window || r.SentCount < rule.AfterAlerts {
			return nil
		}
		until := now + int64(rule.Duration/time.Second)
		if _, err := tx.ExecContext(ctx, `UPDATE token_state SET muted_until = ? WHERE token = ?`, until, token); err != nil {
			return fmt.Errorf("mute token %s: %w", token, err)
		}
		muted = true
		return nil
	})
	return muted, err
}

// PassEscalationCheck counts qualifying observations inside a sliding
// confirmation window and reports whether the token confirmed a pass.
// Missing liquidity or volume count as zero.
func (s *SQLiteStore) PassEscalationCheck(ctx context.Context, token string, metrics model.Metrics, rule EscalationRule) (bool, error) {
	if metrics.NumberOr(model.MetricLiquidity, 0) < rule.MinLiquidity ||
		metrics.NumberOr(model.MetricVolume5m, 0) < rule.MinVolume5m {
		return false, nil
	}
	now := s.now().Unix()
	confirmed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		r, ok, err := getRow(ctx, tx, token)
		if err != nil || !ok {
			return err
		}
		count, start := r.ConfirmCount, r.ConfirmWindowStart
		if start == 0 || now-start > int64(rule.Window/time.Second) {
			count, start = 1, now
		} else {
			count++
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE token_state SET confirm_count = ?, confirm_window_start = ? WHERE token = ?`,
			count, start, token); err != nil {
			return fmt.Errorf("update confirmation %s: %w", token, err)
		}
		confirmed = count >= rule.Confirmations
		return nil
	})
	return confirmed, err
}

// UpdateSeverity sets last_severity of an existing token.
func (s *SQLiteStore) UpdateSeverity(ctx context.Context, token string, severity model.Mode) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE token_state SET last_severity = ? WHERE token = ?`, string(severity), token); err != nil {
		return fmt.Errorf("update severity %s: %w", token, err)
	}
	return nil
}

// RecordAlert registers a dispatched alert.
func (s *SQLiteStore) RecordAlert(ctx context.Context, token string, severity model.Mode) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_state (token, last_sent, sent_count, first_seen, last_seen, last_severity)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			last_sent = excluded.last_sent,
			sent_count = sent_count + 1,
			last_seen = excluded.last_seen,
			last_severity = excluded.last_severity`,
		token, now, now, now, string(severity))
	if err != nil {
		return fmt.Errorf("record alert %s: %w", token, err)
	}
	return nil
}

// RecordRepeat registers a suppressed alert without consuming a send slot and
// returns the repeat statistics used for collapsing. ok is false for an
// unknown token.
func (s *SQLiteStore) RecordRepeat(ctx context.Context, token string, severity model.Mode) (model.RepeatStats, bool, error) {
	now := s.now()
	var stats model.RepeatStats
	found := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		r, ok, err := getRow(ctx, tx, token)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE token_state SET last_seen = ?, last_severity = ? WHERE token = ?`,
			now.Unix(), string(severity), token); err != nil {
			return fmt.Errorf("record repeat %s: %w", token, err)
		}
		count := r.SentCount
		if count == 0 {
			count = 1
		}
		stats = model.RepeatStats{
			FirstSeen:   unixOrZero(r.FirstSeen),
			LastSeen:    time.Unix(now.Unix(), 0).UTC(),
			RepeatCount: count,
		}
		found = true
		return nil
	})
	return stats, found, err
}

// TopRecent lists tokens seen within lookback, most recent first.
func (s *SQLiteStore) TopRecent(ctx context.Context, limit int, lookback time.Duration) ([]TokenState, error) {
	cutoff := s.now().Add(-lookback).Unix()
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM token_state WHERE last_seen >= ? ORDER BY last_seen DESC, token LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("top recent: %w", err)
	}
	return toStates(rows), nil
}

// ObservedSince lists tokens seen at or after since, oldest first.
func (s *SQLiteStore) ObservedSince(ctx context.Context, since time.Time) ([]TokenState, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM token_state WHERE last_seen >= ? ORDER BY last_seen ASC, token`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("observed since: %w", err)
	}
	return toStates(rows), nil
}

// StaleTokens lists tokens not seen since olderThan.
func (s *SQLiteStore) StaleTokens(ctx context.Context, olderThan time.Time) ([]string, error) {
	var tokens []string
	if err := s.db.SelectContext(ctx, &tokens,
		`SELECT token FROM token_state WHERE last_seen < ? ORDER BY token`, olderThan.Unix()); err != nil {
		return nil, fmt.Errorf("select stale tokens: %w", err)
	}
	return tokens, nil
}

// Prune deletes token if it is still not seen since olderThan. It reports
// whether a row was removed.
func (s *SQLiteStore) Prune(ctx context.Context, token string, olderThan time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_state WHERE token = ? AND last_seen < ?`, token, olderThan.Unix())
	if err != nil {
		return false, fmt.Errorf("prune %s: %w", token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("prune %s: %w", token, err)
	}
	return n > 0, nil
}

// Count returns the number of stored tokens.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM token_state`); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

// KVGet returns the stored value for key or def.
func (s *SQLiteStore) KVGet(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT v FROM kv WHERE k = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func toStates(rows []tokenRow) []TokenState {
	out := make([]TokenState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toState())
	}
	return out
}
