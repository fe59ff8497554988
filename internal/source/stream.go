package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
	"signal-engine/internal/model"
)

// Handler receives the observations decoded from one stream message.
type Handler func(ctx context.Context, obs []model.Observation)

// Stream listens on a websocket for pushed observations and reconnects with
// exponential backoff until its context ends.
type Stream struct {
	url        string
	subscribe  string
	maxBackoff time.Duration
	dialer     *websocket.Dialer
}

// NewStream creates a listener; subscribe, when set, is sent as a text frame
// after every connect.
func NewStream(url, subscribe string, maxBackoff time.Duration) *Stream {
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	return &Stream{
		url:        url,
		subscribe:  subscribe,
		maxBackoff: maxBackoff,
		dialer:     &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

func (s *Stream) Name() string { return "stream" }

// Run blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context, handle Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(500*time.Millisecond, s.maxBackoff)
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		received, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			b.Reset()
		}
		wait := b.NextBackOff()
		logging.Warnf("[stream] disconnected: %v; reconnecting in %s", err, wait)
		metrics.StreamReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection and reports whether any message arrived.
func (s *Stream) session(ctx context.Context, handle Handler) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	if s.subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s.subscribe)); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}
	logging.Infof("[stream] connected to %s", s.url)

	received := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("closed by server")
			}
			return received, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		received = true
		list, err := DecodeObservations(data)
		if err != nil {
			logging.Debugf("[stream] skip message: %v", err)
			continue
		}
		// acks and pings decode to observations without identity
		keyed := list[:0]
		for _, o := range list {
			if o.Key() != "" {
				keyed = append(keyed, o)
			}
		}
		if len(keyed) > 0 {
			handle(ctx, stamp(s.Name(), keyed))
		}
	}
}
