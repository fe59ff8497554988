package notification

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
	"signal-engine/internal/model"
)

// Dispatcher fans a message out to the channels routed for its kind. Delivery
// is best effort: failures are logged and counted, never returned to callers.
type Dispatcher struct {
	notifiers map[string]Notifier
	routes    map[string][]string
	timeout   time.Duration
	dryRun    bool
}

type DispatcherOption func(*Dispatcher)

// WithRoutes restricts each kind to the named channels. Kinds without a route
// go to every channel.
func WithRoutes(routes map[string][]string) DispatcherOption {
	return func(d *Dispatcher) { d.routes = routes }
}

func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithDryRun logs messages instead of delivering them.
func WithDryRun(dryRun bool) DispatcherOption {
	return func(d *Dispatcher) { d.dryRun = dryRun }
}

func NewDispatcher(notifiers map[string]Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{notifiers: notifiers, timeout: 6 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.notifiers))
	for name := range d.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Dispatch(ctx context.Context, req model.DispatchRequest) {
	if err := d.Deliver(ctx, AlertMessage(req)); err != nil {
		logging.WithToken(req.Token).WithError(err).Warn("notification delivery failed")
	}
}

func (d *Dispatcher) Announce(ctx context.Context, kind, text string) {
	msg := Message{Kind: kind, Title: Header(kind), Text: text}
	if err := d.Deliver(ctx, msg); err != nil {
		logging.Warnf("announce %s delivery failed: %v", kind, err)
	}
}

// Deliver sends msg to every routed channel and returns the combined errors.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	targets := d.targets(msg.Kind)
	if d.dryRun {
		logging.Infof("[dry-run] %s -> %v: %s", msg.Kind, names(targets), msg.Title)
		for _, n := range targets {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "dry_run").Inc()
		}
		return nil
	}

	var result *multierror.Error
	for _, n := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := n.Send(sendCtx, msg)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "error").Inc()
			result = multierror.Append(result, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(n.Name(), "ok").Inc()
	}
	return result.ErrorOrNil()
}

func (d *Dispatcher) targets(kind string) []Notifier {
	route, ok := d.routes[kind]
	if !ok {
		var all []Notifier
		for _, name := range d.Channels() {
			all = append(all, d.notifiers[name])
		}
		return all
	}
	var out []Notifier
	for _, name := range route {
		if n, ok := d.notifiers[name]; ok {
			out = append(out, n)
		}
	}
	return out
}

func names(ns []Notifier) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Name()
	}
	return out
}
