// Package dispatch routes OS interaction callbacks back to the application
// layer.
//
// The dispatcher tracks whether the app is foregrounded. While it is,
// incoming notifications are re-offered for display with banner, sound and
// badge. On user interaction, regardless of state, the payload attached at
// submission is forwarded once and then forgotten.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"notifybridge/internal/eventbus"
	"notifybridge/internal/notification"
	logx "notifybridge/pkg/logx"
)

// ErrNoRoute is returned by a Forwarder that has nowhere to deliver a tap.
var ErrNoRoute = errors.New("no forwarding path")

type AppState int32

const (
	StateBackground AppState = iota
	StateForeground
)

func (s AppState) String() string {
	if s == StateForeground {
		return "foreground"
	}
	return "background"
}

// Forwarder delivers tap events to the application layer.
type Forwarder interface {
	ForwardTap(ctx context.Context, ev notification.TapEvent) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, ev notification.TapEvent) error

func (f ForwarderFunc) ForwardTap(ctx context.Context, ev notification.TapEvent) error {
	return f(ctx, ev)
}

// TapRecord is published on the event bus for every dispatched tap.
type TapRecord struct {
	RequestID string `json:"request_id"`
	ActionID  string `json:"action"`
	Forwarded bool   `json:"forwarded"`
	Error     string `json:"error,omitempty"`
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	log   logx.Logger
	bus   eventbus.Bus
	state atomic.Int32

	mu  sync.RWMutex
	fwd Forwarder
}

func New(log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{log: log, bus: bus}
}

// SetForwarder installs f; nil detaches the forwarding path.
func (d *Dispatcher) SetForwarder(f Forwarder) {
	d.mu.Lock()
	d.fwd = f
	d.mu.Unlock()
}

func (d *Dispatcher) SetState(s AppState) {
	if prev := AppState(d.state.Swap(int32(s))); prev != s {
		d.log.Debug("app state changed", logx.String("from", prev.String()), logx.String("to", s.String()))
	}
}

func (d *Dispatcher) State() AppState { return AppState(d.state.Load()) }

// WillPresent decides how a notification arriving now should be shown.
// No payload is forwarded here: the user has not interacted yet.
func (d *Dispatcher) WillPresent(req notification.Request) notification.Presentation {
	if d.State() != StateForeground {
		return notification.PresentSystemDefault
	}
	d.log.Trace("foreground presentation", logx.String("id", req.ID))
	return notification.PresentBanner | notification.PresentSound | notification.PresentBadge
}

// Dispatch handles one user interaction. It reports whether a payload was
// handed to the forwarder. A response without payload is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, resp notification.Response) bool {
	if resp.Payload == nil {
		d.log.Debug("tap without payload", logx.String("id", resp.RequestID), logx.String("action", resp.ActionID))
		return false
	}
	ev := notification.TapEvent{Payload: resp.Payload, ActionID: resp.ActionID}
	rec := TapRecord{RequestID: resp.RequestID, ActionID: resp.ActionID}

	d.mu.RLock()
	fwd := d.fwd
	d.mu.RUnlock()

	var err error
	if fwd == nil {
		err = ErrNoRoute
	} else {
		err = fwd.ForwardTap(ctx, ev)
	}
	if err != nil {
		rec.Error = err.Error()
		d.log.Info("tap payload not forwarded", logx.String("id", resp.RequestID), logx.String("payload", *resp.Payload), logx.Err(err))
		eventbus.Publish(d.bus, eventbus.TypeTapUnrouted, rec)
		return false
	}
	rec.Forwarded = true
	d.log.Debug("tap forwarded", logx.String("id", resp.RequestID), logx.String("action", resp.ActionID))
	eventbus.Publish(d.bus, eventbus.TypeTapDispatched, rec)
	return true
}

// Run dispatches responses until ctx is done or the stream closes.
// A nil stream (backend without interactions) blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, responses <-chan notification.Response) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, resp)
		}
	}
}
