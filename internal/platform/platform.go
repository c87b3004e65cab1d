// Package platform implements the two native handler variants behind the
// bridge's command contract.
//
// Both variants share the same capability set (register the grouping,
// present a notification, dispatch a tap) and differ in how the grouping
// comes to exist:
//
//   - Channel: the OS needs no consent to display. initialize synchronously
//     creates a high-importance channel.
//   - Consent: the OS requires the user's permission. initialize registers
//     the message category and fires a permission request without waiting.
//
// Display is fire-and-forget in both: Present builds the request, hands it to
// a Launcher and returns. The OS outcome is only logged and published.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"notifybridge/internal/dispatch"
	"notifybridge/internal/eventbus"
	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

const (
	VariantAuto    = "auto"
	VariantChannel = "channel"
	VariantConsent = "consent"
)

// Defaults for the grouping the bridge registers.
const (
	DefaultGroupingID  = "bridge_messages"
	DefaultCategoryID  = "MESSAGE"
	DefaultTapActionID = "open"
)

const defaultSubmitTimeout = 10 * time.Second

// Message is the validated input of a showNotification command.
type Message struct {
	Title   string
	Body    string
	Payload *string
}

// Platform is the capability set every variant implements.
type Platform interface {
	Variant() string
	// RegisterGrouping ensures the grouping exists. The error is for
	// diagnostics only; callers never surface it.
	RegisterGrouping(ctx context.Context) error
	// Present submits one notification without waiting for the OS and
	// returns its identifier.
	Present(ctx context.Context, msg Message) string
	// DispatchTap forwards an interaction's payload to the application layer.
	DispatchTap(ctx context.Context, resp notification.Response) bool
}

// Launcher runs detached work. The supervisor satisfies it in production.
type Launcher interface {
	Go(name string, fn func(ctx context.Context) error)
}

// InlineLauncher runs work synchronously on the caller's goroutine with
// Context (or Background). Tests use it to observe submissions immediately.
type InlineLauncher struct {
	Context context.Context
}

func (l InlineLauncher) Go(_ string, fn func(ctx context.Context) error) {
	ctx := l.Context
	if ctx == nil {
		ctx = context.Background()
	}
	_ = fn(ctx)
}

type Options struct {
	Service    osnotify.Service
	Dispatcher *dispatch.Dispatcher
	Launcher   Launcher
	Log        logx.Logger
	Bus        eventbus.Bus

	// Grouping overrides DefaultGrouping(); empty fields keep defaults.
	Grouping notification.Grouping
	// RatePerSec bounds detached submissions; <= 0 disables the limiter.
	RatePerSec float64
	// LongTextThreshold is the body length (in characters) above which the
	// channel variant uses the expandable style; negative disables it.
	LongTextThreshold int
	// Provisional asks the consent variant for quiet, non-interrupting
	// authorization where the OS supports it.
	Provisional   bool
	SubmitTimeout time.Duration
}

// DefaultGrouping is the single grouping the bridge registers.
func DefaultGrouping() notification.Grouping {
	return notification.Grouping{
		ID:          DefaultGroupingID,
		Name:        "Messages",
		Description: "Notifications for incoming messages",
		Importance:  notification.ImportanceHigh,
		Lights:      true,
		Vibration:   true,
		ShowBadge:   true,
		CategoryID:  DefaultCategoryID,
		Actions:     []notification.Action{{ID: DefaultTapActionID, Label: "Open", Foreground: true}},
	}
}

func mergeGrouping(over notification.Grouping) notification.Grouping {
	g := DefaultGrouping()
	if strings.TrimSpace(over.ID) != "" {
		g.ID = over.ID
	}
	if over.Name != "" {
		g.Name = over.Name
	}
	if over.Description != "" {
		g.Description = over.Description
	}
	if over.Importance != 0 {
		g.Importance = over.Importance
	}
	if over.CategoryID != "" {
		g.CategoryID = over.CategoryID
	}
	if len(over.Actions) > 0 {
		g.Actions = append([]notification.Action(nil), over.Actions...)
	}
	return g
}

// New builds the named variant. "auto" or "" picks the build target's default.
func New(variant string, opts Options) (Platform, error) {
	v := strings.ToLower(strings.TrimSpace(variant))
	if v == "" || v == VariantAuto {
		v = DefaultVariant
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("platform: notification service is required")
	}
	c := newCore(opts)
	switch v {
	case VariantChannel:
		return &Channel{core: c}, nil
	case VariantConsent:
		return &Consent{core: c, provisional: opts.Provisional}, nil
	default:
		return nil, fmt.Errorf("platform: unknown variant %q", variant)
	}
}

// core is the state both variants share.
type core struct {
	svc      osnotify.Service
	disp     *dispatch.Dispatcher
	launcher Launcher
	log      logx.Logger
	bus      eventbus.Bus
	registry *Registry

	limiter       *rate.Limiter
	longText      int
	submitTimeout time.Duration
}

func newCore(opts Options) *core {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	disp := opts.Dispatcher
	if disp == nil {
		disp = dispatch.New(log, opts.Bus)
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = InlineLauncher{}
	}
	timeout := opts.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	c := &core{
		svc:           opts.Service,
		disp:          disp,
		launcher:      launcher,
		log:           log,
		bus:           opts.Bus,
		registry:      NewRegistry(mergeGrouping(opts.Grouping)),
		longText:      opts.LongTextThreshold,
		submitTimeout: timeout,
	}
	c.limiter = newLimiter(opts.RatePerSec)
	return c
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// SetRate changes the submission rate at runtime (config hot reload).
func (c *core) SetRate(perSec float64) {
	if perSec <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(perSec))
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	c.limiter.SetBurst(burst)
}

// Registry exposes the grouping registry (read-only use).
func (c *core) Registry() *Registry { return c.registry }

func (c *core) DispatchTap(ctx context.Context, resp notification.Response) bool {
	return c.disp.Dispatch(ctx, resp)
}

// ensureGrouping registers the grouping on first use and logs failures.
func (c *core) ensureGrouping(ctx context.Context) (notification.Grouping, error) {
	g, created, err := c.registry.Ensure(ctx, c.svc.CreateGroup)
	if err != nil {
		c.log.Warn("grouping registration failed", logx.String("grouping", g.ID), logx.Err(err))
		return g, err
	}
	if created {
		c.log.Info("grouping registered", logx.String("grouping", g.ID), logx.String("importance", g.Importance.String()), logx.String("backend", c.svc.Name()))
		eventbus.Publish(c.bus, eventbus.TypeGroupingRegistered, g)
	}
	return g, nil
}

// SubmitRecord is published on the event bus for every detached submission.
type SubmitRecord struct {
	RequestID string `json:"request_id"`
	Backend   string `json:"backend"`
	Error     string `json:"error,omitempty"`
}

// submit hands req to the OS service on the launcher and returns at once.
// The outcome is logged and published, never returned.
func (c *core) submit(req notification.Request) {
	c.launcher.Go("present."+req.ID, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Debug("submission abandoned", logx.String("id", req.ID), logx.Err(err))
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
		defer cancel()

		rec := SubmitRecord{RequestID: req.ID, Backend: c.svc.Name()}
		if err := c.svc.Add(sctx, req); err != nil {
			rec.Error = err.Error()
			c.log.Warn("notification not displayed", logx.String("id", req.ID), logx.Err(err))
			eventbus.Publish(c.bus, eventbus.TypeNotificationFailed, rec)
			return nil
		}
		c.log.Debug("notification submitted", logx.String("id", req.ID))
		eventbus.Publish(c.bus, eventbus.TypeNotificationSubmitted, rec)
		return nil
	})
}

// baseRequest fills the fields both variants agree on.
func baseRequest(g notification.Grouping, msg Message) notification.Request {
	return notification.Request{
		ID:         notification.NewID(),
		Title:      msg.Title,
		Body:       msg.Body,
		Payload:    msg.Payload,
		GroupingID: g.ID,
		CategoryID: g.CategoryID,
		Category:   notification.CategoryMessage,
		Importance: g.Importance,
		Visibility: notification.VisibilityPublic,
		Sound:      true,
		TapAction:  g.TapAction(),
	}
}
