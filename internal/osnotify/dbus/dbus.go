// Package dbus shows notifications through the freedesktop notification
// server on the session bus (org.freedesktop.Notifications).
//
// The server has no channel concept: groupings are kept locally and only
// shape the hints of each notification. Interaction comes back as the
// ActionInvoked signal, which is translated into a notification.Response.
package dbus

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = godbus.ObjectPath("/org/freedesktop/Notifications")
	iface      = "org.freedesktop.Notifications"

	memberActionInvoked      = "ActionInvoked"
	memberNotificationClosed = "NotificationClosed"

	// Invoked when the user clicks the notification body.
	defaultActionKey = "default"
)

// Urgency levels of the freedesktop spec.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

type Config struct {
	AppName string
	// ExpireTimeout is how long the server keeps the bubble up; 0 uses the
	// server default.
	ExpireTimeout time.Duration
	// Icon is an icon name or file:// URI; empty means none.
	Icon string
}

// caller is the slice of godbus.BusObject the service uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags godbus.Flags, args ...interface{}) *godbus.Call
}

type pending struct {
	requestID string
	tapAction string
	payload   *string
}

// Service implements osnotify.Service. It is safe for concurrent use.
type Service struct {
	cfg  Config
	log  logx.Logger
	conn *godbus.Conn
	obj  caller

	signals chan *godbus.Signal

	mu        sync.Mutex
	groups    map[string]notification.Grouping
	pending   map[uint32]pending
	caps      map[string]bool
	closed    bool
	responses chan notification.Response
}

var _ osnotify.Service = (*Service)(nil)

// New connects to the session bus and subscribes to interaction signals.
// Call Run to start consuming them.
func New(cfg Config, log logx.Logger) (*Service, error) {
	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("dbus: connect session bus: %w", err)
	}
	if err := conn.AddMatchSignal(
		godbus.WithMatchObjectPath(objectPath),
		godbus.WithMatchInterface(iface),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dbus: add match: %w", err)
	}
	s := newService(cfg, log, conn.Object(busName, objectPath))
	s.conn = conn
	conn.Signal(s.signals)
	return s, nil
}

func newService(cfg Config, log logx.Logger, obj caller) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = "notifybridge"
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		obj:       obj,
		signals:   make(chan *godbus.Signal, 32),
		groups:    map[string]notification.Grouping{},
		pending:   map[uint32]pending{},
		responses: make(chan notification.Response, 32),
	}
}

func (s *Service) Name() string { return "dbus" }

// CreateGroup records g locally; the first registration of an ID wins.
func (s *Service) CreateGroup(_ context.Context, g notification.Grouping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return osnotify.ErrClosed
	}
	if _, ok := s.groups[g.ID]; !ok {
		s.groups[g.ID] = g.Clone()
	}
	return nil
}

// RequestAuthorization has no consent prompt on this bus. It reports whether a
// notification server answers and supports bodies.
func (s *Service) RequestAuthorization(ctx context.Context, _ osnotify.AuthOptions) (bool, error) {
	var name, vendor, version, specVersion string
	if err := s.obj.CallWithContext(ctx, iface+".GetServerInformation", 0).Store(&name, &vendor, &version, &specVersion); err != nil {
		return false, fmt.Errorf("dbus: server information: %w", err)
	}
	caps, err := s.capabilities(ctx)
	if err != nil {
		return false, err
	}
	s.log.Debug("notification server", logx.String("name", name), logx.String("vendor", vendor), logx.String("version", version), logx.String("spec", specVersion))
	return caps["body"], nil
}

func (s *Service) capabilities(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()
	if caps != nil {
		return caps, nil
	}

	var list []string
	if err := s.obj.CallWithContext(ctx, iface+".GetCapabilities", 0).Store(&list); err != nil {
		return nil, fmt.Errorf("dbus: capabilities: %w", err)
	}
	caps = make(map[string]bool, len(list))
	for _, c := range list {
		caps[c] = true
	}
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
	return caps, nil
}

func (s *Service) Add(ctx context.Context, req notification.Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return osnotify.ErrClosed
	}
	g := s.groups[req.GroupingID]
	s.mu.Unlock()

	body := req.Body
	if caps, err := s.capabilities(ctx); err == nil && caps["body-markup"] {
		body = html.EscapeString(body)
	}

	var actions []string
	if req.TapAction.ID != "" {
		label := req.TapAction.Label
		if label == "" {
			label = "Open"
		}
		actions = []string{defaultActionKey, label}
	}

	var id uint32
	err := s.obj.CallWithContext(ctx, iface+".Notify", 0,
		s.cfg.AppName,
		uint32(0),
		s.cfg.Icon,
		req.Title,
		body,
		actions,
		hints(req, g, s.cfg.AppName),
		expireMillis(s.cfg.ExpireTimeout),
	).Store(&id)
	if err != nil {
		return fmt.Errorf("dbus: notify: %w", err)
	}

	s.mu.Lock()
	if !s.closed && req.TapAction.ID != "" {
		s.pending[id] = pending{requestID: req.ID, tapAction: req.TapAction.ID, payload: req.Payload}
	}
	s.mu.Unlock()
	s.log.Debug("notification submitted", logx.String("id", req.ID), logx.Uint64("server_id", uint64(id)))
	return nil
}

func hints(req notification.Request, g notification.Grouping, appName string) map[string]godbus.Variant {
	h := map[string]godbus.Variant{
		"urgency":       godbus.MakeVariant(urgencyFor(req.Importance)),
		"desktop-entry": godbus.MakeVariant(appName),
	}
	if req.Category == notification.CategoryMessage {
		h["category"] = godbus.MakeVariant("im.received")
	}
	if req.Sound {
		h["sound-name"] = godbus.MakeVariant("message-new-instant")
	} else {
		h["suppress-sound"] = godbus.MakeVariant(true)
	}
	if g.ID != "" {
		h["x-notifybridge-grouping"] = godbus.MakeVariant(g.ID)
	}
	if req.Visibility == notification.VisibilityPrivate {
		h["transient"] = godbus.MakeVariant(true)
	}
	return h
}

func urgencyFor(i notification.Importance) byte {
	switch {
	case i >= notification.ImportanceMax:
		return urgencyCritical
	case i <= notification.ImportanceLow && i != 0:
		return urgencyLow
	default:
		return urgencyNormal
	}
}

func expireMillis(d time.Duration) int32 {
	if d <= 0 {
		return -1
	}
	return int32(d / time.Millisecond)
}

func (s *Service) Responses() <-chan notification.Response { return s.responses }

// Run consumes bus signals until ctx is done or the connection drops.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-s.signals:
			if !ok {
				return errors.New("dbus: signal channel closed")
			}
			s.handleSignal(ctx, sig)
		}
	}
}

func (s *Service) handleSignal(ctx context.Context, sig *godbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	switch sig.Name {
	case iface + "." + memberActionInvoked:
		key, _ := sig.Body[1].(string)
		s.mu.Lock()
		p, found := s.pending[id]
		delete(s.pending, id)
		if !found || s.closed {
			s.mu.Unlock()
			return
		}
		action := key
		if key == defaultActionKey {
			action = p.tapAction
		}
		select {
		case s.responses <- notification.Response{RequestID: p.requestID, ActionID: action, Payload: p.payload}:
		default:
			s.log.Warn("response dropped (consumer slow)", logx.String("id", p.requestID))
		}
		s.mu.Unlock()
		// Tapped notifications leave the tray.
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if call := s.obj.CallWithContext(cctx, iface+".CloseNotification", 0, id); call != nil && call.Err != nil {
			s.log.Debug("close notification failed", logx.Err(call.Err))
		}
		cancel()
	case iface + "." + memberNotificationClosed:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
}

// Pending reports how many displayed notifications still carry a payload.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = map[uint32]pending{}
	close(s.responses)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.RemoveSignal(s.signals)
		return conn.Close()
	}
	return nil
}
