// Package memory is an in-process notification tray.
//
// It records everything synchronously, which makes it the fake OS service for
// tests, and a log-only backend for headless runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	log logx.Logger

	mu        sync.Mutex
	groups    map[string]notification.Grouping
	groupAdds int
	tray      []notification.Request
	submitted int
	authCalls []osnotify.AuthOptions
	granted   bool
	authErr   error
	addErr    error
	closed    bool

	responses chan notification.Response
}

var _ osnotify.Service = (*Service)(nil)

type Option func(*Service)

// WithAuthorization fixes the outcome of RequestAuthorization.
func WithAuthorization(granted bool, err error) Option {
	return func(s *Service) {
		s.granted = granted
		s.authErr = err
	}
}

// WithAddError makes every Add fail with err.
func WithAddError(err error) Option {
	return func(s *Service) { s.addErr = err }
}

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(opts ...Option) *Service {
	s := &Service{
		log:       logx.Nop(),
		groups:    map[string]notification.Grouping{},
		granted:   true,
		responses: make(chan notification.Response, 64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Name() string { return "memory" }

// CreateGroup keeps the first registration of an ID, like the OS does.
func (s *Service) CreateGroup(_ context.Context, g notification.Grouping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return osnotify.ErrClosed
	}
	s.groupAdds++
	if _, ok := s.groups[g.ID]; ok {
		return nil
	}
	s.groups[g.ID] = g.Clone()
	return nil
}

func (s *Service) RequestAuthorization(_ context.Context, opts osnotify.AuthOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls = append(s.authCalls, opts)
	if s.authErr != nil {
		return false, s.authErr
	}
	return s.granted, nil
}

func (s *Service) Add(_ context.Context, req notification.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return osnotify.ErrClosed
	}
	if s.addErr != nil {
		return s.addErr
	}
	if _, ok := s.groups[req.GroupingID]; !ok && req.GroupingID != "" {
		return fmt.Errorf("memory: unknown grouping %q", req.GroupingID)
	}
	s.submitted++
	// Same ID replaces the displayed notification, as OS trays do.
	for i := range s.tray {
		if s.tray[i].ID == req.ID {
			s.tray[i] = req
			return nil
		}
	}
	s.tray = append(s.tray, req)
	s.log.Info("notification shown", logx.String("id", req.ID), logx.String("title", req.Title), logx.OptString("payload", req.Payload))
	return nil
}

func (s *Service) Responses() <-chan notification.Response { return s.responses }

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.responses)
	return nil
}

// Tap simulates the user activating actionID on a displayed notification.
// The notification leaves the tray (auto-cancel) and its payload is emitted
// once on Responses. Returns false if id is not in the tray.
func (s *Service) Tap(id, actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for i, req := range s.tray {
		if req.ID != id {
			continue
		}
		s.tray = append(s.tray[:i], s.tray[i+1:]...)
		if actionID == "" {
			actionID = req.TapAction.ID
		}
		select {
		case s.responses <- notification.Response{RequestID: req.ID, ActionID: actionID, Payload: req.Payload}:
		default:
			s.log.Warn("response dropped (consumer slow)", logx.String("id", req.ID))
		}
		return true
	}
	return false
}

// Dismiss removes id from the tray without an interaction.
func (s *Service) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, req := range s.tray {
		if req.ID == id {
			s.tray = append(s.tray[:i], s.tray[i+1:]...)
			return true
		}
	}
	return false
}

// Tray returns the currently displayed notifications in submission order.
func (s *Service) Tray() []notification.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Request(nil), s.tray...)
}

// Submitted counts accepted Add calls.
func (s *Service) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Groups returns the registered groupings keyed by ID.
func (s *Service) Groups() map[string]notification.Grouping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]notification.Grouping, len(s.groups))
	for k, v := range s.groups {
		out[k] = v.Clone()
	}
	return out
}

// GroupCalls counts CreateGroup calls, including deduplicated ones.
func (s *Service) GroupCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupAdds
}

// AuthRequests returns every RequestAuthorization call in order.
func (s *Service) AuthRequests() []osnotify.AuthOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]osnotify.AuthOptions(nil), s.authCalls...)
}
