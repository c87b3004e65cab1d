// Package beeep is the portable fallback backend. It can display a
// notification on macOS, Windows and Linux but reports no interactions, so
// payloads are never delivered back.
package beeep

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/beeep"

	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

type Config struct {
	Icon string
}

// Service implements osnotify.Service.
type Service struct {
	cfg    Config
	log    logx.Logger
	notify func(title, body, icon string) error

	mu     sync.Mutex
	groups map[string]notification.Grouping
	closed bool
}

var _ osnotify.Service = (*Service)(nil)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		groups: map[string]notification.Grouping{},
		notify: func(title, body, icon string) error { return beeep.Notify(title, body, icon) },
	}
}

func (s *Service) Name() string { return "beeep" }

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

// RequestAuthorization always grants: the helper tools beeep drives have no
// consent API of their own.
func (s *Service) RequestAuthorization(_ context.Context, _ osnotify.AuthOptions) (bool, error) {
	return true, nil
}

func (s *Service) Add(ctx context.Context, req notification.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return osnotify.ErrClosed
	}
	if err := s.notify(req.Title, req.Body, s.cfg.Icon); err != nil {
		return fmt.Errorf("beeep: notify: %w", err)
	}
	if req.Payload != nil {
		s.log.Debug("payload attached but this backend reports no taps", logx.String("id", req.ID))
	}
	return nil
}

// Responses returns nil: this backend never reports interactions.
func (s *Service) Responses() <-chan notification.Response { return nil }

func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
