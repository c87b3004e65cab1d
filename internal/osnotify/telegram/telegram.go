// Package telegram uses a Telegram chat as a remote notification tray.
//
// Each notification becomes a message with an inline "Open" button. Pressing
// the button is the tap: the callback query is turned into a
// notification.Response carrying the payload attached at submission.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

const (
	tapUnique = "tap"
	// Leaves headroom under the 4096 character message limit for the title.
	bodyLimit = 3500
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
	RatePerSec  int
}

// bot is the slice of *tele.Bot the service uses.
type bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	ChatByID(id int64) (*tele.Chat, error)
	Start()
	Stop()
}

type pending struct {
	tapAction string
	payload   *string
}

// Service implements osnotify.Service. It is safe for concurrent use.
type Service struct {
	cfg     Config
	log     logx.Logger
	bot     bot
	limiter *rate.Limiter

	mu        sync.Mutex
	groups    map[string]notification.Grouping
	pending   map[string]pending
	closed    bool
	responses chan notification.Response
}

var _ osnotify.Service = (*Service)(nil)

func New(cfg Config, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"callback_query"}},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	s := newService(cfg, log, b)
	// Buttons are created per message; the handler is keyed by the unique part.
	b.Handle(&tele.Btn{Unique: tapUnique}, func(c tele.Context) error {
		text := ""
		if !s.handleTap(c.Data()) {
			text = "This notification is no longer available."
		}
		return c.Respond(&tele.CallbackResponse{Text: text})
	})
	return s, nil
}

func newService(cfg Config, log logx.Logger, b bot) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bot:       b,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		groups:    map[string]notification.Grouping{},
		pending:   map[string]pending{},
		responses: make(chan notification.Response, 32),
	}
}

func (s *Service) Name() string { return "telegram" }

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

// RequestAuthorization checks the bot can reach the configured chat.
func (s *Service) RequestAuthorization(_ context.Context, _ osnotify.AuthOptions) (bool, error) {
	if _, err := s.bot.ChatByID(s.cfg.ChatID); err != nil {
		return false, fmt.Errorf("telegram: chat %d: %w", s.cfg.ChatID, err)
	}
	return true, nil
}

func (s *Service) Add(ctx context.Context, req notification.Request) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return osnotify.ErrClosed
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	opts := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		DisableNotification: req.Importance != 0 && req.Importance <= notification.ImportanceLow,
		Protected:           req.Visibility == notification.VisibilityPrivate,
	}
	if req.TapAction.ID != "" {
		label := req.TapAction.Label
		if label == "" {
			label = "Open"
		}
		m := &tele.ReplyMarkup{}
		m.Inline(m.Row(m.Data(label, tapUnique, req.ID)))
		opts.ReplyMarkup = m
	}

	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), formatMessage(req), opts); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}

	if req.TapAction.ID != "" {
		s.mu.Lock()
		if !s.closed {
			s.pending[req.ID] = pending{tapAction: req.TapAction.ID, payload: req.Payload}
		}
		s.mu.Unlock()
	}
	return nil
}

func formatMessage(req notification.Request) string {
	body := req.Body
	if len([]rune(body)) > bodyLimit {
		body = string([]rune(body)[:bodyLimit-1]) + "…"
	}
	var b strings.Builder
	if req.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(req.Title))
		b.WriteString("</b>\n")
	}
	b.WriteString(html.EscapeString(body))
	return b.String()
}

// handleTap turns a button press into a Response. Reports false when the
// notification was already tapped or is unknown.
func (s *Service) handleTap(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if !ok || s.closed {
		return false
	}
	delete(s.pending, requestID)
	select {
	case s.responses <- notification.Response{RequestID: requestID, ActionID: p.tapAction, Payload: p.payload}:
	default:
		s.log.Warn("response dropped (consumer slow)", logx.String("id", requestID))
	}
	return true
}

func (s *Service) Responses() <-chan notification.Response { return s.responses }

// Run long-polls for button presses until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.bot.Stop()
		case <-done:
		}
	}()
	s.log.Info("polling started")
	s.bot.Start()
	close(done)
	s.log.Info("polling stopped")
	return ctx.Err()
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = map[string]pending{}
	close(s.responses)
	return nil
}
