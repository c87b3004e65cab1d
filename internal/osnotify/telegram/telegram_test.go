package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

type sent struct {
	to   tele.Recipient
	what interface{}
	opts *tele.SendOptions
}

type fakeBot struct {
	mu      sync.Mutex
	sent    []sent
	sendErr error
	chatErr error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	s := sent{to: to, what: what}
	if len(opts) > 0 {
		s.opts, _ = opts[0].(*tele.SendOptions)
	}
	f.sent = append(f.sent, s)
	return &tele.Message{ID: len(f.sent)}, nil
}

func (f *fakeBot) ChatByID(id int64) (*tele.Chat, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &tele.Chat{ID: id}, nil
}

func (f *fakeBot) Start() {}
func (f *fakeBot) Stop()  {}

func newTestService() (*Service, *fakeBot) {
	b := &fakeBot{}
	return newService(Config{ChatID: 42, RatePerSec: 100}, logx.Nop(), b), b
}

func TestAddSendsMessageWithTapButton(t *testing.T) {
	s, b := newTestService()
	req := notification.Request{
		ID:        "req-1",
		Title:     "New <message>",
		Body:      "Hello there",
		Payload:   notification.Ptr("conv-42"),
		TapAction: notification.Action{ID: "open", Label: "Open"},
	}
	require.NoError(t, s.Add(context.Background(), req))

	require.Len(t, b.sent, 1)
	assert.Equal(t, "42", b.sent[0].to.Recipient())
	assert.Equal(t, "<b>New &lt;message&gt;</b>\nHello there", b.sent[0].what)
	require.NotNil(t, b.sent[0].opts)
	assert.Equal(t, tele.ModeHTML, b.sent[0].opts.ParseMode)
	markup := b.sent[0].opts.ReplyMarkup
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 1)
	assert.Equal(t, "Open", markup.InlineKeyboard[0][0].Text)
	assert.Contains(t, markup.InlineKeyboard[0][0].Data, "req-1")
}

func TestTapRoundTripsPayloadOnce(t *testing.T) {
	s, _ := newTestService()
	req := notification.Request{ID: "req-1", Payload: notification.Ptr("conv-42"), TapAction: notification.Action{ID: "open"}}
	require.NoError(t, s.Add(context.Background(), req))

	require.True(t, s.handleTap("req-1"))
	assert.False(t, s.handleTap("req-1"))

	resp := <-s.Responses()
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "open", resp.ActionID)
	require.NotNil(t, resp.Payload)
	assert.Equal(t, "conv-42", *resp.Payload)
}

func TestLowImportanceIsSilent(t *testing.T) {
	s, b := newTestService()
	require.NoError(t, s.Add(context.Background(), notification.Request{ID: "r", Importance: notification.ImportanceLow}))
	assert.True(t, b.sent[0].opts.DisableNotification)
	assert.Nil(t, b.sent[0].opts.ReplyMarkup)
}

func TestSendErrorIsWrapped(t *testing.T) {
	s, b := newTestService()
	boom := errors.New("flood")
	b.sendErr = boom
	err := s.Add(context.Background(), notification.Request{ID: "r", TapAction: notification.Action{ID: "open"}})
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.handleTap("r"), "failed sends are not tappable")
}

func TestRequestAuthorization(t *testing.T) {
	s, b := newTestService()
	granted, err := s.RequestAuthorization(context.Background(), osnotify.AuthOptions{Alert: true})
	require.NoError(t, err)
	assert.True(t, granted)

	b.chatErr = errors.New("chat not found")
	granted, err = s.RequestAuthorization(context.Background(), osnotify.AuthOptions{Alert: true})
	assert.Error(t, err)
	assert.False(t, granted)
}

func TestFormatMessageTruncatesLongBodies(t *testing.T) {
	msg := formatMessage(notification.Request{Body: strings.Repeat("x", bodyLimit+100)})
	assert.Equal(t, bodyLimit, len([]rune(msg)))
	assert.True(t, strings.HasSuffix(msg, "…"))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "x"}, logx.Nop())
	assert.Error(t, err)
}
