package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybridge/internal/dispatch"
	"notifybridge/internal/eventbus"
	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify/memory"
	"notifybridge/internal/platform"
	logx "notifybridge/pkg/logx"
)

type fixture struct {
	svc    *memory.Service
	disp   *dispatch.Dispatcher
	router *Router
	bus    eventbus.Bus
}

func newFixture(t *testing.T, variant string) *fixture {
	t.Helper()
	svc := memory.New()
	bus := eventbus.New()
	disp := dispatch.New(logx.Nop(), bus)
	p, err := platform.New(variant, platform.Options{
		Service:    svc,
		Dispatcher: disp,
		Launcher:   platform.InlineLauncher{},
		Bus:        bus,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, disp: disp, router: NewRouter(p, logx.Nop(), bus), bus: bus}
}

func show(args map[string]any) Command {
	return Command{Name: CommandShowNotification, Args: args}
}

func variants() []string { return []string{platform.VariantChannel, platform.VariantConsent} }

func TestUnknownCommandIsNotImplemented(t *testing.T) {
	for _, v := range variants() {
		t.Run(v, func(t *testing.T) {
			f := newFixture(t, v)
			res := f.router.Handle(context.Background(), Command{Name: "frobnicate"})
			assert.Equal(t, OutcomeNotImplemented, res.Outcome)
			assert.Nil(t, res.Err)
			assert.Zero(t, f.svc.Submitted())
			assert.Zero(t, f.svc.GroupCalls())
		})
	}
}

func TestMissingTitleOrBodyIsInvalidArguments(t *testing.T) {
	cases := map[string]map[string]any{
		"no title":     {"body": "x"},
		"no body":      {"title": "x"},
		"neither":      {},
		"nil args":     nil,
		"null title":   {"title": nil, "body": "x"},
		"numeric body": {"title": "x", "body": 3.0},
	}
	for _, v := range variants() {
		for name, args := range cases {
			t.Run(v+"/"+name, func(t *testing.T) {
				f := newFixture(t, v)
				res := f.router.Handle(context.Background(), show(args))
				require.Equal(t, OutcomeError, res.Outcome)
				require.NotNil(t, res.Err)
				assert.Equal(t, CodeInvalidArguments, res.Err.Code)
				assert.Equal(t, "Title and body are required", res.Err.Message)
				assert.True(t, errors.Is(res.Err, ErrInvalidArguments))
				assert.Zero(t, f.svc.Submitted(), "nothing submitted on validation failure")
				assert.Zero(t, f.svc.GroupCalls(), "no side effects on validation failure")
			})
		}
	}
}

func TestNonStringPayloadIsInvalidArguments(t *testing.T) {
	f := newFixture(t, platform.VariantChannel)
	res := f.router.Handle(context.Background(), show(map[string]any{"title": "t", "body": "b", "payload": 42.0}))
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeInvalidArguments, res.Err.Code)
	assert.Equal(t, "Payload must be a string", res.Err.Message)
	assert.Zero(t, f.svc.Submitted())
}

func TestEmptyStringsAreValid(t *testing.T) {
	f := newFixture(t, platform.VariantChannel)
	res := f.router.Handle(context.Background(), show(map[string]any{"title": "", "body": ""}))
	assert.True(t, res.OK())
	assert.Equal(t, 1, f.svc.Submitted())
}

func TestInitializeIsIdempotent(t *testing.T) {
	for _, v := range variants() {
		t.Run(v, func(t *testing.T) {
			f := newFixture(t, v)
			for i := 0; i < 3; i++ {
				res := f.router.Handle(context.Background(), Command{Name: CommandInitialize})
				require.True(t, res.OK())
				assert.Nil(t, res.Value)
			}
			assert.Equal(t, 1, f.svc.GroupCalls())
			assert.Len(t, f.svc.Groups(), 1)
		})
	}
}

func TestShowNotificationScenario(t *testing.T) {
	for _, v := range variants() {
		t.Run(v, func(t *testing.T) {
			f := newFixture(t, v)
			var taps []notification.TapEvent
			f.disp.SetForwarder(dispatch.ForwarderFunc(func(ctx context.Context, ev notification.TapEvent) error {
				taps = append(taps, ev)
				return nil
			}))

			require.True(t, f.router.Handle(context.Background(), Command{Name: CommandInitialize}).OK())
			res := f.router.Handle(context.Background(), show(map[string]any{
				"title": "New message", "body": "Hi", "payload": "conv-42",
			}))
			require.True(t, res.OK())
			assert.Nil(t, res.Value)

			tray := f.svc.Tray()
			require.Len(t, tray, 1)
			assert.Equal(t, "New message", tray[0].Title)
			assert.Equal(t, "Hi", tray[0].Body)

			require.True(t, f.svc.Tap(tray[0].ID, ""))
			require.True(t, f.disp.Dispatch(context.Background(), <-f.svc.Responses()))
			require.Len(t, taps, 1)
			require.NotNil(t, taps[0].Payload)
			assert.Equal(t, "conv-42", *taps[0].Payload)
			assert.Empty(t, f.svc.Tray())
		})
	}
}

func TestAbsentPayloadForwardsNothing(t *testing.T) {
	for _, args := range []map[string]any{
		{"title": "t", "body": "b"},
		{"title": "t", "body": "b", "payload": nil},
	} {
		f := newFixture(t, platform.VariantChannel)
		called := false
		f.disp.SetForwarder(dispatch.ForwarderFunc(func(ctx context.Context, ev notification.TapEvent) error {
			called = true
			return nil
		}))
		require.True(t, f.router.Handle(context.Background(), show(args)).OK())
		tray := f.svc.Tray()
		require.Len(t, tray, 1)
		assert.Nil(t, tray[0].Payload)

		require.True(t, f.svc.Tap(tray[0].ID, ""))
		assert.False(t, f.disp.Dispatch(context.Background(), <-f.svc.Responses()))
		assert.False(t, called)
	}
}

func TestEachShowCreatesDistinctNotification(t *testing.T) {
	f := newFixture(t, platform.VariantChannel)
	for i := 0; i < 50; i++ {
		require.True(t, f.router.Handle(context.Background(), show(map[string]any{"title": "t", "body": "b"})).OK())
	}
	ids := map[string]struct{}{}
	for _, req := range f.svc.Tray() {
		ids[req.ID] = struct{}{}
	}
	assert.Len(t, ids, 50)
}

func TestOSFailureStillSucceeds(t *testing.T) {
	svc := memory.New(memory.WithAddError(errors.New("suppressed")), memory.WithAuthorization(false, errors.New("denied")))
	p, err := platform.New(platform.VariantConsent, platform.Options{Service: svc})
	require.NoError(t, err)
	r := NewRouter(p, logx.Nop(), nil)

	assert.True(t, r.Handle(context.Background(), Command{Name: CommandInitialize}).OK())
	assert.True(t, r.Handle(context.Background(), show(map[string]any{"title": "t", "body": "b"})).OK())
	assert.Empty(t, svc.Tray())
}

func TestHandlePublishesEvent(t *testing.T) {
	f := newFixture(t, platform.VariantChannel)
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.router.Handle(context.Background(), show(map[string]any{"body": "x"}))
	for len(events) > 0 {
		e := <-events
		if e.Type != eventbus.TypeCommandHandled {
			continue
		}
		rec := e.Data.(HandledRecord)
		assert.Equal(t, CommandShowNotification, rec.Command)
		assert.Equal(t, "error", rec.Outcome)
		assert.Equal(t, CodeInvalidArguments, rec.Code)
		return
	}
	t.Fatal("command.handled not published")
}

func TestErrorFormatting(t *testing.T) {
	err := invalidArguments("Title and body are required")
	assert.Equal(t, "INVALID_ARGUMENTS: Title and body are required", err.Error())
	assert.Equal(t, "INVALID_ARGUMENTS", (&Error{Code: CodeInvalidArguments}).Error())
	assert.False(t, errors.Is(err, errors.New("other")))
}
