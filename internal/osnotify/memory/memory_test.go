package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify"
)

func TestCreateGroupKeepsFirstRegistration(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateGroup(ctx, notification.Grouping{ID: "g", Importance: notification.ImportanceHigh}))
	require.NoError(t, s.CreateGroup(ctx, notification.Grouping{ID: "g", Importance: notification.ImportanceLow}))

	groups := s.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, notification.ImportanceHigh, groups["g"].Importance)
	assert.Equal(t, 2, s.GroupCalls())
}

func TestAddRejectsUnknownGrouping(t *testing.T) {
	s := New()
	err := s.Add(context.Background(), notification.Request{ID: "1", GroupingID: "missing"})
	require.Error(t, err)
	assert.Empty(t, s.Tray())
}

func TestTapEmitsPayloadOnceAndLeavesTray(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateGroup(ctx, notification.Grouping{ID: "g"}))
	req := notification.Request{ID: "n1", GroupingID: "g", Payload: notification.Ptr("conv-42"), TapAction: notification.Action{ID: "open"}}
	require.NoError(t, s.Add(ctx, req))

	require.True(t, s.Tap("n1", ""))
	resp := <-s.Responses()
	assert.Equal(t, "n1", resp.RequestID)
	assert.Equal(t, "open", resp.ActionID)
	require.NotNil(t, resp.Payload)
	assert.Equal(t, "conv-42", *resp.Payload)

	assert.False(t, s.Tap("n1", ""), "tapped notification is gone")
	assert.Empty(t, s.Tray())
}

func TestAddSameIDReplaces(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, notification.Request{ID: "x", Title: "a"}))
	require.NoError(t, s.Add(ctx, notification.Request{ID: "x", Title: "b"}))
	tray := s.Tray()
	require.Len(t, tray, 1)
	assert.Equal(t, "b", tray[0].Title)
}

func TestAuthorizationAndErrors(t *testing.T) {
	boom := errors.New("boom")
	s := New(WithAuthorization(false, boom), WithAddError(boom))
	granted, err := s.RequestAuthorization(context.Background(), osnotify.AuthOptions{Alert: true})
	assert.False(t, granted)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Add(context.Background(), notification.Request{ID: "1"}), boom)
	assert.Len(t, s.AuthRequests(), 1)
}

func TestClose(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Add(context.Background(), notification.Request{ID: "1"}), osnotify.ErrClosed)
	_, ok := <-s.Responses()
	assert.False(t, ok)
}

func TestDismissedNotificationCannotBeTapped(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateGroup(ctx, notification.Grouping{ID: "g"}))
	require.NoError(t, s.Add(ctx, notification.Request{ID: "n1", GroupingID: "g", Payload: notification.Ptr("conv-42")}))

	assert.True(t, s.Dismiss("n1"))
	assert.False(t, s.Dismiss("n1"))
	assert.Empty(t, s.Tray())

	assert.False(t, s.Tap("n1", ""))
	select {
	case r := <-s.Responses():
		t.Fatalf("unexpected response %+v", r)
	default:
	}
}
