package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybridge/internal/bridge"
	"notifybridge/internal/dispatch"
	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify/memory"
	"notifybridge/internal/platform"
	logx "notifybridge/pkg/logx"
)

type harness struct {
	svc  *memory.Service
	disp *dispatch.Dispatcher
	srv  *Server
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Config{})
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	svc := memory.New()
	disp := dispatch.New(logx.Nop(), nil)
	p, err := platform.New(platform.VariantChannel, platform.Options{Service: svc, Dispatcher: disp})
	require.NoError(t, err)
	router := bridge.NewRouter(p, logx.Nop(), nil)
	srv := NewServer(cfg, router, logx.Nop(), WithStateSink(disp))
	disp.SetForwarder(srv)
	t.Cleanup(func() { _ = srv.Close() })
	return &harness{svc: svc, disp: disp, srv: srv}
}

// attach serves one in-memory session and returns the application end.
func (h *harness) attach(t *testing.T) net.Conn {
	t.Helper()
	srvConn, appConn := net.Pipe()
	go func() { _ = h.srv.ServeConn(context.Background(), srvConn) }()
	t.Cleanup(func() { _ = appConn.Close() })
	return appConn
}

func (h *harness) client(t *testing.T, name string) *Client {
	t.Helper()
	before := h.srv.Sessions()
	c := NewClient(h.attach(t), name, logx.Nop())
	require.Eventually(t, func() bool { return h.srv.Sessions() > before }, time.Second, 5*time.Millisecond)
	return c
}

func TestInvokeOutcomes(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, DefaultName)
	ctx := context.Background()

	res, err := c.Invoke(ctx, bridge.CommandInitialize, nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Nil(t, res.Value)

	res, err = c.Invoke(ctx, bridge.CommandShowNotification, map[string]any{"body": "x"})
	require.NoError(t, err)
	require.Equal(t, bridge.OutcomeError, res.Outcome)
	assert.Equal(t, bridge.CodeInvalidArguments, res.Err.Code)
	assert.Equal(t, "Title and body are required", res.Err.Message)

	res, err = c.Invoke(ctx, "frobnicate", nil)
	require.NoError(t, err)
	assert.Equal(t, bridge.OutcomeNotImplemented, res.Outcome)

	res, err = c.Invoke(ctx, bridge.CommandShowNotification, map[string]any{"title": "New message", "body": "Hi", "payload": "conv-42"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	require.Len(t, h.svc.Tray(), 1)
}

func TestOtherChannelIsNotImplemented(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "someone/else")
	res, err := c.Invoke(context.Background(), bridge.CommandInitialize, nil)
	require.NoError(t, err)
	assert.Equal(t, bridge.OutcomeNotImplemented, res.Outcome)
	assert.Zero(t, h.svc.GroupCalls())
}

func TestMalformedLineKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	conn := h.attach(t)
	r := bufio.NewReader(conn)

	readFrame := func() map[string]any {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		return m
	}

	_, err := conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	m := readFrame()
	assert.Equal(t, StatusError, m["status"])
	assert.Equal(t, CodeMalformed, m["error"].(map[string]any)["code"])

	_, err = conn.Write([]byte(`{"id":7,"channel":"` + DefaultName + `","method":"initialize"}` + "\n"))
	require.NoError(t, err)
	m = readFrame()
	assert.EqualValues(t, 7, m["id"])
	assert.Equal(t, StatusSuccess, m["status"])
	v, ok := m["result"]
	assert.True(t, ok, "success carries an explicit null result")
	assert.Nil(t, v)

	_, err = conn.Write([]byte(`{"id":8,"channel":"` + DefaultName + `","method":"showNotification","args":[1]}` + "\n"))
	require.NoError(t, err)
	m = readFrame()
	assert.EqualValues(t, 8, m["id"])
	assert.Equal(t, CodeMalformed, m["error"].(map[string]any)["code"])
}

func TestOversizedLineIsRejectedAndSessionContinues(t *testing.T) {
	h := newHarnessWith(t, Config{MaxFrame: 1024})
	conn := h.attach(t)
	r := bufio.NewReader(conn)

	big := `{"id":1,"channel":"` + DefaultName + `","method":"showNotification","args":{"title":"t","body":"` +
		strings.Repeat("x", 4096) + `"}}` + "\n"
	_, err := conn.Write([]byte(big))
	require.NoError(t, err)

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(line, &m))
	assert.Equal(t, StatusError, m["status"])
	assert.Equal(t, CodeFrameTooLarge, m["error"].(map[string]any)["code"])
	assert.Empty(t, h.svc.Tray())
	assert.Equal(t, 1, h.srv.Sessions())

	_, err = conn.Write([]byte(`{"id":2,"channel":"` + DefaultName + `","method":"initialize"}` + "\n"))
	require.NoError(t, err)
	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	m = nil
	require.NoError(t, json.Unmarshal(line, &m))
	assert.EqualValues(t, 2, m["id"])
	assert.Equal(t, StatusSuccess, m["status"])
}

func TestMegabyteBodyIsAccepted(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, DefaultName)
	body := strings.Repeat("x", 1<<20)

	res, err := c.Invoke(context.Background(), bridge.CommandShowNotification, map[string]any{"title": "t", "body": body})
	require.NoError(t, err)
	assert.True(t, res.OK())
	require.Len(t, h.svc.Tray(), 1)
	assert.Len(t, h.svc.Tray()[0].Body, 1<<20)

	res, err = c.Invoke(context.Background(), bridge.CommandInitialize, nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestLineReaderSplitsFrames(t *testing.T) {
	lr := newLineReader(strings.NewReader("a\r\n\n"+strings.Repeat("y", 20)+"\nlast"), 8)

	line, err := lr.next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(line))

	line, err = lr.next()
	require.NoError(t, err)
	assert.Empty(t, line)

	_, err = lr.next()
	assert.ErrorIs(t, err, errFrameTooLarge)

	line, err = lr.next()
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))

	_, err = lr.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTapIsPushedToEverySession(t *testing.T) {
	h := newHarness(t)
	a := h.client(t, DefaultName)
	b := h.client(t, DefaultName)
	ctx := context.Background()

	_, err := a.Invoke(ctx, bridge.CommandShowNotification, map[string]any{"title": "t", "body": "b", "payload": "conv-42"})
	require.NoError(t, err)
	tray := h.svc.Tray()
	require.Len(t, tray, 1)

	require.True(t, h.svc.Tap(tray[0].ID, ""))
	go h.disp.Dispatch(ctx, <-h.svc.Responses())

	for _, c := range []*Client{a, b} {
		select {
		case ev := <-c.Taps():
			require.NotNil(t, ev.Payload)
			assert.Equal(t, "conv-42", *ev.Payload)
			assert.Equal(t, platform.DefaultTapActionID, ev.ActionID)
		case <-time.After(time.Second):
			t.Fatal("tap not pushed")
		}
	}
}

func TestSessionsDriveForegroundState(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, dispatch.StateBackground, h.disp.State())

	c := h.client(t, DefaultName)
	assert.Equal(t, dispatch.StateForeground, h.disp.State())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.srv.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, dispatch.StateBackground, h.disp.State())
}

func TestForwardTapWithoutSessions(t *testing.T) {
	h := newHarness(t)
	err := h.srv.ForwardTap(context.Background(), notification.TapEvent{Payload: notification.Ptr("p")})
	assert.ErrorIs(t, err, dispatch.ErrNoRoute)
}

func TestInvokeAfterCloseFails(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, DefaultName)
	require.NoError(t, c.Close())
	_, err := c.Invoke(context.Background(), bridge.CommandInitialize, nil)
	assert.Error(t, err)
	_, open := <-c.Taps()
	assert.False(t, open)
}

func TestServeUnixSocket(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "bridge.sock")
	addr := Address{Network: "unix", Addr: path}
	ln, err := Listen(addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(ctx, ln) }()

	c, err := Dial(ctx, "unix:"+path, DefaultName, logx.Nop())
	require.NoError(t, err)
	res, err := c.Invoke(ctx, bridge.CommandInitialize, nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	require.NoError(t, c.Close())

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"", Address{Network: "stdio"}},
		{"stdio", Address{Network: "stdio"}},
		{"unix:/run/nb.sock", Address{Network: "unix", Addr: "/run/nb.sock"}},
		{"/tmp/nb.sock", Address{Network: "unix", Addr: "/tmp/nb.sock"}},
		{"tcp:127.0.0.1:7070", Address{Network: "tcp", Addr: "127.0.0.1:7070"}},
		{"localhost:7070", Address{Network: "tcp", Addr: "localhost:7070"}},
	}
	for _, tc := range cases {
		got, err := ParseAddress(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	_, err := ParseAddress("nonsense")
	assert.Error(t, err)
	_, err = ParseAddress("unix:")
	assert.Error(t, err)
}
