package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybridge/internal/bridge"
	"notifybridge/internal/channel"
	"notifybridge/internal/dispatch"
	"notifybridge/internal/notification"
	"notifybridge/internal/osnotify/memory"
	"notifybridge/internal/platform"
	logx "notifybridge/pkg/logx"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "notifybridge dev")
}

func TestSendRequiresAddr(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"send", "--title", "t", "--body", "b"})
	assert.Error(t, root.Execute())
}

// exampleArgs returns the arguments of the first example line invoking sub.
func exampleArgs(t *testing.T, example, sub string) []string {
	t.Helper()
	joined := strings.ReplaceAll(example, "\\\n", " ")
	for _, line := range strings.Split(joined, "\n") {
		line = strings.TrimSpace(line)
		prefix := "notifybridge " + sub + " "
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		var (
			args    []string
			cur     strings.Builder
			quoted  bool
			pending bool
		)
		for _, r := range strings.TrimPrefix(line, prefix) {
			switch {
			case r == '"':
				quoted = !quoted
				pending = true
			case r == ' ' && !quoted:
				if pending {
					args = append(args, cur.String())
					cur.Reset()
					pending = false
				}
			default:
				cur.WriteRune(r)
				pending = true
			}
		}
		if pending {
			args = append(args, cur.String())
		}
		return args
	}
	t.Fatalf("no %q example", sub)
	return nil
}

func TestSendExampleFlagsParse(t *testing.T) {
	root := NewRootCommand()
	send, _, err := root.Find([]string{"send"})
	require.NoError(t, err)

	args := exampleArgs(t, root.Example, "send")
	require.NoError(t, send.ParseFlags(args))
	wait, err := send.Flags().GetDuration("wait-tap")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait)
	title, _ := send.Flags().GetString("title")
	assert.Equal(t, "New message", title)
}

// startBridge serves a memory-backed bridge on a unix socket.
func startBridge(t *testing.T) (string, *memory.Service, *dispatch.Dispatcher) {
	t.Helper()
	svc := memory.New()
	disp := dispatch.New(logx.Nop(), nil)
	p, err := platform.New(platform.VariantChannel, platform.Options{Service: svc, Dispatcher: disp})
	require.NoError(t, err)
	srv := channel.NewServer(channel.Config{}, bridge.NewRouter(p, logx.Nop(), nil), logx.Nop(), channel.WithStateSink(disp))
	disp.SetForwarder(srv)

	sock := filepath.Join(t.TempDir(), "nb.sock")
	ln, err := channel.Listen(channel.Address{Network: "unix", Addr: sock})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()
	go func() { _ = disp.Run(ctx, svc.Responses()) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return "unix:" + sock, svc, disp
}

func TestSendShowsNotification(t *testing.T) {
	addr, svc, _ := startBridge(t)
	var out bytes.Buffer
	err := runSend(context.Background(), &out, sendOptions{
		addr: addr, channel: channel.DefaultName, title: "New message", body: "Hi",
		initialize: true, timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	tray := svc.Tray()
	require.Len(t, tray, 1)
	assert.Equal(t, "New message", tray[0].Title)
	assert.Nil(t, tray[0].Payload)
	assert.Empty(t, out.String())
}

func TestSendWaitsForTap(t *testing.T) {
	addr, svc, _ := startBridge(t)
	go func() {
		for i := 0; i < 200; i++ {
			if tray := svc.Tray(); len(tray) == 1 {
				svc.Tap(tray[0].ID, "")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var out bytes.Buffer
	err := runSend(context.Background(), &out, sendOptions{
		addr: addr, channel: channel.DefaultName, title: "t", body: "b",
		payload: "conv-42", hasPayload: true, waitTap: 3 * time.Second, timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	var ev notification.TapEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &ev))
	require.NotNil(t, ev.Payload)
	assert.Equal(t, "conv-42", *ev.Payload)
}

func TestSendOnOtherChannelIsNotImplemented(t *testing.T) {
	addr, svc, _ := startBridge(t)
	// A wrong channel name makes every command unimplemented.
	err := runSend(context.Background(), &bytes.Buffer{}, sendOptions{
		addr: addr, channel: "other", title: "t", body: "b", initialize: true, timeout: time.Second,
	})
	assert.ErrorContains(t, err, "not implemented")
	assert.Empty(t, svc.Tray())
}
