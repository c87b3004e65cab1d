package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"notifybridge/internal/bridge"
	"notifybridge/internal/notification"
	logx "notifybridge/pkg/logx"
)

// ErrClientClosed is returned by Invoke after the connection ends.
var ErrClientClosed = errors.New("channel: client closed")

// Client is the application side of a session. It is safe for concurrent
// use.
type Client struct {
	rw      io.ReadWriteCloser
	channel string
	log     logx.Logger

	nextID atomic.Int64
	wmu    sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan frame
	err     error

	taps chan notification.TapEvent
	done chan struct{}
}

// Dial connects to a bridge listening on addr (unix or tcp).
func Dial(ctx context.Context, addr, channel string, log logx.Logger) (*Client, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if a.Network == "stdio" {
		return nil, errors.New("channel: cannot dial stdio")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, a.Network, a.Addr)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", a, err)
	}
	return NewClient(conn, channel, log), nil
}

// NewClient starts a session over rw.
func NewClient(rw io.ReadWriteCloser, channel string, log logx.Logger) *Client {
	if channel == "" {
		channel = DefaultName
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		rw:      rw,
		channel: channel,
		log:     log,
		pending: map[int64]chan frame{},
		taps:    make(chan notification.TapEvent, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Invoke sends method with args and waits for the reply. A transport error
// is returned as error; command failures are in the Result.
func (c *Client) Invoke(ctx context.Context, method string, args map[string]any) (bridge.Result, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return bridge.Result{}, fmt.Errorf("channel: encode args: %w", err)
		}
		raw = b
	}
	id := c.nextID.Add(1)
	reply := make(chan frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return bridge.Result{}, err
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	b, err := encodeFrame(frame{ID: id, Channel: c.channel, Method: method, Args: raw})
	if err != nil {
		return bridge.Result{}, err
	}
	c.wmu.Lock()
	_, err = c.rw.Write(b)
	c.wmu.Unlock()
	if err != nil {
		return bridge.Result{}, fmt.Errorf("channel: write: %w", err)
	}

	select {
	case f := <-reply:
		return resultFromFrame(f)
	case <-c.done:
		return bridge.Result{}, c.Err()
	case <-ctx.Done():
		return bridge.Result{}, ctx.Err()
	}
}

// Taps delivers onNotificationTap pushes. It is closed when the session ends.
func (c *Client) Taps() <-chan notification.TapEvent { return c.taps }

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.rw.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.taps)

	lr := newLineReader(c.rw, DefaultMaxFrame)
	var err error
	for {
		var line []byte
		line, err = lr.next()
		if errors.Is(err, errFrameTooLarge) {
			c.log.Warn("oversized frame from bridge discarded")
			continue
		}
		if err != nil {
			break
		}
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.log.Warn("undecodable frame from bridge", logx.Err(err))
			continue
		}
		if f.isPush() {
			c.handlePush(f)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("reply without caller", logx.Int64("id", f.ID), logx.String("status", f.Status))
			continue
		}
		ch <- f
	}

	if err == nil || errors.Is(err, io.EOF) {
		err = ErrClientClosed
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Client) handlePush(f frame) {
	if f.Channel != c.channel || f.Method != MethodTap {
		c.log.Debug("ignored push", logx.String("channel", f.Channel), logx.String("method", f.Method))
		return
	}
	var args TapArgs
	if len(f.Args) > 0 {
		if err := json.Unmarshal(f.Args, &args); err != nil {
			c.log.Warn("bad tap push", logx.Err(err))
			return
		}
	}
	select {
	case c.taps <- notification.TapEvent{Payload: args.Payload, ActionID: args.Action}:
	default:
		c.log.Warn("tap dropped (reader slow)", logx.OptString("payload", args.Payload))
	}
}
