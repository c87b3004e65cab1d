package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"notifybridge/internal/bridge"
	"notifybridge/internal/dispatch"
	"notifybridge/internal/notification"
	logx "notifybridge/pkg/logx"
)

// Handler executes one command. *bridge.Router satisfies it.
type Handler interface {
	Handle(ctx context.Context, cmd bridge.Command) bridge.Result
}

// StateSink is told when the application attaches or detaches.
// *dispatch.Dispatcher satisfies it.
type StateSink interface {
	SetState(s dispatch.AppState)
}

type Config struct {
	Name   string
	Listen string
	// MaxFrame bounds one line in bytes; <= 0 uses DefaultMaxFrame.
	MaxFrame int
}

// Server accepts application sessions and forwards taps to them.
type Server struct {
	cfg     Config
	handler Handler
	state   StateSink
	log     logx.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session
	ln       net.Listener
	closed   bool
	wg       sync.WaitGroup
}

var _ dispatch.Forwarder = (*Server)(nil)

type Option func(*Server)

func WithStateSink(s StateSink) Option {
	return func(srv *Server) { srv.state = s }
}

func NewServer(cfg Config, h Handler, log logx.Logger, opts ...Option) *Server {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, handler: h, log: log, sessions: map[uint64]*session{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Name() string { return s.cfg.Name }

// Run serves the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr, err := ParseAddress(s.cfg.Listen)
	if err != nil {
		return err
	}
	if addr.Network == "stdio" {
		s.log.Info("channel serving on stdio", logx.String("channel", s.cfg.Name))
		return s.ServeConn(ctx, stdio{})
	}
	ln, err := Listen(addr)
	if err != nil {
		return err
	}
	s.log.Info("channel listening", logx.String("channel", s.cfg.Name), logx.String("addr", addr.String()))
	return s.Serve(ctx, ln)
}

// Listen opens a listener for addr. Stale unix sockets are removed first and
// the new socket is restricted to the current user.
func Listen(addr Address) (net.Listener, error) {
	switch addr.Network {
	case "unix":
		if fi, err := os.Lstat(addr.Addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(addr.Addr)
		}
		ln, err := net.Listen("unix", addr.Addr)
		if err != nil {
			return nil, fmt.Errorf("channel: listen %s: %w", addr, err)
		}
		_ = os.Chmod(addr.Addr, 0o600)
		return ln, nil
	case "tcp":
		ln, err := net.Listen("tcp", addr.Addr)
		if err != nil {
			return nil, fmt.Errorf("channel: listen %s: %w", addr, err)
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("channel: cannot listen on %s", addr)
	}
}

// Serve accepts sessions on ln until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("accept failed", logx.Err(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one session on rw and blocks until it ends.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	sess := &session{id: s.seq.Add(1), rw: rw}
	if !s.attach(sess) {
		_ = rw.Close()
		return net.ErrClosed
	}
	defer s.detach(sess)

	stop := context.AfterFunc(ctx, func() { _ = rw.Close() })
	defer stop()

	log := s.log.With(logx.Uint64("session", sess.id))
	log.Debug("session attached")

	lr := newLineReader(rw, s.cfg.MaxFrame)
	var err error
	for {
		var line []byte
		line, err = lr.next()
		if errors.Is(err, errFrameTooLarge) {
			log.Warn("oversized frame discarded", logx.Int("max_bytes", s.cfg.MaxFrame))
			if werr := sess.write(tooLarge(s.cfg.MaxFrame)); werr != nil {
				err = werr
				break
			}
			continue
		}
		if err != nil {
			break
		}
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, sess, log, line)
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	log.Debug("session detached", logx.Err(err))
	return err
}

func (s *Server) handleLine(ctx context.Context, sess *session, log logx.Logger, line []byte) {
	call, args, err := decodeCall(line)
	if err != nil {
		log.Warn("malformed frame", logx.Err(err))
		sess.write(malformed(call.ID, err))
		return
	}
	if call.Channel != s.cfg.Name {
		log.Debug("call for unknown channel", logx.String("channel", call.Channel), logx.String("method", call.Method))
		sess.write(frame{ID: call.ID, Status: StatusNotImplemented})
		return
	}
	res := s.handler.Handle(ctx, bridge.Command{Name: call.Method, Args: args})
	if err := sess.write(replyFrame(call.ID, res)); err != nil {
		log.Warn("reply not written", logx.Int64("id", call.ID), logx.Err(err))
	}
}

func (s *Server) attach(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	if len(s.sessions) == 1 && s.state != nil {
		s.state.SetState(dispatch.StateForeground)
	}
	return true
}

func (s *Server) detach(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	_ = sess.rw.Close()
	if len(s.sessions) == 0 && s.state != nil {
		s.state.SetState(dispatch.StateBackground)
	}
}

// Sessions reports the number of attached sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ForwardTap pushes ev to every attached session. It fails with
// dispatch.ErrNoRoute when no session could receive it.
func (s *Server) ForwardTap(_ context.Context, ev notification.TapEvent) error {
	b, err := encodeTap(s.cfg.Name, ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	delivered := 0
	for _, sess := range targets {
		if err := sess.writeRaw(b); err != nil {
			s.log.Debug("tap push failed", logx.Uint64("session", sess.id), logx.Err(err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return dispatch.ErrNoRoute
	}
	return nil
}

func encodeTap(channel string, ev notification.TapEvent) ([]byte, error) {
	args, err := json.Marshal(TapArgs{Payload: ev.Payload, Action: ev.ActionID})
	if err != nil {
		return nil, err
	}
	return encodeFrame(frame{Channel: channel, Method: MethodTap, Args: args})
}

// Close stops accepting and ends every session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	sessions := s.sessions
	s.sessions = map[uint64]*session{}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		_ = sess.rw.Close()
	}
	if len(sessions) > 0 && s.state != nil {
		s.state.SetState(dispatch.StateBackground)
	}
	return nil
}

type session struct {
	id uint64
	rw io.ReadWriteCloser

	wmu sync.Mutex
}

func (s *session) write(f frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.writeRaw(b)
}

func (s *session) writeRaw(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.rw.Write(b)
	return err
}

// stdio joins the process's stdin and stdout into one stream. Logs go to
// stderr, so stdout carries frames only.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }
