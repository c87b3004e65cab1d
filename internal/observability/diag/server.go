// Package diag serves the bridge's optional diagnostics endpoints:
// /healthz, /status (JSON snapshot of the bridge) and net/http/pprof under a
// configurable prefix.
//
// The server binds to loopback by default. A non-loopback address needs a
// token or an explicit AllowInsecure.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "notifybridge/pkg/logx"
)

const (
	DefaultAddr   = "127.0.0.1:6061"
	DefaultPrefix = "/debug/pprof/"
)

// ErrInsecureBind is returned when a non-loopback bind has no token.
var ErrInsecureBind = errors.New("diag: non-loopback addr requires token or allow_insecure")

type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool
}

// StatusFunc returns the value served as JSON on /status.
type StatusFunc func() any

type Server struct {
	log    logx.Logger
	status StatusFunc

	mu   sync.Mutex
	cfg  Config
	addr string // bound address while serving
	kick chan struct{}
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if status == nil {
		status = func() any { return struct{}{} }
	}
	return &Server{log: log, status: status, cfg: cfg, kick: make(chan struct{}, 1)}
}

// Reconfigure swaps the config; a running Run restarts its listener when
// anything that affects binding or auth changed.
func (s *Server) Reconfigure(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev == cfg {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Addr is the bound address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run serves until ctx is done. While disabled it idles until Reconfigure
// enables it.
func (s *Server) Run(ctx context.Context) error {
	for {
		cfg := s.config()
		if !cfg.Enabled {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.kick:
				continue
			}
		}
		if err := s.serveOnce(ctx, cfg); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serveOnce returns nil when a reconfigure asked for a restart.
func (s *Server) serveOnce(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("diag refused to start", logx.String("addr", addr))
			return ErrInsecureBind
		}
		s.log.Warn("diag running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("diag started", logx.String("addr", ln.Addr().String()), logx.String("prefix", normalizePrefix(cfg.Prefix)), logx.Bool("token_set", cfg.Token != ""))

	var restart bool
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.kick:
		restart = true
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	<-errc
	if restart {
		s.log.Info("diag restarting")
	} else {
		s.log.Info("diag stopped")
	}
	return nil
}

// Handler builds the mux for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.status()); err != nil {
			s.log.Debug("status encode failed", logx.Err(err))
		}
	}))
	mux.HandleFunc(prefix, wrap(indexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = DefaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index expects paths rooted at /debug/pprof/.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = DefaultPrefix + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
