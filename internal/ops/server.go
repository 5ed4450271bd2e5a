// Package ops exposes the operational HTTP surface: the war-status read
// API, notification job audit, health, a recent-events ring and optional
// pprof. It binds to loopback by default; a non-loopback bind requires a
// token or an explicit insecure opt-in.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"warwatch/internal/eventbus"
	"warwatch/internal/runtime/supervisor"
	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Store is the read-only slice of the persistence API the ops surface serves.
type Store interface {
	LatestSnapshot(ctx context.Context, server string) (*storage.WarSnapshot, error)
	SnapshotHistory(ctx context.Context, server string, limit, offset int) ([]storage.WarSnapshot, error)
	ListWarEvents(ctx context.Context, server string, limit, offset int) ([]storage.WarEvent, error)
	WarEventStats(ctx context.Context, server string) ([]storage.WarEventStat, error)
	ListJobs(ctx context.Context, status storage.JobStatus, limit int) ([]storage.NotificationJob, error)
	Ping(ctx context.Context) error
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	store    Store
	bus      eventbus.Bus
	counters func() supervisor.Counters

	ring ring

	ln       net.Listener
	srv      *http.Server
	unsub    func()
	stopDone chan struct{}
}

func New(cfg Config, store Store, bus eventbus.Bus, counters func() supervisor.Counters, log logx.Logger) *Server {
	if counters == nil {
		counters = func() supervisor.Counters { return supervisor.Counters{} }
	}
	return &Server{
		log:      log,
		cfg:      cfg,
		store:    store,
		bus:      bus,
		counters: counters,
		ring:     newRing(128),
	}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Reconfigure applies cfg and starts/stops/restarts the server as needed.
// Safe to call during hot-reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev != cfg {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// If stop is in progress, wait for it (avoid double listen).
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = "127.0.0.1:6680"
		}

		if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Error("ops refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
			return
		}

		var unsub func()
		if s.bus != nil {
			ch, u := s.bus.Subscribe(64)
			unsub = u
			go func() {
				for ev := range ch {
					s.ring.add(ev)
				}
			}()
		}

		srv := &http.Server{
			Handler:           s.handler(cur),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.unsub = unsub
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("ops server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("ops server started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cur.Token != ""),
			logx.Bool("pprof", cur.Pprof))
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	unsub := s.unsub
	s.srv = nil
	s.ln = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		shutdownCtx := ctx
		if shutdownCtx == nil {
			shutdownCtx = context.Background()
		}
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/api/war/latest", wrap(s.handleWarLatest))
	mux.HandleFunc("/api/war/history", wrap(s.handleWarHistory))
	mux.HandleFunc("/api/war/events", wrap(s.handleWarEvents))
	mux.HandleFunc("/api/war/stats", wrap(s.handleWarStats))
	mux.HandleFunc("/api/jobs", wrap(s.handleJobs))
	mux.HandleFunc("/healthz", wrap(s.handleHealth))
	mux.HandleFunc("/debug/events", wrap(s.handleDebugEvents))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

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
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// ring is a fixed-capacity buffer of recent bus events.
type ring struct {
	mu  *sync.Mutex
	buf []eventbus.Event
	cap int
}

func newRing(capacity int) ring {
	return ring{mu: &sync.Mutex{}, cap: capacity}
}

func (r *ring) add(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, ev)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

func (r *ring) list() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Event, len(r.buf))
	copy(out, r.buf)
	return out
}
