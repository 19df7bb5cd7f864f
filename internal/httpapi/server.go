// Package httpapi is the local control surface: read the table, the banner
// and the recent list, and drive refreshes, range changes and the banner.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"salewatch/internal/dashboard"
	"salewatch/internal/eventbus"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/runtime/supervisor"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8787"

// ErrInsecureBind is returned by Serve for a non-loopback address without a
// token.
var ErrInsecureBind = errors.New("httpapi: non-loopback addr requires token")

type Config struct {
	Addr  string
	Token string
	// Pprof mounts /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

type Deps struct {
	Dashboard *dashboard.Dashboard
	Tree      *reconcile.MemTree
	Toast     *toast.Controller
	Recent    *recent.List
	Bus       eventbus.Bus
	TabID     string
	// Loops reports background loop health. Optional.
	Loops func() []supervisor.LoopStats
}

type Server struct {
	cfg    Config
	d      Deps
	log    logx.Logger
	router chi.Router
}

func New(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), d: d, log: log.With(logx.String("comp", "httpapi"))}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Route("/api", func(r chi.Router) {
			r.Get("/rows", s.handleRows)
			r.Get("/recent", s.handleRecent)
			r.Get("/status", s.handleStatus)
			r.Route("/toast", func(r chi.Router) {
				r.Get("/", s.handleToast)
				r.Post("/trigger", s.handleTrigger)
				r.Post("/pin", s.handlePin)
				r.Post("/close", s.handleClose)
			})
			r.Post("/refresh", s.handleRefresh)
			r.Put("/range", s.handleRange)
			r.Post("/signals/{name}", s.handleSignal)
		})
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Serve listens on the configured address until ctx ends. It refuses a
// non-loopback bind without a token.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Addr
	if err := CheckBind(addr, s.cfg.Token); err != nil {
		s.log.Error("http api refused to start", logx.String("addr", addr))
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http api exited unexpectedly")
	}
	return err
}

func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// CheckBind returns ErrInsecureBind for a non-loopback addr without a token.
func CheckBind(addr, token string) error {
	if strings.TrimSpace(token) == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
