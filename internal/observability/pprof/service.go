// Package pprof runs the optional debug listener: Go profiles under
// /debug/pprof/ and a JSON snapshot of relay counters under /debug/vars.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "loopcast/internal/runtime/supervisor"
	logx "loopcast/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires a token")

// Config controls the debug listener. A non-loopback Addr requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

// VarsFunc returns the value served at /debug/vars.
type VarsFunc func() any

type Service struct {
	log  logx.Logger
	vars VarsFunc

	mu   sync.Mutex
	cfg  Config
	addr string
	srv  *http.Server
	sup  *rtsup.Supervisor
}

func New(log logx.Logger, vars VarsFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, vars: vars}
}

// Addr is the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the listener to match cfg.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)

	s.mu.Lock()
	running := s.srv != nil
	same := s.cfg == cfg
	s.mu.Unlock()

	if running && same && cfg.Enabled {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return nil
	}
	return s.start(ctx, cfg)
}

func (s *Service) start(ctx context.Context, cfg Config) error {
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("pprof refused to start", logx.String("addr", cfg.Addr), logx.Err(ErrInsecureBind))
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Debug tooling never takes the app down.
	sup := rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup.Go("pprof.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.mu.Lock()
	s.srv, s.sup, s.addr = srv, sup, ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	_ = sup.Stop(ctx)
	s.log.Info("pprof stopped")
}

func (s *Service) handler(token string) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), bearerAuth(token))

	d := r.Group("/debug")
	d.GET("/vars", func(c *gin.Context) {
		if s.vars == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, s.vars())
	})
	d.GET("/pprof/", gin.WrapF(hpprof.Index))
	d.GET("/pprof/cmdline", gin.WrapF(hpprof.Cmdline))
	d.GET("/pprof/profile", gin.WrapF(hpprof.Profile))
	d.GET("/pprof/symbol", gin.WrapF(hpprof.Symbol))
	d.POST("/pprof/symbol", gin.WrapF(hpprof.Symbol))
	d.GET("/pprof/trace", gin.WrapF(hpprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		d.GET("/pprof/"+name, gin.WrapH(hpprof.Handler(name)))
	}
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatus(http.StatusUnauthorized)
		}
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
