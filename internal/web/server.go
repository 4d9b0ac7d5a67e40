// Package web is the HTTP front-end: the submission form, the per-session
// dashboard and the admin page.
package web

import (
	"embed"
	"html/template"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"loopcast/internal/dashboard"
	"loopcast/internal/storage"
	logx "loopcast/pkg/logx"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	sessionCookieName = "loopcast"
	sessionKeySID     = "sid"
	sessionKeyAdmin   = "admin"

	maxUploadBytes = 1 << 20
)

// Config holds the server settings that cannot change without a restart.
type Config struct {
	SessionSecret string
	SecureCookies bool
	AdminPassword string
}

type Server struct {
	log   logx.Logger
	dash  *dashboard.Service
	store storage.Store // nil when storage is disabled

	adminPassword atomic.Pointer[string]
	engine        *gin.Engine
}

func New(cfg Config, dash *dashboard.Service, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{log: log, dash: dash, store: store}
	s.SetAdminPassword(cfg.AdminPassword)

	r := gin.New()
	r.MaxMultipartMemory = maxUploadBytes
	r.Use(s.recovery(), s.accessLog())

	cookieStore := cookie.NewStore([]byte(cfg.SessionSecret))
	cookieStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionCookieName, cookieStore))

	r.SetHTMLTemplate(template.Must(template.New("").ParseFS(templateFS, "templates/*.tmpl")))

	s.routes(r)
	s.engine = r
	return s
}

// SetAdminPassword swaps the shared admin secret. Empty disables the admin page.
func (s *Server) SetAdminPassword(pw string) {
	s.adminPassword.Store(&pw)
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	r.GET("/", s.getIndex)
	r.POST("/", s.postSubmit)
	r.GET("/status", s.getStatus)
	r.POST("/stop/:handle", s.postStop)

	r.GET("/admin", s.getAdmin)
	r.POST("/admin", s.postAdminLogin)
	r.POST("/admin/logout", s.postAdminLogout)
	r.GET("/admin/view/:filename", s.getAdminView)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		s.log.Error("http handler panicked", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		c.String(http.StatusInternalServerError, "internal server error")
	})
}
