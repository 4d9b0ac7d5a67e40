package web

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"loopcast/internal/dashboard"
	"loopcast/internal/relay"
	"loopcast/internal/storage"
	logx "loopcast/pkg/logx"
)

var errBadForm = errors.New("invalid form")

// ---- session ----

// ensureSessionID returns the browser's session id, creating it on first use.
func (s *Server) ensureSessionID(c *gin.Context) string {
	if sid, ok := currentSessionID(c); ok {
		return sid
	}
	sess := sessions.Default(c)
	sid := uuid.NewString()
	sess.Set(sessionKeySID, sid)
	if err := sess.Save(); err != nil {
		s.log.Warn("session save failed", logx.Err(err))
	}
	return sid
}

func currentSessionID(c *gin.Context) (string, bool) {
	sid, ok := sessions.Default(c).Get(sessionKeySID).(string)
	return sid, ok && sid != ""
}

func isAdmin(c *gin.Context) bool {
	v, _ := sessions.Default(c).Get(sessionKeyAdmin).(bool)
	return v
}

// ---- form + dashboard ----

func (s *Server) renderIndex(c *gin.Context, status int, errMsg string) {
	c.HTML(status, "index", gin.H{
		"Error":        errMsg,
		"Destinations": s.dash.Destinations(),
		"MinDelay":     int(s.dash.MinDelay() / time.Second),
	})
}

func (s *Server) getIndex(c *gin.Context) {
	s.renderIndex(c, http.StatusOK, "")
}

func (s *Server) postSubmit(c *gin.Context) {
	sub, err := parseSubmission(c)
	if err == nil {
		_, err = s.dash.Submit(c.Request.Context(), s.ensureSessionID(c), sub)
	}
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			s.log.Error("submission failed", logx.Err(err))
			msg = "internal error"
		}
		s.renderIndex(c, status, msg)
		return
	}
	c.Redirect(http.StatusSeeOther, "/status")
}

func (s *Server) getStatus(c *gin.Context) {
	var views []dashboard.View
	if sid, ok := currentSessionID(c); ok {
		views = s.dash.List(sid)
	}
	c.HTML(http.StatusOK, "status", gin.H{"Workers": views})
}

func (s *Server) postStop(c *gin.Context) {
	if sid, ok := currentSessionID(c); ok {
		s.dash.Stop(c.Request.Context(), sid, c.Param("handle"))
	}
	c.Redirect(http.StatusSeeOther, "/status")
}

// parseSubmission reads the form. Keys come from operatorKey (keyMode=single)
// or keyFile (keyMode=multi); bodies from messagesFile, else the messages textarea.
func parseSubmission(c *gin.Context) (dashboard.Submission, error) {
	var sub dashboard.Submission

	raw := strings.TrimSpace(c.PostForm("delay"))
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return sub, fmt.Errorf("%w: delay must be a whole number of seconds", errBadForm)
	}
	if secs < 0 {
		return sub, fmt.Errorf("%w: delay must be >= 0", errBadForm)
	}
	sub.Delay = time.Duration(secs) * time.Second
	sub.DestinationID = strings.TrimSpace(c.PostForm("destinationId"))
	sub.Prefix = c.PostForm("prefix")

	switch c.DefaultPostForm("keyMode", "single") {
	case "single":
		sub.Keys = []string{c.PostForm("operatorKey")}
	case "multi":
		if sub.Keys, err = uploadLines(c, "keyFile"); err != nil {
			return sub, err
		}
	default:
		return sub, fmt.Errorf("%w: unknown keyMode", errBadForm)
	}

	if sub.Messages, err = uploadLines(c, "messagesFile"); err != nil {
		return sub, err
	}
	if len(sub.Messages) == 0 {
		sub.Messages = strings.Split(c.PostForm("messages"), "\n")
	}
	return sub, nil
}

// uploadLines returns the lines of an uploaded text file, or nil when the field is absent.
func uploadLines(c *gin.Context, field string) ([]string, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadForm, field, err)
	}
	if fh.Size > maxUploadBytes {
		return nil, fmt.Errorf("%w: %s is too large", errBadForm, field)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadForm, field, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(io.LimitReader(f, maxUploadBytes))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadForm, field, err)
	}
	return lines, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dashboard.ErrUnauthorizedKey):
		return http.StatusForbidden
	case errors.Is(err, errBadForm),
		errors.Is(err, dashboard.ErrNoKeys),
		errors.Is(err, relay.ErrUnknownDestination),
		errors.Is(err, relay.ErrInvalidDelay),
		errors.Is(err, relay.ErrNoMessages):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ---- admin ----

func (s *Server) adminEnabled(c *gin.Context) bool {
	if *s.adminPassword.Load() == "" {
		c.String(http.StatusForbidden, "admin page disabled")
		return false
	}
	return true
}

func (s *Server) storeFile() (string, bool) {
	if s.store == nil {
		return "", false
	}
	name := filepath.Base(s.store.Path())
	_, err := os.Stat(s.store.Path())
	return name, err == nil
}

func (s *Server) getAdmin(c *gin.Context) {
	if !s.adminEnabled(c) {
		return
	}
	if !isAdmin(c) {
		c.HTML(http.StatusOK, "admin_login", gin.H{})
		return
	}
	var files []string
	if name, ok := s.storeFile(); ok {
		files = append(files, name)
	}
	c.HTML(http.StatusOK, "admin_files", gin.H{"Files": files})
}

func (s *Server) postAdminLogin(c *gin.Context) {
	if !s.adminEnabled(c) {
		return
	}
	want := *s.adminPassword.Load()
	got := c.PostForm("password")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		s.log.Warn("admin login failed", logx.String("remote", c.ClientIP()))
		c.HTML(http.StatusUnauthorized, "admin_login", gin.H{"Error": "Wrong password!"})
		return
	}
	sess := sessions.Default(c)
	sess.Set(sessionKeyAdmin, true)
	if err := sess.Save(); err != nil {
		s.log.Error("session save failed", logx.Err(err))
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("admin logged in", logx.String("remote", c.ClientIP()))
	c.Redirect(http.StatusSeeOther, "/admin")
}

func (s *Server) postAdminLogout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Delete(sessionKeyAdmin)
	_ = sess.Save()
	c.Redirect(http.StatusSeeOther, "/admin")
}

func (s *Server) getAdminView(c *gin.Context) {
	if !s.adminEnabled(c) {
		return
	}
	if !isAdmin(c) {
		c.Redirect(http.StatusSeeOther, "/admin")
		return
	}
	if s.store == nil {
		c.String(http.StatusNotFound, "File not found")
		return
	}
	filename := c.Param("filename")
	if filename != filepath.Base(s.store.Path()) {
		c.String(http.StatusForbidden, "Access denied")
		return
	}
	recs, err := s.store.List(c.Request.Context())
	if errors.Is(err, storage.ErrNotFound) {
		c.String(http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		s.log.Error("store list failed", logx.Err(err))
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Line())
	}
	c.HTML(http.StatusOK, "admin_view", gin.H{"Filename": filename, "Lines": lines})
}
