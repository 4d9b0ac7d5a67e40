package web

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"loopcast/internal/dashboard"
	"loopcast/internal/registry"
	"loopcast/internal/relay"
	"loopcast/internal/storage"
	logx "loopcast/pkg/logx"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, d relay.Destination, text string) error { return nil }

type testEnv struct {
	srv   *httptest.Server
	store storage.Store
}

func newTestEnv(t *testing.T, adminPassword string, withStore bool) testEnv {
	t.Helper()
	var st storage.Store
	if withStore {
		var err error
		st, err = storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "operators.txt")}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
	}
	reg := registry.New(time.Second, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.StopAll(ctx)
	})
	rel := relay.New(relay.Config{RatePerSec: -1}, nopSender{}, logx.Nop(), nil)
	dir := relay.NewDirectory("https://hooks.example.com/t_", []relay.DestinationSpec{{ID: "999", Token: "x"}})
	dash := dashboard.New(context.Background(), st, rel, reg, dashboard.NewPolicy([]string{"tok1", "tok2"}, dir, time.Second), logx.Nop())

	s := New(Config{SessionSecret: "0123456789abcdef0123", AdminPassword: adminPassword}, dash, st, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, store: st}
}

// newClient keeps cookies and does not follow redirects.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar:           jar,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

type upload struct {
	field, name, content string
}

func postMultipart(t *testing.T, c *http.Client, target string, fields map[string]string, files ...upload) (*http.Response, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = io.WriteString(fw, f.content)
	}
	_ = mw.Close()
	res, err := c.Post(target, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", target, err)
	}
	return res, readBody(t, res)
}

func get(t *testing.T, c *http.Client, target string) (*http.Response, string) {
	t.Helper()
	res, err := c.Get(target)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	return res, readBody(t, res)
}

func postForm(t *testing.T, c *http.Client, target string, form url.Values) (*http.Response, string) {
	t.Helper()
	res, err := c.PostForm(target, form)
	if err != nil {
		t.Fatalf("POST %s: %v", target, err)
	}
	return res, readBody(t, res)
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

var handleRe = regexp.MustCompile(`action="/stop/([0-9a-f]{12})"`)

func validFields() map[string]string {
	return map[string]string{
		"keyMode":       "single",
		"operatorKey":   "tok1",
		"destinationId": "999",
		"prefix":        "Bot",
		"delay":         "5",
		"messages":      "a\nb",
	}
}

func TestSubmitStatusStopFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "", true)
	c := newClient(t)

	res, _ := get(t, c, env.srv.URL+"/")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET / = %d", res.StatusCode)
	}

	res, _ = postMultipart(t, c, env.srv.URL+"/", validFields())
	if res.StatusCode != http.StatusSeeOther || res.Header.Get("Location") != "/status" {
		t.Fatalf("submit = %d %q", res.StatusCode, res.Header.Get("Location"))
	}

	_, body := get(t, c, env.srv.URL+"/status")
	m := handleRe.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no worker on status page:\n%s", body)
	}
	if !strings.Contains(body, storage.Fingerprint("tok1")) || strings.Contains(body, ">tok1<") {
		t.Fatal("status page must show the key fingerprint only")
	}

	res, _ = postForm(t, c, env.srv.URL+"/stop/"+m[1], nil)
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("stop = %d", res.StatusCode)
	}
	_, body = get(t, c, env.srv.URL+"/status")
	if handleRe.MatchString(body) {
		t.Fatal("worker still listed after stop")
	}
}

func TestSubmitWithUploadedFiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "", true)
	c := newClient(t)

	fields := validFields()
	fields["keyMode"] = "multi"
	delete(fields, "messages")
	res, _ := postMultipart(t, c, env.srv.URL+"/", fields,
		upload{field: "keyFile", name: "keys.txt", content: "tok1\ntok2\n\ntok1\n"},
		upload{field: "messagesFile", name: "msgs.txt", content: "hello\r\nworld\r\n"},
	)
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("submit = %d", res.StatusCode)
	}
	_, body := get(t, c, env.srv.URL+"/status")
	if n := len(handleRe.FindAllString(body, -1)); n != 2 {
		t.Fatalf("workers = %d, want 2", n)
	}
}

func TestSubmitRejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "", true)
	tests := []struct {
		name   string
		mutate func(f map[string]string)
		want   int
	}{
		{name: "unknown key", mutate: func(f map[string]string) { f["operatorKey"] = "someone-else" }, want: http.StatusForbidden},
		{name: "delay not a number", mutate: func(f map[string]string) { f["delay"] = "soon" }, want: http.StatusBadRequest},
		{name: "delay missing", mutate: func(f map[string]string) { delete(f, "delay") }, want: http.StatusBadRequest},
		{name: "delay below minimum", mutate: func(f map[string]string) { f["delay"] = "0" }, want: http.StatusBadRequest},
		{name: "unknown destination", mutate: func(f map[string]string) { f["destinationId"] = "1000" }, want: http.StatusBadRequest},
		{name: "no messages", mutate: func(f map[string]string) { f["messages"] = "\n \n" }, want: http.StatusBadRequest},
		{name: "bad key mode", mutate: func(f map[string]string) { f["keyMode"] = "all" }, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newClient(t)
			f := validFields()
			tt.mutate(f)
			res, _ := postMultipart(t, c, env.srv.URL+"/", f)
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestSessionsSeeOnlyTheirWorkers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "", false)
	a, b := newClient(t), newClient(t)

	if res, _ := postMultipart(t, a, env.srv.URL+"/", validFields()); res.StatusCode != http.StatusSeeOther {
		t.Fatalf("submit = %d", res.StatusCode)
	}
	_, bodyA := get(t, a, env.srv.URL+"/status")
	m := handleRe.FindStringSubmatch(bodyA)
	if m == nil {
		t.Fatal("session A has no worker")
	}

	_, bodyB := get(t, b, env.srv.URL+"/status")
	if handleRe.MatchString(bodyB) {
		t.Fatal("session B sees session A's worker")
	}
	postForm(t, b, env.srv.URL+"/stop/"+m[1], nil)

	_, bodyA = get(t, a, env.srv.URL+"/status")
	if !strings.Contains(bodyA, m[1]) {
		t.Fatal("session B stopped session A's worker")
	}
}

func TestAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "s3cret", true)
	c := newClient(t)
	name := filepath.Base(env.store.Path())

	// Not logged in: the view redirects to the login page.
	res, _ := get(t, c, env.srv.URL+"/admin/view/"+name)
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("anonymous view = %d", res.StatusCode)
	}

	res, body := postForm(t, c, env.srv.URL+"/admin", url.Values{"password": {"wrong"}})
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(body, "Wrong password!") {
		t.Fatalf("bad login = %d", res.StatusCode)
	}
	res, _ = postForm(t, c, env.srv.URL+"/admin", url.Values{"password": {"s3cret"}})
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("login = %d", res.StatusCode)
	}

	// Nothing stored yet.
	if res, _ := get(t, c, env.srv.URL+"/admin/view/"+name); res.StatusCode != http.StatusNotFound {
		t.Fatalf("view before any save = %d, want 404", res.StatusCode)
	}

	if res, _ := postMultipart(t, c, env.srv.URL+"/", validFields()); res.StatusCode != http.StatusSeeOther {
		t.Fatalf("submit = %d", res.StatusCode)
	}

	_, body = get(t, c, env.srv.URL+"/admin")
	if !strings.Contains(body, "/admin/view/"+name) {
		t.Fatalf("admin page does not list %s:\n%s", name, body)
	}
	res, body = get(t, c, env.srv.URL+"/admin/view/"+name)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("view = %d", res.StatusCode)
	}
	if !strings.Contains(body, storage.Fingerprint("tok1")) || strings.Contains(body, "tok1\n") {
		t.Fatalf("view must list fingerprints only:\n%s", body)
	}

	for _, other := range []string{"config.yaml", "other.txt"} {
		if res, _ := get(t, c, env.srv.URL+"/admin/view/"+other); res.StatusCode != http.StatusForbidden {
			t.Fatalf("view %s = %d, want 403", other, res.StatusCode)
		}
	}

	postForm(t, c, env.srv.URL+"/admin/logout", nil)
	if res, _ := get(t, c, env.srv.URL+"/admin/view/"+name); res.StatusCode != http.StatusSeeOther {
		t.Fatalf("view after logout = %d", res.StatusCode)
	}
}

func TestAdminDisabledWithoutPassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "", true)
	c := newClient(t)
	if res, _ := get(t, c, env.srv.URL+"/admin"); res.StatusCode != http.StatusForbidden {
		t.Fatalf("GET /admin = %d, want 403", res.StatusCode)
	}
	if res, _ := postForm(t, c, env.srv.URL+"/admin", url.Values{"password": {""}}); res.StatusCode != http.StatusForbidden {
		t.Fatalf("empty password login = %d, want 403", res.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "", false)
	res, body := get(t, newClient(t), env.srv.URL+"/healthz")
	if res.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", res.StatusCode, body)
	}
}
