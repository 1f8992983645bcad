package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"oidcclient/client"
	"oidcclient/config"
	"oidcclient/events"
	"oidcclient/oidctest"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualScheduler struct {
	mu   sync.Mutex
	jobs []*job
}

type job struct {
	fn   func()
	done bool
}

func (s *manualScheduler) Every(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &job{fn: fn}
	s.jobs = append(s.jobs, j)
	return func() {
		s.mu.Lock()
		j.done = true
		s.mu.Unlock()
	}
}

func (s *manualScheduler) Tick() {
	s.mu.Lock()
	var live []*job
	for _, j := range s.jobs {
		if !j.done {
			live = append(live, j)
		}
	}
	s.mu.Unlock()
	for _, j := range live {
		j.fn()
	}
}

type rpFixture struct {
	app      *App
	handler  http.Handler
	provider *oidctest.Provider
	clock    *manualClock
	sched    *manualScheduler
}

func newFixture(t *testing.T) *rpFixture {
	t.Helper()
	p, err := oidctest.NewProvider()
	if err != nil {
		t.Fatalf("start provider: %v", err)
	}
	t.Cleanup(p.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settings := config.DefaultConfig().Client
	settings.Authority = p.URL
	settings.ClientID = oidctest.ClientID
	settings.ClientSecret = oidctest.ClientSecret
	settings.ResponseType = "code"
	settings.Scope = "openid profile"
	settings.RedirectURI = "http://rp.test/callback"
	settings.PostLogoutRedirectURI = "http://rp.test/signout-callback"

	c, err := client.New(settings, client.WithHTTPClient(p.Server.Client()), client.WithLogger(logger))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	clock := &manualClock{now: time.Now()}
	sched := &manualScheduler{}
	app := NewApp(c, settings, logger, events.WithClock(clock), events.WithScheduler(sched))
	return &rpFixture{app: app, handler: app.Routes(), provider: p, clock: clock, sched: sched}
}

func (f *rpFixture) do(t *testing.T, target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *rpFixture) signIn(t *testing.T) *http.Cookie {
	t.Helper()
	rec := f.do(t, "http://rp.test/login?return_to=/profile", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("login should redirect, got %d", rec.Code)
	}
	callback, err := f.provider.Authorize(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	rec = f.do(t, callback, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/profile" {
		t.Fatalf("callback should redirect to return_to, got %d %q: %s", rec.Code, rec.Header().Get("Location"), rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("callback did not set a session cookie")
	return nil
}

func TestSignInAndHome(t *testing.T) {
	f := newFixture(t)
	cookie := f.signIn(t)

	rec := f.do(t, "http://rp.test/", cookie)
	if !strings.Contains(rec.Body.String(), "Signed in as <strong>Alice</strong>") {
		t.Fatalf("home should show the user: %s", rec.Body.String())
	}

	rec = f.do(t, "http://rp.test/profile", cookie)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alice@example.com") {
		t.Fatalf("profile should list claims: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "http://rp.test/callback?code=abc&state=unknown", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProfileRequiresSession(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "http://rp.test/profile", nil)
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "/login") {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestExpiringTokenIsRefreshed(t *testing.T) {
	f := newFixture(t)
	cookie := f.signIn(t)

	f.app.mu.RLock()
	before := f.app.sessions[cookie.Value].Token.AccessToken
	f.app.mu.RUnlock()

	f.clock.Advance(f.provider.TokenLifetime - 30*time.Second)
	f.sched.Tick()

	if hits := f.provider.TokenHits.Load(); hits != 2 {
		t.Fatalf("expected a refresh request, token endpoint hits=%d", hits)
	}
	_, form := f.provider.LastTokenRequest()
	if form.Get("grant_type") != "refresh_token" {
		t.Fatalf("unexpected grant: %v", form)
	}
	f.app.mu.RLock()
	after := f.app.sessions[cookie.Value].Token.AccessToken
	f.app.mu.RUnlock()
	if after == before {
		t.Fatalf("session token was not replaced")
	}
}

func TestLogoutRoundTrip(t *testing.T) {
	f := newFixture(t)
	cookie := f.signIn(t)

	rec := f.do(t, "http://rp.test/logout", cookie)
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != "/logout" || loc.Query().Get("id_token_hint") == "" {
		t.Fatalf("unexpected end-session redirect: %s", loc)
	}
	st := loc.Query().Get("state")
	if st == "" {
		t.Fatalf("expected a signout state")
	}

	rec = f.do(t, "http://rp.test/", cookie)
	if strings.Contains(rec.Body.String(), "Signed in") {
		t.Fatalf("session should be gone after logout")
	}

	rec = f.do(t, "http://rp.test/signout-callback?state="+st, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("signout callback failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "http://rp.test/signout-callback?state="+st, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed signout callback should fail, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "http://rp.test/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
}
