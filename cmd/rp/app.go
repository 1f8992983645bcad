package main

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"oidcclient/client"
	"oidcclient/config"
	"oidcclient/events"
	"oidcclient/metrics"
	"oidcclient/protocol"
	"oidcclient/state"
)

const sessionCookie = "rp_session"

type session struct {
	Profile map[string]any
	Token   *oauth2.Token
	IDToken string
	events  *events.AccessTokenEvents
}

// App is a relying party web application over client.Client.
type App struct {
	client       *client.Client
	settings     config.ClientConfig
	logger       *slog.Logger
	eventOpts    []events.Option
	secureCookie bool

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewApp builds the application.
func NewApp(c *client.Client, settings config.ClientConfig, logger *slog.Logger, opts ...events.Option) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		client:       c,
		settings:     settings,
		logger:       logger,
		eventOpts:    append([]events.Option{events.WithLogger(logger)}, opts...),
		secureCookie: strings.HasPrefix(settings.RedirectURI, "https"),
		sessions:     make(map[string]*session),
	}
}

// Routes mounts the handlers.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", a.handleHome)
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/profile", a.handleProfile)
	r.Get("/logout", a.handleLogout)
	r.Get("/signout-callback", a.handleSignoutCallback)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// StartSweep removes stale states every interval until stop is closed.
func (a *App) StartSweep(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = config.DefaultStaleStateAge
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := a.client.ClearStaleState(context.Background()); err != nil {
					a.logger.Warn("stale state sweep failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>Relying Party</title></head>
<body>
    <h1>Relying Party</h1>
    {{if .Authenticated}}
    <p>Signed in as <strong>{{.Username}}</strong></p>
    <a href="/profile">Profile</a>
    <a href="/logout">Logout</a>
    {{else}}
    <p>Not signed in</p>
    <a href="/login">Login</a>
    {{end}}
</body>
</html>`))

var profileTemplate = template.Must(template.New("profile").Parse(`<!DOCTYPE html>
<html>
<head><title>Profile</title></head>
<body>
    <h1>Profile</h1>
    <pre>{{.Claims}}</pre>
    <p>Access token expires {{.Expiry}}</p>
    <a href="/">Back</a>
</body>
</html>`))

func (a *App) currentSession(r *http.Request) (string, *session) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return c.Value, a.sessions[c.Value]
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	_, s := a.currentSession(r)
	data := map[string]any{"Authenticated": s != nil}
	if s != nil {
		for _, claim := range []string{"preferred_username", "name", "email", "sub"} {
			if v, ok := s.Profile[claim].(string); ok && v != "" {
				data["Username"] = v
				break
			}
		}
	}
	w.Header().Set("Content-Type", "text/html")
	_ = homeTemplate.Execute(w, data)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		returnTo = "/"
	}
	req, err := a.client.CreateSigninRequest(r.Context(), protocol.SigninArgs{
		Data: map[string]string{"return_to": returnTo},
	})
	if err != nil {
		a.logger.Error("create signin request failed", "error", err)
		http.Error(w, "Signin unavailable", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, req.URL(), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	resp, err := a.client.ProcessSigninResponse(ctx, requestURL(r))
	if err != nil {
		a.logger.Error("signin callback failed", "error", err)
		http.Error(w, "Signin failed", http.StatusBadRequest)
		return
	}

	s := &session{
		Profile: resp.Profile,
		Token:   resp.Token(),
		IDToken: resp.IDToken,
		events:  events.NewAccessTokenEvents(a.settings.AccessTokenExpiringNotificationTime, a.eventOpts...),
	}
	sid := state.NewID()
	s.events.AddAccessTokenExpiring(func() { a.refresh(sid) })
	s.events.AddAccessTokenExpired(func() {
		a.logger.Info("access token expired", "session", sid)
	})
	s.events.Load(s.Token)

	a.mu.Lock()
	a.sessions[sid] = s
	a.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	returnTo := "/"
	var data struct {
		ReturnTo string `json:"return_to"`
	}
	if len(resp.Data) > 0 && json.Unmarshal(resp.Data, &data) == nil && data.ReturnTo != "" {
		returnTo = data.ReturnTo
	}
	a.logger.Info("user authenticated", "sub", resp.Profile["sub"])
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// refresh redeems the session's refresh token and re-arms its timers.
func (a *App) refresh(sid string) {
	a.mu.RLock()
	s := a.sessions[sid]
	refreshToken := ""
	if s != nil && s.Token != nil {
		refreshToken = s.Token.RefreshToken
	}
	a.mu.RUnlock()
	if refreshToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := a.client.Refresh(ctx, refreshToken)
	if err != nil {
		a.logger.Warn("token refresh failed", "session", sid, "error", err)
		return
	}
	a.mu.Lock()
	s.Token = tok
	a.mu.Unlock()
	a.logger.Info("access token refreshed", "session", sid)
	s.events.Load(tok)
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	_, s := a.currentSession(r)
	if s == nil {
		http.Redirect(w, r, "/login?return_to=/profile", http.StatusFound)
		return
	}
	a.mu.RLock()
	claims, _ := json.MarshalIndent(s.Profile, "", "  ")
	expiry := s.Token.Expiry
	a.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html")
	_ = profileTemplate.Execute(w, map[string]any{
		"Claims": string(claims),
		"Expiry": expiry.Format(time.RFC3339),
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sid, s := a.currentSession(r)
	idTokenHint := ""
	if s != nil {
		idTokenHint = s.IDToken
		s.events.Unload()
		a.mu.Lock()
		delete(a.sessions, sid)
		a.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	req, err := a.client.CreateSignoutRequest(r.Context(), protocol.SignoutArgs{
		IDTokenHint: idTokenHint,
		Data:        map[string]string{"return_to": "/"},
	})
	if err != nil {
		a.logger.Warn("provider signout unavailable", "error", err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, req.URL(), http.StatusFound)
}

func (a *App) handleSignoutCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := a.client.ProcessSignoutResponse(r.Context(), requestURL(r)); err != nil {
		a.logger.Error("signout callback failed", "error", err)
		http.Error(w, "Signout failed", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// requestURL rebuilds the URL the user agent requested. Fragments never
// reach the server, so only query responses can be processed here.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
