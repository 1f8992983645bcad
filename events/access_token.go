package events

import (
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiringNotificationTime is how long before expiry the expiring
// event is raised.
const DefaultExpiringNotificationTime = 60 * time.Second

// Timer names.
const (
	TimerAccessTokenExpiring = "access_token_expiring"
	TimerAccessTokenExpired  = "access_token_expired"
)

// AccessTokenEvents raises "expiring" shortly before and "expired" just
// after the loaded access token's lifetime ends.
type AccessTokenEvents struct {
	window   time.Duration
	clock    Clock
	logger   *slog.Logger
	expiring *Timer
	expired  *Timer
}

// NewAccessTokenEvents builds the pair of timers. A non-positive window
// uses DefaultExpiringNotificationTime.
func NewAccessTokenEvents(window time.Duration, opts ...Option) *AccessTokenEvents {
	if window <= 0 {
		window = DefaultExpiringNotificationTime
	}
	o := buildOptions(opts)
	return &AccessTokenEvents{
		window:   window,
		clock:    o.clock,
		logger:   o.logger,
		expiring: NewTimer(TimerAccessTokenExpiring, opts...),
		expired:  NewTimer(TimerAccessTokenExpired, opts...),
	}
}

// Load re-arms both timers from tok's remaining lifetime, or cancels them
// when tok carries no access token or expiry.
func (a *AccessTokenEvents) Load(tok *oauth2.Token) {
	if tok == nil || tok.AccessToken == "" || tok.Expiry.IsZero() {
		a.logger.Debug("access token events: no expiring token, canceling timers")
		a.Unload()
		return
	}
	a.LoadExpiresIn(tok.Expiry.Unix() - a.clock.Now().Unix())
}

// LoadExpiresIn arms both timers for a token with seconds of lifetime left.
func (a *AccessTokenEvents) LoadExpiresIn(seconds int64) {
	window := int64(a.window / time.Second)
	a.logger.Debug("access token events: loading", "expires_in", seconds)

	if seconds > 0 {
		expiring := seconds - window
		if expiring <= 0 {
			expiring = 1
		}
		a.expiring.Init(time.Duration(expiring) * time.Second)
	} else {
		a.expiring.Cancel()
	}

	a.expired.Init(time.Duration(seconds+1) * time.Second)
}

// Unload cancels both timers.
func (a *AccessTokenEvents) Unload() {
	a.expiring.Cancel()
	a.expired.Cancel()
}

// AddAccessTokenExpiring registers fn for the expiring notification.
func (a *AccessTokenEvents) AddAccessTokenExpiring(fn func()) Handle {
	return a.expiring.Add(fn)
}

// RemoveAccessTokenExpiring unregisters h.
func (a *AccessTokenEvents) RemoveAccessTokenExpiring(h Handle) {
	a.expiring.Remove(h)
}

// AddAccessTokenExpired registers fn for the expired notification.
func (a *AccessTokenEvents) AddAccessTokenExpired(fn func()) Handle {
	return a.expired.Add(fn)
}

// RemoveAccessTokenExpired unregisters h.
func (a *AccessTokenEvents) RemoveAccessTokenExpired(h Handle) {
	a.expired.Remove(h)
}

// Expiring exposes the expiring timer.
func (a *AccessTokenEvents) Expiring() *Timer { return a.expiring }

// Expired exposes the expired timer.
func (a *AccessTokenEvents) Expired() *Timer { return a.expired }
