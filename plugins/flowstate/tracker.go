package flowstate

import (
	"context"
	"net/http"
	"time"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
)

const defaultTTL = 10 * time.Minute

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTTL sets how long an unfinished flow is remembered.
func WithTTL(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.ttl = d
	}
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithSecureCookies marks correlation cookies Secure.
func WithSecureCookies(secure bool) TrackerOption {
	return func(t *Tracker) {
		t.secure = secure
	}
}

// NewTracker returns a tracker storing flows in backend.
func NewTracker(backend Backend, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		backend: backend,
		ttl:     defaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tracker owns the flow states of one deployment.
type Tracker struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	secure  bool
}

// TTL is how long an unfinished flow is remembered.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Begin stores fs under token and points the browser at it. Any flow of the
// other kind the browser had in flight is abandoned.
func (t *Tracker) Begin(ctx context.Context, w http.ResponseWriter, r *http.Request, kind Kind, token string, fs FlowState) error {
	if token == "" {
		return errors.NewK("flowstate: state token is required", errors.Validation)
	}
	if other := t.CookieToken(r, kind.Other()); other != "" {
		if err := t.backend.Delete(ctx, other); err != nil {
			logging.Warnw(ctx, "flowstate: failed to drop abandoned flow", "error", err, "kind", kind.Other())
		}
		t.clearCookie(w, kind.Other())
	}

	fs.StateToken = token
	fs.Kind = kind
	fs.CreatedAt = t.now()
	if err := t.backend.Put(ctx, fs, t.ttl); err != nil {
		return errors.WrapPrefix(err, "flowstate: failed to store flow", 0)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     kind.CookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(t.ttl / time.Second),
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	})
	logging.Debugw(ctx, "flowstate: flow started", "kind", kind)
	return nil
}

// Lookup returns the flow stored under token.
func (t *Tracker) Lookup(ctx context.Context, token string) (FlowState, bool, error) {
	if token == "" {
		return FlowState{}, false, nil
	}
	return t.backend.Get(ctx, token)
}

// End forgets the flow and clears its cookie.
func (t *Tracker) End(ctx context.Context, w http.ResponseWriter, kind Kind, token string) error {
	t.clearCookie(w, kind)
	if token == "" {
		return nil
	}
	return t.backend.Delete(ctx, token)
}

// IsActive reports whether the browser's cookie for kind refers to a live
// flow of that kind. A stale cookie is cleared.
func (t *Tracker) IsActive(ctx context.Context, w http.ResponseWriter, r *http.Request, kind Kind) bool {
	token := t.CookieToken(r, kind)
	if token == "" {
		return false
	}
	fs, ok, err := t.Lookup(ctx, token)
	if err != nil {
		logging.Errorw(ctx, "flowstate: lookup failed", "error", err)
		return false
	}
	if !ok || fs.Kind != kind {
		t.clearCookie(w, kind)
		return false
	}
	return true
}

// CookieToken returns the state token in the browser's cookie for kind.
func (t *Tracker) CookieToken(r *http.Request, kind Kind) string {
	c, err := r.Cookie(kind.CookieName())
	if err != nil {
		return ""
	}
	return c.Value
}

func (t *Tracker) clearCookie(w http.ResponseWriter, kind Kind) {
	http.SetCookie(w, &http.Cookie{
		Name:     kind.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.secure,
	})
}
