package flows_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/eventbus/membus"
	"github.com/vlevchine/InGear/plugins/flows"
	"github.com/vlevchine/InGear/plugins/flowstate"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/registration/fakeas"
	"github.com/vlevchine/InGear/plugins/session"
	"github.com/vlevchine/InGear/plugins/storage/redisstore"
)

func TestStartACG(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)

	w := httptest.NewRecorder()
	require.NoError(t, h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	cookies := b.absorb(w)

	dest := location(t, w)
	assert.Equal(t, h.as.URL()+"/authorize", dest.Scheme+"://"+dest.Host+dest.Path)
	q := dest.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "workbench", q.Get("client_id"))
	assert.Equal(t, rpBase+"/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "profile reports", q.Get("scope"))

	require.Contains(t, cookies, "acgf")
	assert.Equal(t, cookies["acgf"].Value, q.Get("state"))
	assert.True(t, cookies["acgf"].HttpOnly)

	fs, ok, err := h.tracker.Lookup(t.Context(), q.Get("state"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, flowstate.ACG, fs.Kind)
	assert.Equal(t, "/home", fs.PageURI)
	assert.Equal(t, "profile reports", fs.Scope)
	assert.Equal(t, 1, h.backend.Len())
}

func TestStartACGUsesFreshTokens(t *testing.T) {
	h := newHarness(t)
	seen := map[string]bool{}
	for i := range 5 {
		w := httptest.NewRecorder()
		require.NoError(t, h.o.StartACG(w, newBrowser(t).get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
		state := location(t, w).Query().Get("state")
		assert.False(t, seen[state], "state token reused")
		seen[state] = true
		assert.Equal(t, i+1, h.backend.Len())
	}
}

func TestACGEndToEnd(t *testing.T) {
	ctx := logging.ForTest(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Register over the discovery bus.
	bus := membus.New(ctx)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	as := fakeas.New(fakeas.WithSubject("bob"), fakeas.WithExpiresIn(3600), fakeas.WithClaims(map[string]any{"name": "Bob"}))
	t.Cleanup(as.Close)
	unsub, err := as.Listen(ctx, bus, "app_start")
	require.NoError(t, err)
	t.Cleanup(unsub)

	registrar := registration.NewRegistrar(workbench, registration.WithBus(bus, "auth_start", "app_start"))
	require.NoError(t, registrar.Start(ctx))
	t.Cleanup(func() { _ = registrar.Close() })
	select {
	case <-registrar.Registered():
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not complete")
	}
	reg, err := registrar.Current()
	require.NoError(t, err)
	assert.Equal(t, as.Salt("workbench"), reg.Client.Salt)

	backend := flowstate.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	subjects := session.NewSubjectStore(redisstore.New(client), "workbench")
	o := flows.New(registrar, flowstate.NewTracker(backend), subjects)

	b := newBrowser(t)
	w := httptest.NewRecorder()
	require.NoError(t, o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	b.absorb(w)

	callback := follow(t, location(t, w).String())
	assert.Equal(t, "/auth/callback", callback.Path)
	assert.Equal(t, security.HMAC(b.cookies["acgf"], reg.Client.Salt), callback.Query().Get("state"))

	w = httptest.NewRecorder()
	o.ExchangeACG(w, b.get(callback.String()))
	cookies := b.absorb(w)

	assert.Equal(t, rpBase+"/home", location(t, w).String())
	require.Contains(t, cookies, "subject")
	assert.Equal(t, "Ym9i", cookies["subject"].Value)
	assert.Equal(t, 3600, cookies["subject"].MaxAge)
	assert.True(t, cookies["subject"].HttpOnly)
	assert.NotContains(t, b.cookies, "acgf")
	assert.NotContains(t, b.cookies, "error")
	assert.Equal(t, 0, backend.Len())

	sess, err := subjects.Retrieve(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Ym9i", sess.Claims["sub"])
	assert.Equal(t, "Bob", sess.Claims["name"])
	assert.NotEmpty(t, sess.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)

	assert.Equal(t, time.Hour, mr.TTL("workbench:bob"))
	mr.FastForward(time.Hour + time.Second)
	_, err = subjects.Retrieve(ctx, "bob")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestExchangeReplayFindsNoFlow(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)

	w := httptest.NewRecorder()
	require.NoError(t, h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	b.absorb(w)
	token := b.cookies["acgf"]
	callback := follow(t, location(t, w).String())

	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, b.get(callback.String()))
	b.absorb(w)
	require.Contains(t, b.cookies, "subject")
	calls := h.asCalls.Load()

	// Replay the same callback with the same state token.
	attacker := newBrowser(t)
	attacker.cookies["acgf"] = token
	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, attacker.get(callback.String()))
	cookies := attacker.absorb(w)

	_, ok, err := h.tracker.Lookup(t.Context(), token)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, rpBase, location(t, w).String())
	assert.NotContains(t, cookies, "subject")
	assert.Contains(t, attacker.cookies, "error")
	assert.Equal(t, calls, h.asCalls.Load(), "replayed callback must not reach the server")
}

func TestExchangeCleansUpOnServerError(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)

	w := httptest.NewRecorder()
	require.NoError(t, h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	b.absorb(w)
	token := b.cookies["acgf"]

	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, b.get(rpBase+"/auth/callback?error=access_denied&state="+security.HMAC(token, h.salt())))
	cookies := b.absorb(w)

	assert.Equal(t, rpBase+"/home", location(t, w).String())
	assert.Equal(t, 0, h.backend.Len())
	assert.Equal(t, -1, cookies["acgf"].MaxAge)
	assert.NotContains(t, cookies, "subject")

	w = httptest.NewRecorder()
	assert.Equal(t, flows.ErrorText, h.o.ConsumeError(w, b.get(rpBase+"/home")))
	assert.Equal(t, int32(0), h.asCalls.Load())
}

func TestExchangeHaltsOnStateMismatch(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)

	w := httptest.NewRecorder()
	require.NoError(t, h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	b.absorb(w)
	callback := follow(t, location(t, w).String())

	q := callback.Query()
	q.Set("state", security.HMAC("some-other-flow", h.salt()))
	callback.RawQuery = q.Encode()

	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, b.get(callback.String()))
	cookies := b.absorb(w)

	assert.Equal(t, rpBase+"/home", location(t, w).String())
	assert.Contains(t, cookies, "error")
	assert.NotContains(t, cookies, "subject")
	assert.Equal(t, 0, h.backend.Len())
	assert.Equal(t, int32(0), h.asCalls.Load())
}

func TestExchangeWithRejectedCode(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)

	w := httptest.NewRecorder()
	require.NoError(t, h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	b.absorb(w)
	callback := follow(t, location(t, w).String())

	q := callback.Query()
	q.Set("code", "not-issued")
	callback.RawQuery = q.Encode()

	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, b.get(callback.String()))
	cookies := b.absorb(w)

	assert.Equal(t, rpBase+"/home", location(t, w).String())
	assert.Contains(t, cookies, "error")
	assert.NotContains(t, cookies, "subject")
	assert.Equal(t, int32(1), h.asCalls.Load())
	assert.Equal(t, 0, h.backend.Len())
}

func TestExchangeWithoutRegistration(t *testing.T) {
	h := newHarness(t, unregistered())
	b := newBrowser(t)

	w := httptest.NewRecorder()
	err := h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"})
	require.ErrorIs(t, err, registration.ErrNotRegistered)
	assert.Equal(t, http.StatusServiceUnavailable, errors.HTTPStatusCode(err))
	assert.Equal(t, 0, h.backend.Len())

	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, b.get(rpBase+"/auth/callback?code=x&state=y"))
	assert.Equal(t, rpBase, location(t, w).String())
	assert.Contains(t, b.absorb(w), "error")
}

func TestRunACG(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)
	b.cookies["subject"] = "Ym9i"

	// No flow yet: one is started and the subject forgotten.
	w := httptest.NewRecorder()
	state, err := h.o.RunACG(w, b.get(rpBase+"/login"), flows.PageOptions{PageURI: "/login"})
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Equal(t, http.StatusFound, w.Code)
	cookies := b.absorb(w)
	assert.Equal(t, -1, cookies["subject"].MaxAge)
	require.Contains(t, b.cookies, "acgf")

	// Flow underway: the page renders with the challenge and any error.
	b.cookies["error"] = "Try%20again"
	w = httptest.NewRecorder()
	state, err = h.o.RunACG(w, b.get(rpBase+"/login"), flows.PageOptions{PageURI: "/login"})
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, security.HMAC(b.cookies["acgf"], h.salt()), state.Challenge)
	assert.Equal(t, "Try again", state.Error)
	assert.Equal(t, http.StatusOK, w.Code)
	b.absorb(w)
	assert.NotContains(t, b.cookies, "error")
	assert.Equal(t, 1, h.backend.Len())
}

func TestRunACGReplacesStaleFlow(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)
	b.cookies["acgf"] = "long-gone"

	w := httptest.NewRecorder()
	state, err := h.o.RunACG(w, b.get(rpBase+"/login"), flows.PageOptions{PageURI: "/login"})
	require.NoError(t, err)
	assert.Nil(t, state)
	b.absorb(w)
	assert.NotEqual(t, "long-gone", b.cookies["acgf"])
	assert.Equal(t, location(t, w).Query().Get("state"), b.cookies["acgf"])
}

func TestFlowKindsAreExclusive(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t)
	b.cookies["subject"] = security.EncodeSubject("bob")

	w := httptest.NewRecorder()
	require.NoError(t, h.o.StartIG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	b.absorb(w)
	igToken := b.cookies["igf"]
	require.NotEmpty(t, igToken)

	w = httptest.NewRecorder()
	require.NoError(t, h.o.StartACG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	cookies := b.absorb(w)
	assert.Equal(t, -1, cookies["igf"].MaxAge)
	assert.NotContains(t, b.cookies, "igf")
	_, ok, err := h.tracker.Lookup(t.Context(), igToken)
	require.NoError(t, err)
	assert.False(t, ok)

	acgToken := b.cookies["acgf"]
	w = httptest.NewRecorder()
	require.NoError(t, h.o.StartIG(w, b.get(rpBase+"/home"), flows.PageOptions{PageURI: "/home"}))
	cookies = b.absorb(w)
	assert.Equal(t, -1, cookies["acgf"].MaxAge)
	assert.NotContains(t, b.cookies, "acgf")
	_, ok, err = h.tracker.Lookup(t.Context(), acgToken)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.backend.Len())
}

func TestMisuse(t *testing.T) {
	h := newHarness(t)
	r := newBrowser(t).get(rpBase + "/home")

	assert.Panics(t, func() { _ = h.o.StartACG(httptest.NewRecorder(), r, flows.PageOptions{}) })
	assert.Panics(t, func() { _ = h.o.StartACG(nil, r, flows.PageOptions{PageURI: "/home"}) })
	assert.Panics(t, func() { h.o.ExchangeACG(httptest.NewRecorder(), nil) })
	assert.Panics(t, func() { _, _ = h.o.RunIG(httptest.NewRecorder(), r, flows.PageOptions{}) })
}
