package flowstate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
	"github.com/vlevchine/InGear/plugins/storage/memorystore"
	"github.com/vlevchine/InGear/plugins/storage/redisstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func cookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func newTracker(t *testing.T) (*Tracker, *MemoryBackend, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewMemoryBackend(WithMemoryClock(clock.Now), WithJanitorInterval(0))
	t.Cleanup(func() { _ = b.Close() })
	return NewTracker(b, WithClock(clock.Now), WithTTL(10*time.Minute)), b, clock
}

func TestBeginLookupEnd(t *testing.T) {
	tr, b, clock := newTracker(t)
	ctx := t.Context()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, tr.Begin(ctx, rr, req, ACG, "tok-1", FlowState{
		Scope: "orders billing", RedirectURI: "http://app.local", PageURI: "/home",
	}))

	c := cookie(rr, "acgf")
	require.NotNil(t, c)
	assert.Equal(t, "tok-1", c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 600, c.MaxAge)

	fs, ok, err := tr.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FlowState{
		StateToken: "tok-1", Kind: ACG, Scope: "orders billing",
		RedirectURI: "http://app.local", PageURI: "/home", CreatedAt: clock.Now(),
	}, fs)
	assert.Equal(t, 1, b.Len())

	rr = httptest.NewRecorder()
	require.NoError(t, tr.End(ctx, rr, ACG, "tok-1"))
	assert.Equal(t, -1, cookie(rr, "acgf").MaxAge)

	_, ok, err = tr.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBeginRequiresToken(t *testing.T) {
	tr, _, _ := newTracker(t)
	err := tr.Begin(t.Context(), httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), ACG, "", FlowState{})
	assert.True(t, errors.IsKind(err, errors.Validation))
}

func TestFlowKindsAreMutuallyExclusive(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := t.Context()

	rr := httptest.NewRecorder()
	require.NoError(t, tr.Begin(ctx, rr, httptest.NewRequest(http.MethodGet, "/", nil), IG, "ig-1", FlowState{}))

	// ACG start while an IG cookie is present.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "igf", Value: "ig-1"})
	rr = httptest.NewRecorder()
	require.NoError(t, tr.Begin(ctx, rr, req, ACG, "acg-1", FlowState{}))

	assert.Equal(t, -1, cookie(rr, "igf").MaxAge, "IG cookie should be cleared")
	assert.Equal(t, "acg-1", cookie(rr, "acgf").Value)
	_, ok, _ := tr.Lookup(ctx, "ig-1")
	assert.False(t, ok, "IG entry should be dropped")

	// And the other way round.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "acgf", Value: "acg-1"})
	rr = httptest.NewRecorder()
	require.NoError(t, tr.Begin(ctx, rr, req, IG, "ig-2", FlowState{}))

	assert.Equal(t, -1, cookie(rr, "acgf").MaxAge, "ACG cookie should be cleared")
	assert.Equal(t, "ig-2", cookie(rr, "igf").Value)
	_, ok, _ = tr.Lookup(ctx, "acg-1")
	assert.False(t, ok, "ACG entry should be dropped")
}

func TestIsActive(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := t.Context()
	require.NoError(t, tr.Begin(ctx, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), ACG, "acg-1", FlowState{}))

	rr := httptest.NewRecorder()
	assert.False(t, tr.IsActive(ctx, rr, httptest.NewRequest(http.MethodGet, "/", nil), ACG))
	assert.Nil(t, cookie(rr, "acgf"), "no cookie, nothing to clear")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "acgf", Value: "acg-1"})
	rr = httptest.NewRecorder()
	assert.True(t, tr.IsActive(ctx, rr, req, ACG))
	assert.Nil(t, cookie(rr, "acgf"))

	// A cookie naming the wrong kind of flow is stale.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "igf", Value: "acg-1"})
	rr = httptest.NewRecorder()
	assert.False(t, tr.IsActive(ctx, rr, req, IG))
	assert.Equal(t, -1, cookie(rr, "igf").MaxAge)
}

func TestStaleCookieIsCleared(t *testing.T) {
	tr, _, _ := newTracker(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "acgf", Value: "long-gone"})
	rr := httptest.NewRecorder()

	assert.False(t, tr.IsActive(t.Context(), rr, req, ACG))
	assert.Equal(t, -1, cookie(rr, "acgf").MaxAge)
}

func TestAbandonedFlowsAreEvicted(t *testing.T) {
	tr, b, clock := newTracker(t)
	ctx := t.Context()

	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Begin(ctx, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), ACG, tok, FlowState{}))
	}
	clock.Advance(5 * time.Minute)
	require.NoError(t, tr.Begin(ctx, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), IG, "d", FlowState{}))

	clock.Advance(6 * time.Minute)
	_, ok, _ := tr.Lookup(ctx, "a")
	assert.False(t, ok, "expired entries are never returned")
	_, ok, _ = tr.Lookup(ctx, "d")
	assert.True(t, ok)

	assert.Equal(t, 3, b.Sweep())
	assert.Equal(t, 1, b.Len())
}

func TestJanitorSweeps(t *testing.T) {
	b := NewMemoryBackend(WithJanitorInterval(5 * time.Millisecond))
	defer b.Close()

	require.NoError(t, b.Put(t.Context(), FlowState{StateToken: "x"}, time.Millisecond))
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
}

func TestCacheBackendSharesStateAcrossTrackers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// Two instances behind a load balancer.
	first := NewTracker(NewCacheBackend(redisstore.New(client)), WithTTL(10*time.Minute))
	second := NewTracker(NewCacheBackend(redisstore.New(client)), WithTTL(10*time.Minute))

	rr := httptest.NewRecorder()
	require.NoError(t, first.Begin(t.Context(), rr, httptest.NewRequest(http.MethodGet, "/", nil), IG, "ig-1",
		FlowState{Scope: "Ym9i", RedirectURI: "http://app.local/orders", PageURI: "/orders"}))
	assert.Equal(t, 10*time.Minute, mr.TTL("flow:ig-1"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie(rr, "igf"))
	assert.True(t, second.IsActive(t.Context(), httptest.NewRecorder(), req, IG))

	fs, ok, err := second.Lookup(t.Context(), "ig-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, IG, fs.Kind)
	assert.Equal(t, "/orders", fs.PageURI)
	assert.Equal(t, "Ym9i", fs.Scope)

	require.NoError(t, second.End(t.Context(), httptest.NewRecorder(), IG, "ig-1"))
	assert.False(t, mr.Exists("flow:ig-1"))

	mr.FastForward(time.Minute)
	_, ok, err = first.Lookup(t.Context(), "ig-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("acg")
	require.NoError(t, err)
	assert.Equal(t, ACG, k)
	assert.Equal(t, IG, k.Other())
	assert.Equal(t, "igf", k.Other().CookieName())

	_, err = ParseKind("pkce")
	assert.Error(t, err)
}

type expireFails struct {
	storage.Cache
}

func (expireFails) Expire(context.Context, string, time.Duration) error {
	return errors.Mark(storage.ErrNotConfirmed, 0)
}

func TestCacheBackendUnconfirmedTTLLeavesNoFlow(t *testing.T) {
	mem := memorystore.New()
	b := NewCacheBackend(expireFails{mem})

	err := b.Put(t.Context(), FlowState{StateToken: "acg-1", Kind: ACG, PageURI: "/"}, time.Minute)
	require.ErrorIs(t, err, storage.ErrNotConfirmed)

	_, ok, err := b.Get(t.Context(), "acg-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, mem.Len())
}
