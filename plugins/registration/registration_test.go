package registration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/eventbus/membus"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/registration/fakeas"
)

var workbench = registration.ClientInfo{
	ID:       "workbench",
	Title:    "Workbench",
	BaseURL:  "http://rp.local",
	Pages:    []string{"/home", "/reports"},
	Services: []string{"profile", "reports"},
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func waitRegistered(t *testing.T, r *registration.Registrar) {
	t.Helper()
	select {
	case <-r.Registered():
	case <-time.After(2 * time.Second):
		t.Fatal("registrar never registered")
	}
}

func TestRegister(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	as := fakeas.New()
	t.Cleanup(as.Close)

	r := registration.NewRegistrar(workbench)
	_, err := r.Current()
	require.ErrorIs(t, err, registration.ErrNotRegistered)
	assert.Equal(t, http.StatusServiceUnavailable, errors.HTTPStatusCode(err))

	require.NoError(t, r.Register(ctx, as.Config()))

	reg, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, "workbench", reg.Client.ClientID)
	assert.NotEmpty(t, reg.Client.ClientSecret)
	assert.NotEmpty(t, reg.Client.Tokenizer)
	assert.Equal(t, as.Salt("workbench"), reg.Client.Salt)
	assert.Equal(t, as.URL(), reg.AS.BaseURL)
	assert.Equal(t, as.URL()+"/token", reg.AS.URL(reg.AS.Endpoints.Token))

	select {
	case <-r.Registered():
	default:
		t.Fatal("Registered should be closed")
	}
}

func TestRegisterPostsClientMetadata(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	posted := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{"path": r.URL.Path}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		posted <- form
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_id":"workbench","cs_hint":"shh","sid":"s%2Balt","tid":"t1","state":"` +
			security.HMAC(r.PostForm.Get("state"), "s+alt") + `"}`))
	}))
	t.Cleanup(srv.Close)

	r := registration.NewRegistrar(workbench)
	require.NoError(t, r.Register(ctx, registration.ASConfig{BaseURL: srv.URL}))

	got := <-posted
	assert.Equal(t, "/register", got["path"])
	assert.Equal(t, "workbench", got["client"])
	assert.Equal(t, "Workbench", got["title"])
	assert.Equal(t, "http://rp.local", got["baseURL"])
	assert.JSONEq(t, `["/home","/reports"]`, got["pages"])
	assert.JSONEq(t, `["profile","reports"]`, got["services"])
	assert.NotEmpty(t, got["state"])

	reg, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, "s+alt", reg.Client.Salt)
	assert.Equal(t, "shh", reg.Client.ClientSecret)
	assert.Equal(t, security.HMAC("t1", "s+alt"), reg.Client.Tokenizer)
}

func TestRegisterDiscardsForgedState(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	as := fakeas.New(fakeas.WithForgedRegistrationState())
	t.Cleanup(as.Close)

	r := registration.NewRegistrar(workbench)
	err := r.Register(ctx, as.Config())
	require.ErrorIs(t, err, registration.ErrStateMismatch)
	assert.Equal(t, errors.CSRF, errors.KindOf(err))

	_, err = r.Current()
	assert.ErrorIs(t, err, registration.ErrNotRegistered)
}

func TestRegisterRetriesUnavailableServer(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	as := fakeas.New(fakeas.WithFailingRegistrations(2))
	t.Cleanup(as.Close)

	r := registration.NewRegistrar(workbench, registration.WithMaxTries(3), registration.WithBackOff(noWait))
	require.NoError(t, r.Register(ctx, as.Config()))
	assert.Equal(t, 3, as.Registrations())
}

func TestRegisterGivesUp(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	as := fakeas.New(fakeas.WithFailingRegistrations(5))
	t.Cleanup(as.Close)

	r := registration.NewRegistrar(workbench, registration.WithMaxTries(2), registration.WithBackOff(noWait))
	err := r.Register(ctx, as.Config())
	require.Error(t, err)
	assert.Equal(t, errors.Upstream, errors.KindOf(err))
	assert.Equal(t, 2, as.Registrations())
}

func TestRegisterDoesNotRetryClientErrors(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown client", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	r := registration.NewRegistrar(workbench, registration.WithMaxTries(3), registration.WithBackOff(noWait))
	require.Error(t, r.Register(ctx, registration.ASConfig{BaseURL: srv.URL}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegisterRequiresBaseURL(t *testing.T) {
	r := registration.NewRegistrar(workbench)
	err := r.Register(logging.EnsureLogger(t.Context()), registration.ASConfig{})
	assert.True(t, errors.IsKind(err, errors.Validation))
}

func TestDiscoverOverBus(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	bus := membus.New(ctx)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	as := fakeas.New()
	t.Cleanup(as.Close)
	unsub, err := as.Listen(ctx, bus, "app_start")
	require.NoError(t, err)
	t.Cleanup(unsub)

	r := registration.NewRegistrar(workbench, registration.WithBus(bus, "auth_start", "app_start"))
	assert.Equal(t, "app_start_workbench", r.ReplyTopic())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Close() })

	waitRegistered(t, r)
	reg, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, as.URL(), reg.AS.BaseURL)
}

func TestServerStartingAfterClient(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	bus := membus.New(ctx)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	r := registration.NewRegistrar(workbench,
		registration.WithBus(bus, "auth_start", "app_start"),
		registration.WithDiscoveryTimeout(10*time.Millisecond))
	require.NoError(t, r.Discover(ctx), "a silent server is not an error")

	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Close() })
	_, err := r.Current()
	require.ErrorIs(t, err, registration.ErrNotRegistered)

	as := fakeas.New()
	t.Cleanup(as.Close)
	require.NoError(t, as.Announce(ctx, bus, "auth_start"))

	waitRegistered(t, r)
	assert.Equal(t, 1, as.Registrations())
}

func TestStartWithStaticServer(t *testing.T) {
	ctx := logging.EnsureLogger(t.Context())
	as := fakeas.New()
	t.Cleanup(as.Close)

	r := registration.NewRegistrar(workbench, registration.WithStaticAS(as.Config()))
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Close() })
	waitRegistered(t, r)
}

func TestStartNeedsBusOrStaticServer(t *testing.T) {
	r := registration.NewRegistrar(workbench)
	assert.Error(t, r.Start(logging.EnsureLogger(t.Context())))
}

func TestClientScope(t *testing.T) {
	assert.Equal(t, "profile reports", workbench.Scope())
}
