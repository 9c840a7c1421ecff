package flows_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/flows"
	"github.com/vlevchine/InGear/plugins/flowstate"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/registration/fakeas"
	"github.com/vlevchine/InGear/plugins/session"
	"github.com/vlevchine/InGear/plugins/storage"
	"github.com/vlevchine/InGear/plugins/storage/memorystore"
)

const rpBase = "http://rp.local"

var workbench = registration.ClientInfo{
	ID:       "workbench",
	Title:    "Workbench",
	BaseURL:  rpBase,
	Pages:    []string{"/home"},
	Services: []string{"profile", "reports"},
}

type harness struct {
	t         *testing.T
	as        *fakeas.Server
	registrar *registration.Registrar
	backend   *flowstate.MemoryBackend
	tracker   *flowstate.Tracker
	subjects  *session.SubjectStore
	o         *flows.Orchestrator
	asCalls   *atomic.Int32
}

type harnessConfig struct {
	as           []fakeas.Option
	cache        storage.Cache
	unregistered bool
}

type harnessOption func(*harnessConfig)

func withAS(opts ...fakeas.Option) harnessOption {
	return func(c *harnessConfig) { c.as = append(c.as, opts...) }
}

func withCache(cache storage.Cache) harnessOption {
	return func(c *harnessConfig) { c.cache = cache }
}

func unregistered() harnessOption {
	return func(c *harnessConfig) { c.unregistered = true }
}

// countingTransport counts server-to-server calls made by the orchestrator.
type countingTransport struct {
	calls *atomic.Int32
}

func (c countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cache == nil {
		cfg.cache = memorystore.New()
	}

	h := &harness{t: t, asCalls: &atomic.Int32{}}
	h.as = fakeas.New(cfg.as...)
	t.Cleanup(h.as.Close)

	h.registrar = registration.NewRegistrar(workbench)
	if !cfg.unregistered {
		require.NoError(t, h.registrar.Register(logging.ForTest(t), h.as.Config()))
	}

	h.backend = flowstate.NewMemoryBackend()
	t.Cleanup(func() { _ = h.backend.Close() })
	h.tracker = flowstate.NewTracker(h.backend)
	h.subjects = session.NewSubjectStore(cfg.cache, "workbench")
	h.o = flows.New(h.registrar, h.tracker, h.subjects,
		flows.WithHTTPClient(&http.Client{Transport: countingTransport{calls: h.asCalls}}))
	return h
}

func (h *harness) salt() string {
	return h.as.Salt("workbench")
}

// browser keeps cookies between requests the way a user agent would.
type browser struct {
	t       *testing.T
	cookies map[string]string
}

func newBrowser(t *testing.T) *browser {
	return &browser{t: t, cookies: map[string]string{}}
}

func (b *browser) request(method, target string, form url.Values) *http.Request {
	var r *http.Request
	if form != nil {
		r = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for name, value := range b.cookies {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return r.WithContext(logging.ForTest(b.t))
}

func (b *browser) get(target string) *http.Request {
	return b.request(http.MethodGet, target, nil)
}

// absorb applies the response's cookies and returns them by name.
func (b *browser) absorb(w *httptest.ResponseRecorder) map[string]*http.Cookie {
	set := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		set[c.Name] = c
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
		} else {
			b.cookies[c.Name] = c.Value
		}
	}
	return set
}

// follow performs a real GET against the fake server without following its
// redirect and returns where it points.
func follow(t *testing.T, location string) *url.URL {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(location)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return u
}

func location(t *testing.T, w *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

// loginACG runs a full authorization code grant for b and returns the
// callback response.
func (h *harness) loginACG(b *browser, page string) *httptest.ResponseRecorder {
	h.t.Helper()
	w := httptest.NewRecorder()
	require.NoError(h.t, h.o.StartACG(w, b.get(rpBase+page), flows.PageOptions{PageURI: page}))
	b.absorb(w)

	callback := follow(h.t, location(h.t, w).String())
	w = httptest.NewRecorder()
	h.o.ExchangeACG(w, b.get(callback.String()))
	b.absorb(w)
	return w
}
