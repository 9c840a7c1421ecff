// Package registration registers this application with the authorization
// server and holds the resulting client credentials.
//
// Discovery runs over the eventbus. On start the registrar broadcasts a hello
// on the app-start channel naming a private reply topic, and waits briefly for
// the server to answer with its configuration. It also listens on the
// auth-start channel for as long as it runs, so a server that comes up after
// the application still triggers registration.
//
// With the server's configuration in hand the registrar POSTs the client's
// metadata together with a random nonce. The reply carries a salt and the HMAC
// of the nonce under that salt; a reply that fails this check is discarded.
//
// Until registration succeeds Current returns ErrNotRegistered, which the
// flows surface as 503.
package registration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/eventbus"
)

const nonceSize = 48

var (
	// ErrNotRegistered is returned while no registration has succeeded.
	ErrNotRegistered = errors.NewK("registration: client is not registered with the authorization server", errors.Upstream).
				WithPublicMessage("Internal application error running authentication. Please contact your system administrator.")

	// ErrStateMismatch is returned when a registration reply fails the nonce
	// check.
	ErrStateMismatch = errors.NewK("registration: reply state does not match nonce", errors.CSRF)
)

// Endpoints of the authorization server, relative to its base URL.
type Endpoints struct {
	Authorize    string `json:"authorize"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ClearSession string `json:"clearSession"`
}

// ASConfig is what the authorization server announces about itself.
type ASConfig struct {
	BaseURL   string    `json:"baseURL"`
	Endpoints Endpoints `json:"endpoints"`
}

// URL resolves an endpoint against the base URL.
func (c ASConfig) URL(endpoint string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + endpoint
}

// ClientRegistration holds the credentials issued to this application.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	Tokenizer    string
	Salt         string
}

// Registration is a successful registration with one server.
type Registration struct {
	AS     ASConfig
	Client ClientRegistration
}

// ClientInfo describes this application to the authorization server.
type ClientInfo struct {
	ID           string
	Title        string
	BaseURL      string
	RegisterPath string
	Pages        []string
	Services     []string
}

// Scope is the space separated list of services the client uses.
func (c ClientInfo) Scope() string {
	return strings.Join(c.Services, " ")
}

// Hello is broadcast on the app-start channel.
type Hello struct {
	ReplyTo string `json:"replyTo"`
}

type registerReply struct {
	ClientID string `json:"client_id"`
	CSHint   string `json:"cs_hint"`
	SID      string `json:"sid"`
	TID      string `json:"tid"`
	State    string `json:"state"`
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithBus enables discovery over bus on the given channels.
func WithBus(bus eventbus.EventBus, authStart, appStart string) RegistrarOption {
	return func(r *Registrar) {
		r.bus = bus
		r.authStart = authStart
		r.appStart = appStart
	}
}

// WithStaticAS skips discovery and registers with as directly.
func WithStaticAS(as ASConfig) RegistrarOption {
	return func(r *Registrar) {
		r.static = &as
	}
}

// WithDiscoveryTimeout bounds the wait for a reply to the hello.
func WithDiscoveryTimeout(d time.Duration) RegistrarOption {
	return func(r *Registrar) {
		r.timeout = d
	}
}

// WithMaxTries bounds registration POST attempts.
func WithMaxTries(n int) RegistrarOption {
	return func(r *Registrar) {
		r.maxTries = n
	}
}

// WithBackOff replaces the exponential backoff between POST attempts.
func WithBackOff(fn func() backoff.BackOff) RegistrarOption {
	return func(r *Registrar) {
		r.newBackOff = fn
	}
}

// WithHTTPClient sets the client used to call the server.
func WithHTTPClient(c *http.Client) RegistrarOption {
	return func(r *Registrar) {
		r.httpClient = c
	}
}

// NewRegistrar returns a registrar for info.
func NewRegistrar(info ClientInfo, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		info:       info,
		timeout:    2 * time.Second,
		maxTries:   3,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		registered: make(chan struct{}),
	}
	if r.info.RegisterPath == "" {
		r.info.RegisterPath = "/register"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registrar performs discovery and registration and publishes the result.
type Registrar struct {
	info       ClientInfo
	bus        eventbus.EventBus
	authStart  string
	appStart   string
	static     *ASConfig
	timeout    time.Duration
	maxTries   int
	httpClient *http.Client
	newBackOff func() backoff.BackOff

	current    atomic.Pointer[Registration]
	once       sync.Once
	registered chan struct{}

	mu     sync.Mutex
	unsub  eventbus.Unsubscribe
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReplyTopic is where the server answers this client's hello.
func (r *Registrar) ReplyTopic() string {
	return r.appStart + "_" + r.info.ID
}

// Info returns the client description sent to the server.
func (r *Registrar) Info() ClientInfo {
	return r.info
}

// Current returns the active registration, or ErrNotRegistered.
func (r *Registrar) Current() (Registration, error) {
	if reg := r.current.Load(); reg != nil {
		return *reg, nil
	}
	return Registration{}, errors.Mark(ErrNotRegistered, 0)
}

// Registered is closed after the first successful registration.
func (r *Registrar) Registered() <-chan struct{} {
	return r.registered
}

// Start begins registration in the background. Failing to register does not
// fail Start; flows report ErrNotRegistered until it succeeds.
func (r *Registrar) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if r.static != nil {
		as := *r.static
		r.goLog(ctx, func() error { return r.Register(ctx, as) })
		return nil
	}
	if r.bus == nil {
		cancel()
		return errors.New("registration: needs an eventbus or a static authorization server config")
	}

	unsub, err := r.bus.Subscribe(ctx, r.authStart, func(ctx context.Context, msg *eventbus.Message) error {
		var as ASConfig
		if err := msg.Decode(&as); err != nil {
			return err
		}
		logging.Infow(ctx, "registration: authorization server started", "as.baseURL", as.BaseURL)
		return r.Register(ctx, as)
	})
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	r.goLog(ctx, func() error { return r.Discover(ctx) })
	return nil
}

// Discover pings the server over the bus and registers with it if it
// answers in time. A timeout is not an error: the server will announce itself
// on the auth-start channel when it comes up.
func (r *Registrar) Discover(ctx context.Context) error {
	msg, err := eventbus.Request(ctx, r.bus, r.appStart, r.ReplyTopic(), Hello{ReplyTo: r.ReplyTopic()}, r.timeout)
	if errors.Is(err, eventbus.ErrTimeout) {
		logging.Infow(ctx, "registration: authorization server did not answer, waiting for it to start",
			"timeout", r.timeout)
		return nil
	}
	if err != nil {
		return err
	}
	var as ASConfig
	if err := msg.Decode(&as); err != nil {
		return err
	}
	return r.Register(ctx, as)
}

// Register POSTs the client metadata to as and verifies the reply.
func (r *Registrar) Register(ctx context.Context, as ASConfig) error {
	if as.BaseURL == "" {
		return errors.NewK("registration: authorization server config has no base URL", errors.Validation)
	}
	nonce, err := security.RandomString(nonceSize)
	if err != nil {
		return err
	}
	pages, _ := json.Marshal(r.info.Pages)
	services, _ := json.Marshal(r.info.Services)
	form := url.Values{
		"state":    {nonce},
		"client":   {r.info.ID},
		"pages":    {string(pages)},
		"title":    {r.info.Title},
		"services": {string(services)},
		"baseURL":  {r.info.BaseURL},
	}
	endpoint := as.URL(r.info.RegisterPath)

	reply, err := backoff.Retry(ctx, func() (registerReply, error) {
		return r.post(ctx, endpoint, form)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(max(r.maxTries, 1))),
		backoff.WithNotify(func(err error, d time.Duration) {
			logging.Warnw(ctx, "registration: retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		logging.Errorw(ctx, "registration: failed to connect to authorization server", "error", err, "client", r.info.ID)
		return err
	}

	client, err := verify(nonce, reply)
	if err != nil {
		logging.Errorw(ctx, "registration: attempt failed", "error", err, "client", r.info.ID)
		return err
	}

	r.current.Store(&Registration{AS: as, Client: client})
	r.once.Do(func() { close(r.registered) })
	logging.Infow(ctx, "registration: registered with authorization server",
		"client", r.info.ID, "as.baseURL", as.BaseURL)
	return nil
}

func (r *Registrar) post(ctx context.Context, endpoint string, form url.Values) (registerReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return registerReply{}, backoff.Permanent(errors.Wrap(err, 0))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return registerReply{}, errors.WrapPrefix(err, "registration: request failed", 0).WithKind(errors.Upstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return registerReply{}, errors.WrapPrefix(err, "registration: reading reply", 0).WithKind(errors.Upstream)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return registerReply{}, errors.Kindf(errors.Upstream, "registration: server responded %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return registerReply{}, backoff.Permanent(
			errors.Kindf(errors.Upstream, "registration: server responded %d", resp.StatusCode))
	}

	var reply registerReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return registerReply{}, backoff.Permanent(
			errors.WrapPrefix(err, "registration: malformed reply", 0).WithKind(errors.Upstream))
	}
	return reply, nil
}

// verify checks the reply against nonce and derives the client credentials.
func verify(nonce string, reply registerReply) (ClientRegistration, error) {
	unescape := func(s string) string {
		if u, err := url.QueryUnescape(s); err == nil {
			return u
		}
		return s
	}
	salt := unescape(reply.SID)
	if salt == "" || !security.VerifyHMAC(nonce, salt, unescape(reply.State)) {
		return ClientRegistration{}, errors.Mark(ErrStateMismatch, 0)
	}
	return ClientRegistration{
		ClientID:     unescape(reply.ClientID),
		ClientSecret: unescape(reply.CSHint),
		Tokenizer:    security.HMAC(unescape(reply.TID), salt),
		Salt:         salt,
	}, nil
}

func (r *Registrar) goLog(ctx context.Context, fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil && ctx.Err() == nil {
			logging.Warnw(ctx, "registration: not registered yet", "error", err)
		}
	}()
}

// Close stops listening for server announcements and waits for in-flight
// attempts.
func (r *Registrar) Close() error {
	r.mu.Lock()
	unsub, cancel := r.unsub, r.cancel
	r.unsub, r.cancel = nil, nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return nil
}
