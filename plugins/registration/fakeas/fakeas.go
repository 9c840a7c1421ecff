// Package fakeas provides an in-process authorization server for tests and
// local development.
//
// It registers any client, authorizes every request as a single configurable
// subject, and issues opaque tokens plus an HS256 id token signed with the
// client's secret. It speaks the same discovery protocol as a real server, so
// it can be plugged into a bus to exercise the full handshake:
//
//	as := fakeas.New(fakeas.WithSubject("bob"))
//	defer as.Close()
//	unsub, _ := as.Listen(ctx, bus, "app_start")
//	defer unsub()
package fakeas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/plugins/eventbus"
	"github.com/vlevchine/InGear/plugins/registration"
)

const (
	defaultSubject   = "bob"
	defaultExpiresIn = 3600
)

// Option configures the Server.
type Option func(*Server)

// WithSubject sets the identity every authorization resolves to.
func WithSubject(subject string) Option {
	return func(s *Server) {
		s.subject = subject
	}
}

// WithExpiresIn sets the lifetime reported for issued tokens.
func WithExpiresIn(seconds int) Option {
	return func(s *Server) {
		s.expiresIn = seconds
	}
}

// WithClaims adds claims to issued id tokens.
func WithClaims(claims map[string]any) Option {
	return func(s *Server) {
		for k, v := range claims {
			s.claims[k] = v
		}
	}
}

// WithForgedRegistrationState makes registration replies fail the nonce check.
func WithForgedRegistrationState() Option {
	return func(s *Server) {
		s.forgeState = true
	}
}

// WithFailingRegistrations makes the first n registration attempts answer 503.
func WithFailingRegistrations(n int) Option {
	return func(s *Server) {
		s.failRegistrations = n
	}
}

// New starts a fake server on a loopback port.
func New(opts ...Option) *Server {
	s := &Server{
		subject:   defaultSubject,
		expiresIn: defaultExpiresIn,
		claims:    map[string]any{},
		clients:   map[string]*client{},
		codes:     map[string]grant{},
		refresh:   map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /clearSession", s.handleClearSession)
	s.srv = httptest.NewServer(mux)
	return s
}

type client struct {
	secret string
	salt   string
	tid    string
}

type grant struct {
	clientID    string
	redirectURI string
	scope       string
}

// Server is a fake authorization server.
type Server struct {
	srv *httptest.Server

	subject           string
	expiresIn         int
	claims            map[string]any
	forgeState        bool
	failRegistrations int

	mu            sync.Mutex
	clients       map[string]*client
	codes         map[string]grant
	refresh       map[string]string
	registrations int
	refreshes     int
	revoked       []string
	failLogout    bool
	failRefresh   bool
}

// URL is the server's base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// Config is what the server announces over discovery.
func (s *Server) Config() registration.ASConfig {
	return registration.ASConfig{
		BaseURL: s.srv.URL,
		Endpoints: registration.Endpoints{
			Authorize:    "/authorize",
			Token:        "/token",
			RefreshToken: "/token",
			ClearSession: "/clearSession",
		},
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// Listen answers hellos published on appStart.
func (s *Server) Listen(ctx context.Context, bus eventbus.EventBus, appStart string) (eventbus.Unsubscribe, error) {
	return bus.Subscribe(ctx, appStart, func(ctx context.Context, msg *eventbus.Message) error {
		var hello registration.Hello
		if err := msg.Decode(&hello); err != nil {
			return err
		}
		return bus.Publish(ctx, hello.ReplyTo, s.Config())
	})
}

// Announce broadcasts the server's configuration on authStart, as a server
// does when it comes up.
func (s *Server) Announce(ctx context.Context, bus eventbus.EventBus, authStart string) error {
	return bus.Publish(ctx, authStart, s.Config())
}

// Registrations counts registration requests, including failed ones.
func (s *Server) Registrations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations
}

// Refreshes counts refresh_token grant requests.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Revoked lists subjects logged out through clearSession.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// Salt returns the salt issued to clientID.
func (s *Server) Salt(clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; ok {
		return c.salt
	}
	return ""
}

// Tokenizer returns the tokenizer clientID derived on registration.
func (s *Server) Tokenizer(clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; ok {
		return security.HMAC(c.tid, c.salt)
	}
	return ""
}

// NotifyLogout tells the client at endpoint that subject logged out.
func (s *Server) NotifyLogout(ctx context.Context, endpoint, clientID, subject string) (int, error) {
	form := url.Values{"subject": {security.EncodeSubject(subject)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.Tokenizer(clientID))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// SetFailLogout makes clearSession answer 500.
func (s *Server) SetFailLogout(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogout = fail
}

// SetFailRefresh makes refresh_token grants answer 500.
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.registrations++
	if s.failRegistrations > 0 {
		s.failRegistrations--
		s.mu.Unlock()
		http.Error(w, "starting up", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PostForm.Get("client")
	nonce := r.PostForm.Get("state")
	if id == "" || nonce == "" {
		http.Error(w, "client and state are required", http.StatusBadRequest)
		return
	}

	c := &client{secret: uuid.NewString(), salt: uuid.NewString(), tid: uuid.NewString()}
	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	state := security.HMAC(nonce, c.salt)
	if s.forgeState {
		state = security.HMAC("forged", c.salt)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"client_id": url.QueryEscape(id),
		"cs_hint":   url.QueryEscape(c.secret),
		"sid":       url.QueryEscape(c.salt),
		"tid":       url.QueryEscape(c.tid),
		"state":     state,
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	c, ok := s.clients[q.Get("client_id")]
	s.mu.Unlock()

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	params := url.Values{}
	if !ok {
		params.Set("error", "unauthorized_client")
		redirect.RawQuery = params.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
		return
	}
	params.Set("state", security.HMAC(q.Get("state"), c.salt))

	switch q.Get("response_type") {
	case "code":
		code := uuid.NewString()
		s.mu.Lock()
		s.codes[code] = grant{clientID: q.Get("client_id"), redirectURI: q.Get("redirect_uri"), scope: q.Get("scope")}
		s.mu.Unlock()
		params.Set("code", code)
		redirect.RawQuery = params.Encode()
	case "token":
		params.Set("access_token", uuid.NewString())
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.Itoa(s.expiresIn))
		redirect.Fragment = params.Encode()
	default:
		params.Set("error", "unsupported_response_type")
		redirect.RawQuery = params.Encode()
	}
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	clientID, c, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.mu.Lock()
		g, found := s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
		s.mu.Unlock()
		if !found || g.clientID != clientID || g.redirectURI != r.PostForm.Get("redirect_uri") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		s.issue(w, c, true)

	case "refresh_token":
		s.mu.Lock()
		s.refreshes++
		_, found := s.refresh[r.PostForm.Get("refresh_token")]
		fail := s.failRefresh
		s.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		if !found {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		s.issue(w, c, false)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) issue(w http.ResponseWriter, c *client, withIDToken bool) {
	refresh := uuid.NewString()
	s.mu.Lock()
	s.refresh[refresh] = s.subject
	s.mu.Unlock()

	body := map[string]any{
		"access_token":  uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    s.expiresIn,
		"refresh_token": refresh,
	}
	if withIDToken {
		now := time.Now()
		claims := jwt.MapClaims{
			"sub": security.EncodeSubject(s.subject),
			"iat": now.Unix(),
			"exp": now.Add(time.Duration(s.expiresIn) * time.Second).Unix(),
		}
		for k, v := range s.claims {
			claims[k] = v
		}
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secret))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		body["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "revoke" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLogout {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	s.revoked = append(s.revoked, r.PostForm.Get("subject"))
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) authenticate(r *http.Request) (string, *client, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", nil, false
	}
	id, err1 := url.QueryUnescape(user)
	secret, err2 := url.QueryUnescape(pass)
	if err1 != nil || err2 != nil {
		return "", nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, found := s.clients[id]
	if !found || c.secret != secret {
		return "", nil, false
	}
	return id, c, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
