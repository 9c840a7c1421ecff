// Package flows drives browsers through the authorization server's grant
// flows on behalf of this application.
//
// Authorization code grant (ACG):
//
//  1. StartACG stores a fresh state token, points the `acgf` cookie at it and
//     redirects to the server's authorize endpoint with response_type=code.
//  2. The server redirects back to the callback with a code and the HMAC of
//     the state token under the client's salt.
//  3. ExchangeACG forgets the flow, checks the HMAC, exchanges the code for
//     tokens, saves the subject's session and sets the `subject` cookie.
//
// Implicit grant (IG) re-asserts an existing subject. StartIG redirects with
// response_type=token and the `igf` cookie set. The token comes back in the
// URL fragment, which only the browser sees; a front-end component is
// expected to move it into a cookie and reload the page. That reload, with
// `igf` and `subject` cookies present, is what FinishIG handles.
//
// Failures the browser can do nothing about are logged and replaced by
// ErrorText, carried to the next page in the `error` cookie.
package flows

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/flowstate"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/session"
)

// Cookie names, besides the flow correlation cookies owned by flowstate.
const (
	SubjectCookie = "subject"
	ErrorCookie   = "error"
)

// ErrorText is the only failure description a browser ever sees.
const ErrorText = "Internal application error running authentication. Please contact your system administrator."

const defaultCallbackPath = "/auth/callback"

var (
	// ErrNoSubject is returned when an operation needs the subject cookie and
	// the browser has none.
	ErrNoSubject = errors.NewK("flows: request has no subject cookie", errors.Validation).
			WithPublicMessage("Not signed in.")

	// ErrStateMismatch is returned when a callback's state does not match the
	// browser's flow.
	ErrStateMismatch = errors.NewK("flows: callback state does not match flow", errors.CSRF)
)

// Client supplies the registration every server call is made with.
type Client interface {
	Current() (registration.Registration, error)
	Info() registration.ClientInfo
}

// PageOptions describe the page a flow runs for.
type PageOptions struct {
	// PageURI is the page path, relative to the client base URL, the browser
	// returns to.
	PageURI string
}

// PageState is what a page running the ACG flow renders with.
type PageState struct {
	Error     string `json:"error,omitempty"`
	Challenge string `json:"challenge,omitempty"`
}

// IGResult is the outcome of an implicit grant.
type IGResult struct {
	Session   *session.RPSession `json:"session,omitempty"`
	Challenge string             `json:"challenge,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCallbackPath sets the path, relative to the client base URL, the server
// redirects to after an ACG authorization.
func WithCallbackPath(path string) Option {
	return func(o *Orchestrator) {
		o.callbackPath = path
	}
}

// WithHTTPClient sets the client used for server calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		o.httpClient = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSecureCookies marks the subject and error cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(o *Orchestrator) {
		o.secure = secure
	}
}

// New returns an orchestrator. Flow state lives in tracker and sessions in
// subjects.
func New(client Client, tracker *flowstate.Tracker, subjects *session.SubjectStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:       client,
		tracker:      tracker,
		subjects:     subjects,
		callbackPath: defaultCallbackPath,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Orchestrator runs the grant flows.
type Orchestrator struct {
	client       Client
	tracker      *flowstate.Tracker
	subjects     *session.SubjectStore
	callbackPath string
	httpClient   *http.Client
	now          func() time.Time
	secure       bool
}

// BaseURL is the client's public base URL.
func (o *Orchestrator) BaseURL() string {
	return strings.TrimSuffix(o.client.Info().BaseURL, "/")
}

// CallbackURL is the ACG redirect URI.
func (o *Orchestrator) CallbackURL() string {
	return o.BaseURL() + o.callbackPath
}

// SessionExists reports whether the subject named by an encoded subject
// cookie value has a session.
func (o *Orchestrator) SessionExists(ctx context.Context, subjectCookie string) (bool, error) {
	subject, err := security.DecodeSubject(subjectCookie)
	if err != nil {
		return false, err
	}
	return o.subjects.Exists(ctx, subject)
}

// ConsumeError returns the error recorded for the browser, if any, and clears
// it.
func (o *Orchestrator) ConsumeError(w http.ResponseWriter, r *http.Request) string {
	c, err := r.Cookie(ErrorCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	o.clearCookie(w, ErrorCookie)
	if msg, err := url.PathUnescape(c.Value); err == nil {
		return msg
	}
	return c.Value
}

func (o *Orchestrator) oauthConfig(reg registration.Registration, redirectURI, scope string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.Client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   reg.AS.URL(reg.AS.Endpoints.Authorize),
			TokenURL:  reg.AS.URL(reg.AS.Endpoints.Token),
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(scope),
	}
}

func (o *Orchestrator) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

func (o *Orchestrator) subjectCookie(r *http.Request) string {
	if c, err := r.Cookie(SubjectCookie); err == nil {
		return c.Value
	}
	return ""
}

func (o *Orchestrator) setSubjectCookie(w http.ResponseWriter, encoded string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SubjectCookie,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   o.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (o *Orchestrator) setError(w http.ResponseWriter, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:   ErrorCookie,
		Value:  url.PathEscape(msg),
		Path:   "/",
		Secure: o.secure,
	})
}

func (o *Orchestrator) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: name == SubjectCookie,
		Secure:   o.secure,
	})
}

// fail logs err with the request context and sends the browser to dest with
// the generic error recorded.
func (o *Orchestrator) fail(w http.ResponseWriter, r *http.Request, dest string, err error) {
	logging.Errorw(r.Context(), "flows: authentication failed", "error", err, "kind", errors.KindOf(err))
	o.setError(w, ErrorText)
	http.Redirect(w, r, dest, http.StatusFound)
}

func mustHave(w http.ResponseWriter, r *http.Request) {
	if w == nil || r == nil {
		panic("flows: response writer and request are required")
	}
}

func mustHavePage(opts PageOptions) {
	if opts.PageURI == "" {
		panic("flows: PageOptions.PageURI is required")
	}
}
