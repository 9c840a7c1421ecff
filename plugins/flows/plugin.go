package flows

import (
	"context"
	"net/http"
	"strings"
	"time"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/flowstate"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/session"
)

// PluginName identifies the flows plugin.
const PluginName = "flows"

// Routes served by the plugin, besides the configurable callback.
const (
	LoginPath        = "/auth/login"
	ReassertPath     = "/auth/reassert"
	ErrorPath        = "/auth/error"
	RefreshPath      = "/auth/refresh"
	LogoutPath       = "/auth/logout"
	NotifyLogoutPath = "/auth/notify/logout"
	SessionPath      = "/auth/session"
)

func init() {
	ingear.RegisterConfigKeys(
		ingear.ConfigKeyInfo{
			Key:         "flows.callbackPath",
			Description: "Path the authorization server redirects to with an authorization code",
			Type:        "string",
			Default:     defaultCallbackPath,
		},
		ingear.ConfigKeyInfo{
			Key:         "flows.timeout",
			Description: "Timeout for calls to the authorization server",
			Type:        "duration",
			Default:     "10s",
		},
	)
}

// PluginOption configures the FlowsPlugin.
type PluginOption func(*FlowsPlugin)

// WithOptions passes options through to the Orchestrator.
func WithOptions(opts ...Option) PluginOption {
	return func(p *FlowsPlugin) {
		p.opts = append(p.opts, opts...)
	}
}

// Plugin returns the flows plugin configured from ingear.Config.
//
// Config keys: `flows.callbackPath`, `flows.timeout`, `flow.secureCookies`.
func Plugin(opts ...PluginOption) *FlowsPlugin {
	p := &FlowsPlugin{callbackPath: defaultCallbackPath}
	if path := ingear.ConfigString("flows.callbackPath"); path != "" {
		p.callbackPath = path
	}
	p.opts = append(p.opts, WithCallbackPath(p.callbackPath))
	if d := ingear.ConfigDuration("flows.timeout"); d > 0 {
		p.opts = append(p.opts, WithHTTPClient(&http.Client{Timeout: d}))
	}
	if ingear.Config.Bool("flow.secureCookies") {
		p.opts = append(p.opts, WithSecureCookies(true))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FlowsPlugin serves the grant flows over HTTP.
type FlowsPlugin struct {
	callbackPath string
	opts         []Option
	orchestrator *Orchestrator
}

// From ingear.Plugin.
func (p *FlowsPlugin) Name() string {
	return PluginName
}

// From ingear.DependentPlugin.
func (p *FlowsPlugin) Deps() []string {
	return []string{registration.PluginName, flowstate.PluginName, session.PluginName}
}

// From ingear.OptionProvider.
func (p *FlowsPlugin) ServerOptions() []ingear.ServerOption {
	return []ingear.ServerOption{
		ingear.WithMethodHandlerFunc(http.MethodGet, p.callbackPath, p.handle((*Orchestrator).ExchangeACG)),
		ingear.WithMethodHandlerFunc(http.MethodGet, ErrorPath, p.handle((*Orchestrator).OnError)),
		ingear.WithMethodHandlerFunc(http.MethodGet, LoginPath, p.handleLogin),
		ingear.WithMethodHandlerFunc(http.MethodGet, ReassertPath, p.handleReassert),
		ingear.WithMethodHandler(http.MethodGet, SessionPath, ingear.WrapJSONHandler(p.handleSession)),

		// These change state at the authorization server or in the session
		// store, so a cross-site navigation must not reach them.
		ingear.WithMethodHandlerFunc(http.MethodPost, RefreshPath, p.handle((*Orchestrator).Refresh)),
		ingear.WithMethodHandlerFunc(http.MethodPost, LogoutPath, p.handle((*Orchestrator).Logout)),
		ingear.WithMethodHandlerFunc(http.MethodPost, NotifyLogoutPath, p.handle((*Orchestrator).OnLogout)),
	}
}

// From ingear.InitializablePlugin.
func (p *FlowsPlugin) Init(ctx context.Context, r *ingear.Registry) error {
	client := registration.FromRegistry(r)
	if client == nil {
		return errors.New("flows: registration plugin not initialized")
	}
	fp, ok := r.Get(flowstate.PluginName).(*flowstate.FlowStatePlugin)
	if !ok {
		return errors.New("flows: flowstate plugin not registered")
	}
	sp, ok := r.Get(session.PluginName).(*session.SessionPlugin)
	if !ok {
		return errors.New("flows: session plugin not registered")
	}
	p.orchestrator = New(client, fp.Tracker(), sp.Subjects(), p.opts...)
	return nil
}

// Orchestrator returns the flow orchestrator. Available after Init.
func (p *FlowsPlugin) Orchestrator() *Orchestrator {
	return p.orchestrator
}

func (p *FlowsPlugin) handle(fn func(*Orchestrator, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(p.orchestrator, w, r)
	}
}

// handleLogin runs the ACG flow for the page named by the `page` query
// parameter and answers with the page state once the flow is underway.
func (p *FlowsPlugin) handleLogin(w http.ResponseWriter, r *http.Request) {
	opts, err := pageOptions(r)
	if err != nil {
		ingear.WriteError(w, r, err)
		return
	}
	state, err := p.orchestrator.RunACG(w, r, opts)
	switch {
	case err != nil:
		ingear.WriteError(w, r, err)
	case state != nil:
		ingear.WriteJSON(w, http.StatusOK, state)
	}
}

// handleReassert runs the IG flow for the `page` query parameter.
func (p *FlowsPlugin) handleReassert(w http.ResponseWriter, r *http.Request) {
	opts, err := pageOptions(r)
	if err != nil {
		ingear.WriteError(w, r, err)
		return
	}
	res, err := p.orchestrator.RunIG(w, r, opts)
	switch {
	case err != nil:
		ingear.WriteError(w, r, err)
	case res != nil && res.Error != "":
		ingear.WriteJSON(w, http.StatusUnauthorized, res)
	case res != nil:
		ingear.WriteJSON(w, http.StatusOK, res)
	}
}

func (p *FlowsPlugin) handleSession(r *http.Request) (any, error) {
	c, err := r.Cookie(SubjectCookie)
	if err != nil || c.Value == "" {
		return map[string]bool{"exists": false}, nil
	}
	exists, err := p.orchestrator.SessionExists(r.Context(), c.Value)
	if err != nil && !errors.IsKind(err, errors.Validation) {
		return nil, err
	}
	return map[string]bool{"exists": exists}, nil
}

func pageOptions(r *http.Request) (PageOptions, error) {
	page := r.URL.Query().Get("page")
	if page == "" {
		page = "/"
	}
	if !strings.HasPrefix(page, "/") || strings.HasPrefix(page, "//") {
		return PageOptions{}, errors.NewK("flows: page must be a local path", errors.Validation).
			WithPublicMessage("Invalid page.")
	}
	return PageOptions{PageURI: page}, nil
}

// WaitReady blocks until the client is registered, for callers that would
// rather not serve flows that fail with registration.ErrNotRegistered.
func WaitReady(ctx context.Context, r *ingear.Registry, timeout time.Duration) error {
	rp, ok := r.Get(registration.PluginName).(*registration.RegistrationPlugin)
	if !ok {
		return errors.New("flows: registration plugin not registered")
	}
	return rp.WaitRegistered(ctx, timeout)
}
