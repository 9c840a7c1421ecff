package registration

import (
	"context"
	"time"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/eventbus"
)

// PluginName identifies the registration plugin.
const PluginName = "registration"

func init() {
	ingear.RegisterConfigKeys(
		ingear.ConfigKeyInfo{Key: "client.title", Description: "Human readable application title sent on registration", Type: "string"},
		ingear.ConfigKeyInfo{Key: "client.registerPath", Description: "Registration path on the authorization server", Type: "string", Default: "/register"},
		ingear.ConfigKeyInfo{Key: "client.pages", Description: "Application pages announced on registration", Type: "[]string"},
		ingear.ConfigKeyInfo{Key: "client.services", Description: "Services requested on registration; also the ACG scope", Type: "[]string"},

		ingear.ConfigKeyInfo{Key: "channels.authStart", Description: "Channel the authorization server announces itself on", Type: "string", Default: "auth_start"},
		ingear.ConfigKeyInfo{Key: "channels.appStart", Description: "Channel this application says hello on", Type: "string", Default: "app_start"},

		ingear.ConfigKeyInfo{Key: "as.baseUrl", Description: "Static authorization server base URL; skips discovery when set", Type: "string"},
		ingear.ConfigKeyInfo{Key: "as.endpoints.authorize", Description: "Authorization endpoint path", Type: "string", Default: "/authorize"},
		ingear.ConfigKeyInfo{Key: "as.endpoints.token", Description: "Token endpoint path", Type: "string", Default: "/token"},
		ingear.ConfigKeyInfo{Key: "as.endpoints.refreshToken", Description: "Refresh endpoint path", Type: "string", Default: "/token"},
		ingear.ConfigKeyInfo{Key: "as.endpoints.clearSession", Description: "Logout endpoint path", Type: "string", Default: "/clearSession"},

		ingear.ConfigKeyInfo{Key: "discovery.timeout", Description: "How long to wait for the authorization server to answer a hello", Type: "duration", Default: "2s"},
		ingear.ConfigKeyInfo{Key: "registration.maxRetries", Description: "Registration POST attempts before giving up until the next announcement", Type: "int", Default: 3},
	)
}

// Option configures the RegistrationPlugin.
type Option func(*RegistrationPlugin)

// WithClientInfo replaces the configured client description.
func WithClientInfo(info ClientInfo) Option {
	return func(p *RegistrationPlugin) {
		p.info = info
	}
}

// WithRegistrarOptions passes options through to the Registrar.
func WithRegistrarOptions(opts ...RegistrarOption) Option {
	return func(p *RegistrationPlugin) {
		p.registrarOpts = append(p.registrarOpts, opts...)
	}
}

// Plugin returns the registration plugin configured from ingear.Config.
//
// Config keys: `client.*`, `channels.*`, `as.*`, `discovery.timeout`,
// `registration.maxRetries`.
func Plugin(opts ...Option) *RegistrationPlugin {
	p := &RegistrationPlugin{
		info: ClientInfo{
			ID:           ingear.ConfigString("client.id"),
			Title:        ingear.ConfigString("client.title"),
			BaseURL:      ingear.ConfigString("client.baseUrl"),
			RegisterPath: ingear.ConfigString("client.registerPath"),
			Pages:        ingear.ConfigStrings("client.pages"),
			Services:     ingear.ConfigStrings("client.services"),
		},
		authStart: orDefault(ingear.ConfigString("channels.authStart"), "auth_start"),
		appStart:  orDefault(ingear.ConfigString("channels.appStart"), "app_start"),
	}
	if base := ingear.ConfigString("as.baseUrl"); base != "" {
		p.registrarOpts = append(p.registrarOpts, WithStaticAS(ASConfig{
			BaseURL: base,
			Endpoints: Endpoints{
				Authorize:    orDefault(ingear.ConfigString("as.endpoints.authorize"), "/authorize"),
				Token:        orDefault(ingear.ConfigString("as.endpoints.token"), "/token"),
				RefreshToken: orDefault(ingear.ConfigString("as.endpoints.refreshToken"), "/token"),
				ClearSession: orDefault(ingear.ConfigString("as.endpoints.clearSession"), "/clearSession"),
			},
		}))
	}
	if d := ingear.ConfigDuration("discovery.timeout"); d > 0 {
		p.registrarOpts = append(p.registrarOpts, WithDiscoveryTimeout(d))
	}
	if n := ingear.ConfigInt("registration.maxRetries"); n > 0 {
		p.registrarOpts = append(p.registrarOpts, WithMaxTries(n))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegistrationPlugin keeps this application registered with the
// authorization server.
type RegistrationPlugin struct {
	info          ClientInfo
	authStart     string
	appStart      string
	registrarOpts []RegistrarOption
	registrar     *Registrar
}

// From ingear.Plugin.
func (p *RegistrationPlugin) Name() string {
	return PluginName
}

// From ingear.OptionalDependentPlugin.
func (p *RegistrationPlugin) OptDeps() []string {
	return []string{eventbus.PluginName}
}

// From ingear.InitializablePlugin.
func (p *RegistrationPlugin) Init(ctx context.Context, r *ingear.Registry) error {
	if p.info.ID == "" {
		return errors.New("registration: config missing client id")
	}
	if p.info.BaseURL == "" {
		return errors.New("registration: config missing client base URL")
	}
	opts := []RegistrarOption{}
	if bus := eventbus.FromRegistry(r); bus != nil {
		opts = append(opts, WithBus(bus, p.authStart, p.appStart))
	}
	p.registrar = NewRegistrar(p.info, append(opts, p.registrarOpts...)...)
	return p.registrar.Start(ctx)
}

// From ingear.ShutdownPlugin.
func (p *RegistrationPlugin) Shutdown(context.Context) error {
	if p.registrar == nil {
		return nil
	}
	return p.registrar.Close()
}

// Registrar returns the registrar. Available after Init.
func (p *RegistrationPlugin) Registrar() *Registrar {
	return p.registrar
}

// WaitRegistered blocks until the first registration succeeds or timeout.
func (p *RegistrationPlugin) WaitRegistered(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.registrar.Registered():
		return nil
	case <-t.C:
		return errors.Mark(ErrNotRegistered, 0)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FromRegistry returns the registrar, or nil if the plugin is not registered.
func FromRegistry(r *ingear.Registry) *Registrar {
	if p, ok := r.Get(PluginName).(*RegistrationPlugin); ok {
		return p.registrar
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
