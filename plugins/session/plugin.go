package session

import (
	"context"
	"net/http"
	"time"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
)

// PluginName identifies the session plugin.
const PluginName = "session"

func init() {
	ingear.RegisterConfigKeys(
		ingear.ConfigKeyInfo{
			Key:         "session.secret",
			Description: "Key used to sign bearer tokens. Must be injected; there is no default",
			Type:        "string",
		},
		ingear.ConfigKeyInfo{
			Key:         "session.valid",
			Description: "Validity of a bearer token",
			Type:        "duration",
			Default:     "15m",
		},
		ingear.ConfigKeyInfo{
			Key:         "session.keepAliveFactor",
			Description: "Number of validity periods a bearer session stays cached, allowing renewal",
			Type:        "int",
			Default:     defaultKeepAliveFactor,
		},
	)
}

// Option configures the SessionPlugin.
type Option func(*SessionPlugin)

// WithSecret sets the token signing key.
func WithSecret(secret string) Option {
	return func(p *SessionPlugin) {
		p.secret = secret
	}
}

// WithClientID sets the subject key prefix.
func WithClientID(id string) Option {
	return func(p *SessionPlugin) {
		p.clientID = id
	}
}

// WithBearerOptions passes options through to the BearerStore.
func WithBearerOptions(opts ...BearerOption) Option {
	return func(p *SessionPlugin) {
		p.bearerOpts = append(p.bearerOpts, opts...)
	}
}

// Plugin returns the session plugin configured from ingear.Config.
//
// Config keys: `session.secret`, `session.valid`, `session.keepAliveFactor`,
// `client.id`.
func Plugin(opts ...Option) *SessionPlugin {
	p := &SessionPlugin{
		secret:   ingear.ConfigString("session.secret"),
		clientID: ingear.ConfigString("client.id"),
	}
	if d := ingear.ConfigDuration("session.valid"); d > 0 {
		p.bearerOpts = append(p.bearerOpts, WithValidity(d))
	}
	if n := ingear.ConfigInt("session.keepAliveFactor"); n > 0 {
		p.bearerOpts = append(p.bearerOpts, WithKeepAliveFactor(n))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SessionPlugin owns both session keyspaces.
type SessionPlugin struct {
	secret     string
	clientID   string
	bearerOpts []BearerOption

	subjects *SubjectStore
	bearer   *BearerStore
}

// From ingear.Plugin.
func (p *SessionPlugin) Name() string {
	return PluginName
}

// From ingear.DependentPlugin.
func (p *SessionPlugin) Deps() []string {
	return []string{storage.PluginName}
}

// From ingear.OptionProvider.
func (p *SessionPlugin) ServerOptions() []ingear.ServerOption {
	return []ingear.ServerOption{
		ingear.WithHTTPHandlerFunc("/api/session/renew", p.handleRenew),
		ingear.WithHTTPHandlerFunc("/api/session/expire", p.handleExpire),
	}
}

// From ingear.InitializablePlugin.
func (p *SessionPlugin) Init(ctx context.Context, r *ingear.Registry) error {
	if p.secret == "" {
		return errors.New("session: config missing secret")
	}
	if p.clientID == "" {
		return errors.New("session: config missing client id")
	}
	cache, err := storage.FromRegistry(r)
	if err != nil {
		return err
	}
	p.subjects = NewSubjectStore(cache, p.clientID)
	p.bearer = NewBearerStore(cache, []byte(p.secret), p.bearerOpts...)
	return nil
}

// Subjects returns the subject keyspace. Available after Init.
func (p *SessionPlugin) Subjects() *SubjectStore {
	return p.subjects
}

// Bearer returns the token keyspace. Available after Init.
func (p *SessionPlugin) Bearer() *BearerStore {
	return p.bearer
}

// Validity is how long issued access tokens are valid.
func (p *SessionPlugin) Validity() time.Duration {
	return p.bearer.valid
}

func (p *SessionPlugin) handleRenew(w http.ResponseWriter, r *http.Request) {
	p.bearer.RenewHandler(w, r)
}

func (p *SessionPlugin) handleExpire(w http.ResponseWriter, r *http.Request) {
	p.bearer.ExpireHandler(w, r)
}
