package ingear

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vlevchine/InGear/internal/config"
	"github.com/vlevchine/InGear/logging"
)

// ServerOption customizes the server built by New.
type ServerOption func(*builder)

// OptionProvider can be implemented by plugins to contribute routes and other
// options when they are registered.
type OptionProvider interface {
	ServerOptions() []ServerOption
}

type route struct {
	method  string
	pattern string
	handler http.Handler
}

type builder struct {
	baseContext context.Context
	logger      logging.Logger
	host        string
	port        int
	certFile    string
	keyFile     string

	securityHeaders *SecurityHeaders

	plugins     *Registry
	routes      []route
	middlewares []func(http.Handler) http.Handler
}

// New returns a server configured from Config and opts. Registered config
// defaults are applied first so plugin constructors see them. New panics when
// a critical config value is invalid.
func New(opts ...ServerOption) *Server {
	config.ApplyDefaults(Config)
	if errs := ValidateConfig(); len(errs) > 0 {
		panic(FormatValidationErrors(errs))
	}

	b := &builder{
		host:            Config.String("server.host"),
		port:            Config.Int("server.port"),
		certFile:        Config.String("server.tls.certFile"),
		keyFile:         Config.String("server.tls.keyFile"),
		securityHeaders: securityHeadersFromConfig(),
		plugins:         &Registry{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

func (b *builder) build() *Server {
	if b.baseContext == nil {
		b.baseContext = context.Background()
	}
	if b.logger == nil {
		l, err := logging.New(Config.String("logging.mode"))
		if err != nil {
			l = logging.NewDevLogger()
		}
		b.logger = l
	}
	ctx := logging.With(b.baseContext, b.logger)

	if w := ConfigWarnings(); w != "" {
		logging.Warnf(ctx, "%s", w)
	}

	r := chi.NewRouter()
	r.Use(logging.Middleware(b.logger))
	r.Use(b.securityHeaders.Middleware)
	for _, mw := range b.middlewares {
		r.Use(mw)
	}
	for _, rt := range b.routes {
		if rt.method != "" {
			r.Method(rt.method, rt.pattern, rt.handler)
		} else {
			r.Handle(rt.pattern, rt.handler)
		}
	}

	return &Server{
		host:        b.host,
		port:        b.port,
		certFile:    b.certFile,
		keyFile:     b.keyFile,
		baseContext: ctx,
		router:      r,
		plugins:     b.plugins,
	}
}

// WithContext sets the base context for the server. Plugins are initialized
// with it and it is the parent of every request context.
func WithContext(ctx context.Context) ServerOption {
	return func(b *builder) {
		b.baseContext = ctx
	}
}

// WithLogger sets the root logger.
//
// Config key: `logging.mode`.
func WithLogger(logger logging.Logger) ServerOption {
	return func(b *builder) {
		b.logger = logger
	}
}

// WithHost configures the hostname or IP the server will listen on.
//
// Config key: `server.host`.
func WithHost(host string) ServerOption {
	return func(b *builder) {
		b.host = host
	}
}

// WithPort configures the port the server will listen on.
//
// Config key: `server.port`.
func WithPort(port int) ServerOption {
	return func(b *builder) {
		b.port = port
	}
}

// WithTLS serves traffic via TLS using the provided cert. Without it the server
// speaks HTTP/H2C.
//
// Config keys: `server.tls.certFile`, `server.tls.keyFile`.
func WithTLS(certFile, keyFile string) ServerOption {
	return func(b *builder) {
		b.certFile = certFile
		b.keyFile = keyFile
	}
}

// WithSecurityHeaders replaces the headers set on every response.
//
// Config keys:
// - `server.security.xFramesOptions`
// - `server.security.hstsExpiration`
// - `server.security.hstsIncludeSubdomains`
// - `server.security.hstsPreload`
// - `server.security.corsOrigins`
// - `server.security.corsAllowMethods`
// - `server.security.corsAllowHeaders`
// - `server.security.corsExposeHeaders`
// - `server.security.corsAllowCredentials`
// - `server.security.corsMaxAge`.
func WithSecurityHeaders(headers *SecurityHeaders) ServerOption {
	return func(b *builder) {
		b.securityHeaders = headers
	}
}

// WithHTTPHandler routes pattern, in chi syntax, to h.
func WithHTTPHandler(pattern string, h http.Handler) ServerOption {
	return func(b *builder) {
		b.routes = append(b.routes, route{pattern: pattern, handler: h})
	}
}

// WithMethodHandler routes requests with the given method to h. Other methods
// on the same pattern are answered with 405.
func WithMethodHandler(method, pattern string, h http.Handler) ServerOption {
	return func(b *builder) {
		b.routes = append(b.routes, route{method: method, pattern: pattern, handler: h})
	}
}

// WithMethodHandlerFunc routes requests with the given method to fn.
func WithMethodHandlerFunc(method, pattern string, fn func(http.ResponseWriter, *http.Request)) ServerOption {
	return WithMethodHandler(method, pattern, http.HandlerFunc(fn))
}

// WithHTTPHandlerFunc routes pattern to fn.
func WithHTTPHandlerFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) ServerOption {
	return WithHTTPHandler(pattern, http.HandlerFunc(fn))
}

// WithMiddleware adds middleware that runs for every route, after request
// logging has been scoped.
func WithMiddleware(mw func(http.Handler) http.Handler) ServerOption {
	return func(b *builder) {
		b.middlewares = append(b.middlewares, mw)
	}
}

// WithPlugin registers a plugin with the server's registry. Plugins will be
// initialized at server start. If the Plugin implements OptionProvider its
// options are applied as well.
func WithPlugin(p Plugin) ServerOption {
	return func(b *builder) {
		if so, ok := p.(OptionProvider); ok {
			for _, opt := range so.ServerOptions() {
				opt(b)
			}
		}
		b.plugins.Register(p)
	}
}
