package ingear

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
)

type XFramesOptions string

const (
	XFramesOptionsNone       XFramesOptions = ""
	XFramesOptionsDeny       XFramesOptions = "DENY"
	XFramesOptionsSameOrigin XFramesOptions = "SAMEORIGIN"
)

var (
	// HSTS requires a minimum expiration of 1 year for preload.
	ErrBadHSTSExpiration = errors.Kindf(errors.Validation, "ingear: HSTS preload requires expiration of at least 1 year")
)

// SecurityHeaders are set on every response. Login and callback pages carry
// the subject cookie, so framing is denied unless configured otherwise.
type SecurityHeaders struct {
	// X-Frame-Options controls whether pages may be rendered in a frame.
	XFramesOptions XFramesOptions

	// Strict-Transport-Security (HSTS) tells the browser to always use HTTPS.
	HSTSExpiration        time.Duration
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	// Access-Control headers for browser clients of the JSON routes, such as
	// the refresh endpoint.
	CORSOrigins          []string
	CORSAllowMethods     []string
	CORSAllowHeaders     []string
	CORSExposeHeaders    []string
	CORSAllowCredentials bool
	CORSMaxAge           time.Duration

	once             sync.Once
	computeErr       error
	staticHeaders    map[string]string
	preflightHeaders map[string]string
	allowedOrigins   map[string]bool
}

func securityHeadersFromConfig() *SecurityHeaders {
	return &SecurityHeaders{
		XFramesOptions:        XFramesOptions(Config.String("server.security.xFramesOptions")),
		HSTSExpiration:        Config.Duration("server.security.hstsExpiration"),
		HSTSIncludeSubdomains: Config.Bool("server.security.hstsIncludeSubdomains"),
		HSTSPreload:           Config.Bool("server.security.hstsPreload"),
		CORSOrigins:           Config.Strings("server.security.corsOrigins"),
		CORSAllowMethods:      Config.Strings("server.security.corsAllowMethods"),
		CORSAllowHeaders:      Config.Strings("server.security.corsAllowHeaders"),
		CORSExposeHeaders:     Config.Strings("server.security.corsExposeHeaders"),
		CORSAllowCredentials:  Config.Bool("server.security.corsAllowCredentials"),
		CORSMaxAge:            Config.Duration("server.security.corsMaxAge"),
	}
}

// Apply the security headers to the given response. It reports whether the
// request was a CORS preflight from an allowed origin, in which case the
// caller should not pass it on.
func (s *SecurityHeaders) Apply(w http.ResponseWriter, r *http.Request) (bool, error) {
	if err := s.compute(); err != nil {
		return false, err
	}
	for k, v := range s.staticHeaders {
		w.Header().Set(k, v)
	}

	if len(s.CORSOrigins) == 0 {
		return false, nil
	}
	origin := r.Header.Get("Origin")
	if !s.allowedOrigins[origin] {
		return false, nil
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		for k, v := range s.preflightHeaders {
			w.Header().Set(k, v)
		}
		return true, nil
	}
	if s.CORSAllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(s.CORSExposeHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(s.CORSExposeHeaders, ", "))
	}
	return false, nil
}

// Middleware applies the headers and answers allowed preflight requests with
// 204. A misconfiguration fails every request with 500.
func (s *SecurityHeaders) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		preflight, err := s.Apply(w, r)
		if err != nil {
			logging.Errorw(r.Context(), "security headers misconfigured", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *SecurityHeaders) compute() error {
	s.once.Do(func() {
		s.computeErr = s.precompute()
	})
	return s.computeErr
}

func (s *SecurityHeaders) precompute() error {
	s.normalizeHeaders(s.CORSAllowHeaders)
	s.normalizeHeaders(s.CORSExposeHeaders)

	s.staticHeaders = map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	if s.XFramesOptions != XFramesOptionsNone {
		s.staticHeaders["X-Frame-Options"] = string(s.XFramesOptions)
	}

	if s.HSTSExpiration > 0 {
		h := fmt.Sprintf("max-age=%.0f", s.HSTSExpiration.Seconds())
		if s.HSTSIncludeSubdomains {
			h += "; includeSubDomains"
		}
		if s.HSTSPreload {
			if s.HSTSExpiration < time.Hour*24*365 {
				return ErrBadHSTSExpiration
			}
			h += "; preload"
		}
		s.staticHeaders["Strict-Transport-Security"] = h
	}

	if len(s.CORSOrigins) > 0 {
		s.staticHeaders["Vary"] = "Origin"

		s.preflightHeaders = map[string]string{
			"Access-Control-Allow-Methods": "GET, POST",
		}
		if len(s.CORSAllowMethods) > 0 {
			s.preflightHeaders["Access-Control-Allow-Methods"] = strings.Join(s.CORSAllowMethods, ", ")
		}
		if len(s.CORSAllowHeaders) > 0 {
			s.preflightHeaders["Access-Control-Allow-Headers"] = strings.Join(s.CORSAllowHeaders, ", ")
		}
		if s.CORSAllowCredentials {
			s.preflightHeaders["Access-Control-Allow-Credentials"] = "true"
		}
		if s.CORSMaxAge > 0 {
			s.preflightHeaders["Access-Control-Max-Age"] = fmt.Sprintf("%.0f", s.CORSMaxAge.Seconds())
		}

		s.allowedOrigins = map[string]bool{}
		for _, origin := range s.CORSOrigins {
			s.allowedOrigins[origin] = true
		}
	}
	return nil
}

func (s *SecurityHeaders) normalizeHeaders(h []string) {
	for i, v := range h {
		h[i] = textproto.CanonicalMIMEHeaderKey(v)
	}
}
