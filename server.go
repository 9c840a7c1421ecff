package ingear

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/vlevchine/InGear/logging"
)

// Server hosts the relying-party routes contributed by plugins.
//
// Usage:
//
//	s := ingear.New(
//		ingear.WithPlugin(storage.Plugin(redisstore.New(client))),
//		ingear.WithPlugin(session.Plugin()),
//		ingear.WithPlugin(flows.Plugin()),
//	)
//	if err := s.Start(); err != nil { ... }
//
// See examples/webapp.
type Server struct {
	host     string
	port     int
	certFile string
	keyFile  string

	baseContext context.Context
	router      chi.Router
	plugins     *Registry

	initOnce sync.Once
	initErr  error

	mu         sync.Mutex
	httpServer *http.Server
}

// Plugins returns the server's plugin registry.
func (s *Server) Plugins() *Registry {
	return s.plugins
}

// Context returns the base context, which carries the root logger.
func (s *Server) Context() context.Context {
	return s.baseContext
}

// Init initializes plugins in dependency order. It only runs once; Start calls
// it implicitly.
func (s *Server) Init() error {
	s.initOnce.Do(func() {
		s.initErr = s.plugins.Init(s.baseContext)
	})
	return s.initErr
}

// Handler returns the full HTTP handler, including compression. Useful with
// httptest after calling Init.
func (s *Server) Handler() http.Handler {
	return gziphandler.GzipHandler(s.router)
}

// Start initializes plugins and serves requests. Blocks until Shutdown is
// called or the process receives SIGINT/SIGTERM.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer ln.Close()

	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseContext },
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	done := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		defer close(done)
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(stop)
		select {
		case sig := <-stop:
			logging.Infof(s.baseContext, "graceful shutdown triggered (sig %v)", sig)
			ctx, cancel := context.WithTimeout(s.baseContext, 5*time.Second)
			defer cancel()
			_ = s.Shutdown(ctx)
		case <-s.baseContext.Done():
		case <-quit:
		}
	}()

	if s.certFile != "" {
		srv.Handler = s.Handler()
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: []string{"h2", "http/1.1"}}
		logging.Infof(s.baseContext, "listening for traffic on https://%s", addr)
		err = srv.ServeTLS(ln, s.certFile, s.keyFile)
	} else {
		srv.Handler = h2c.NewHandler(s.Handler(), &http2.Server{})
		logging.Infof(s.baseContext, "listening for traffic on http://%s", addr)
		err = srv.Serve(ln)
	}
	close(quit)
	<-done
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP connections and then shuts plugins down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var httpErr error
	if srv != nil {
		if httpErr = srv.Shutdown(ctx); httpErr != nil {
			logging.Errorw(ctx, "shutdown: failed to drain connections", "error", httpErr)
		}
	}
	if err := s.plugins.Shutdown(ctx); err != nil {
		logging.Errorw(ctx, "shutdown: plugin error", "error", err)
		return err
	}
	return httpErr
}
