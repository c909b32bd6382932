// Package server runs the authorization server's HTTP listener: gzip,
// request logging, security headers, h2c or TLS, and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
)

// shutdownTimeout bounds how long in-flight requests get to drain.
const shutdownTimeout = 5 * time.Second

// Server wraps an HTTP server.
//
// Usage:
//
//	srv := server.New(
//		server.WithHTTPHandler("/", svc.Handler()),
//		server.WithLogger(logger),
//	)
//	srv.Start()
type Server struct {
	// Hostname or IP to bind to.
	host string

	// Port to listen on.
	port int

	// Location of certificate and key files, if TLS is to be used.
	certFile string
	keyFile  string

	// Context that handlers see as their base.
	baseContext context.Context

	// Fully wrapped handler.
	handler http.Handler

	httpServer *http.Server
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Handler returns the wrapped handler the server serves.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serving requests. Blocks until SIGTERM or SIGINT, then shuts down
// gracefully.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.WrapPrefix(err, "failed to listen", 0)
	}

	done := make(chan struct{})
	go func() {
		gracefulStop := make(chan os.Signal, 1)
		signal.Notify(gracefulStop, syscall.SIGTERM, syscall.SIGINT)
		sig := <-gracefulStop
		logging.Infow(s.baseContext, "Graceful shutdown triggered", "signal", sig.String())
		_ = s.Shutdown()
		close(done)
	}()

	if err := s.Serve(ln); err != nil {
		return err
	}
	<-done
	return nil
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	defer ln.Close()

	var err error
	if s.httpServer.TLSConfig != nil {
		logging.Infow(s.baseContext, "Listening for traffic", "address", "https://"+ln.Addr().String())
		err = s.httpServer.ServeTLS(ln, s.certFile, s.keyFile)
	} else {
		logging.Infow(s.baseContext, "Listening for traffic", "address", "http://"+ln.Addr().String())
		err = s.httpServer.Serve(ln)
	}

	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections, giving up after shutdownTimeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		logging.Errorw(s.baseContext, "Shutdown error", "error", err)
	} else {
		logging.Infow(s.baseContext, "Connections drained")
	}
	return err
}

// TLS1.2 min and support for HTTP2.
func safeTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
}
