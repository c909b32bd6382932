package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/dpup/oauthdispatch"
	"github.com/dpup/oauthdispatch/logging"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerOption customizes the server.
type ServerOption func(*builder)

type handler struct {
	prefix  string
	handler http.Handler
}

// New returns a new server. Unset options come from the server.* config keys.
func New(opts ...ServerOption) *Server {
	b := &builder{
		host:         oauthdispatch.ConfigString("server.host"),
		port:         oauthdispatch.ConfigInt("server.port"),
		certFile:     oauthdispatch.ConfigString("server.tls.certFile"),
		keyFile:      oauthdispatch.ConfigString("server.tls.keyFile"),
		readTimeout:  oauthdispatch.ConfigDuration("server.readTimeout"),
		writeTimeout: oauthdispatch.ConfigDuration("server.writeTimeout"),
		security: &SecurityHeaders{
			XFramesOptions: XFramesOptionsDeny,
			HSTSExpiration: oauthdispatch.ConfigDuration("server.hstsExpiration"),
			CORSOrigins:    oauthdispatch.ConfigStrings("server.corsOrigins"),
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

type builder struct {
	host         string
	port         int
	certFile     string
	keyFile      string
	readTimeout  time.Duration
	writeTimeout time.Duration
	security     *SecurityHeaders
	logger       logging.Logger
	httpHandlers []handler
}

func (b *builder) build() *Server {
	logger := b.logger
	if logger == nil {
		logger = logging.NewDevLogger()
	}
	ctx := logging.With(context.Background(), logger)

	mux := http.NewServeMux()
	for _, h := range b.httpHandlers {
		mux.Handle(h.prefix, h.handler)
	}

	var h http.Handler = mux
	if b.security != nil {
		h = b.security.Middleware(h)
	}
	h = gziphandler.GzipHandler(h)
	h = logging.Middleware(logger)(h)

	s := &Server{
		host:        b.host,
		port:        b.port,
		certFile:    b.certFile,
		keyFile:     b.keyFile,
		baseContext: ctx,
		handler:     h,
	}
	s.httpServer = &http.Server{
		ReadTimeout:       b.readTimeout,
		ReadHeaderTimeout: b.readTimeout,
		WriteTimeout:      b.writeTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	if b.isSecure() {
		s.httpServer.Handler = h
		s.httpServer.TLSConfig = safeTLSConfig()
	} else {
		s.httpServer.Handler = h2c.NewHandler(h, &http2.Server{})
	}
	return s
}

func (b *builder) isSecure() bool {
	return b.certFile != "" && b.keyFile != ""
}

// WithHost configures the hostname or IP the server will listen on. Overrides
// value set in config file.
func WithHost(host string) ServerOption {
	return func(b *builder) {
		b.host = host
	}
}

// WithPort configures the port the server will listen on. Overrides
// value set in config file.
func WithPort(port int) ServerOption {
	return func(b *builder) {
		b.port = port
	}
}

// WithTLS configures the server to allow traffic via TLS using the provided
// cert. If not called server will use HTTP/H2C.
func WithTLS(certFile, keyFile string) ServerOption {
	return func(b *builder) {
		b.certFile = certFile
		b.keyFile = keyFile
	}
}

// WithTimeouts sets the read and write timeouts.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(b *builder) {
		b.readTimeout = read
		b.writeTimeout = write
	}
}

// WithCORSAllowedOrigins specifies origins that are allowed to make requests.
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS
func WithCORSAllowedOrigins(origins ...string) ServerOption {
	return func(b *builder) {
		if b.security == nil {
			b.security = &SecurityHeaders{}
		}
		b.security.CORSOrigins = append(b.security.CORSOrigins, origins...)
	}
}

// WithSecurityHeaders replaces the security headers applied to every
// response. Nil disables them.
func WithSecurityHeaders(h *SecurityHeaders) ServerOption {
	return func(b *builder) {
		b.security = h
	}
}

// WithHTTPHandler adds an HTTP handler.
func WithHTTPHandler(prefix string, h http.Handler) ServerOption {
	return func(b *builder) {
		b.httpHandlers = append(b.httpHandlers, handler{
			prefix:  prefix,
			handler: h,
		})
	}
}

// WithHTTPHandlerFunc adds an HTTP handler function.
func WithHTTPHandlerFunc(prefix string, h func(http.ResponseWriter, *http.Request)) ServerOption {
	return WithHTTPHandler(prefix, http.HandlerFunc(h))
}

// WithLogger overrides the logger used by the server.
func WithLogger(logger logging.Logger) ServerOption {
	return func(b *builder) {
		b.logger = logger
	}
}
