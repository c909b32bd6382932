package server

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"google.golang.org/grpc/codes"
)

type XFramesOptions string

const (
	XFramesOptionsNone       XFramesOptions = ""
	XFramesOptionsDeny       XFramesOptions = "DENY"
	XFramesOptionsSameOrigin XFramesOptions = "SAMEORIGIN"
)

// HSTS requires a minimum expiration of 1 year for preload.
var ErrBadHSTSExpiration = errors.NewC("server: HSTS preload requires expiration of at least 1 year", codes.FailedPrecondition)

// SecurityHeaders contains the security headers that should be set on HTTP
// responses.
type SecurityHeaders struct {
	// X-Frame-Options controls whether the browser should allow the page to be
	// rendered in a frame or iframe.
	XFramesOptions XFramesOptions

	// Strict-Transport-Security (HSTS) tells the browser to always use HTTPS
	// when connecting to the site.
	HSTSExpiration        time.Duration
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	// Access-Control headers define which origins are allowed to access the
	// resource and what methods are allowed.
	CORSOrigins          []string
	CORSAllowMethods     []string
	CORSAllowHeaders     []string
	CORSExposeHeaders    []string
	CORSAllowCredentials bool
	CORSMaxAge           time.Duration

	// Precomputed fields.
	staticHeaders    map[string]string
	preflightHeaders map[string]string
	allowedOrigins   map[string]bool
	mu               sync.Mutex // Protects precomputed fields.
}

// Middleware applies the headers to every response and answers CORS
// preflight requests from allowed origins.
func (s *SecurityHeaders) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Apply(w, r); err != nil {
			logging.TrackError(r.Context(), err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if r.Method == http.MethodOptions && w.Header().Get("Access-Control-Allow-Methods") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Apply the security headers to the given response.
func (s *SecurityHeaders) Apply(w http.ResponseWriter, r *http.Request) error {
	if err := s.compute(); err != nil {
		return err
	}
	for k, v := range s.staticHeaders {
		w.Header().Set(k, v)
	}

	if len(s.CORSOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if s.allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				for k, v := range s.preflightHeaders {
					w.Header().Set(k, v)
				}
			} else if len(s.CORSExposeHeaders) > 0 {
				w.Header().Set("Access-Control-Expose-Headers", strings.Join(s.CORSExposeHeaders, ", "))
			}
		}
	}

	return nil
}

func (s *SecurityHeaders) compute() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staticHeaders != nil {
		return nil
	}
	s.normalizeHeaders(s.CORSAllowHeaders)
	s.normalizeHeaders(s.CORSExposeHeaders)

	static := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	if s.XFramesOptions != XFramesOptionsNone {
		static["X-Frame-Options"] = string(s.XFramesOptions)
	}

	if s.HSTSExpiration > 0 {
		h := fmt.Sprintf("max-age=%.0f", s.HSTSExpiration.Seconds())
		if s.HSTSIncludeSubdomains {
			h += "; includeSubDomains"
		}
		if s.HSTSPreload {
			if s.HSTSExpiration < time.Hour*24*365 {
				return errors.Mark(ErrBadHSTSExpiration, 0)
			}
			h += "; preload"
		}
		static["Strict-Transport-Security"] = h
	}

	if len(s.CORSOrigins) > 0 {
		static["Vary"] = "Origin"

		// Token and introspection requests carry credentials in a basic
		// Authorization header.
		s.preflightHeaders = map[string]string{
			"Access-Control-Allow-Methods": "GET, POST",
			"Access-Control-Allow-Headers": "Authorization, Content-Type",
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
	s.staticHeaders = static
	return nil
}

func (s *SecurityHeaders) normalizeHeaders(h []string) {
	for i, v := range h {
		h[i] = textproto.CanonicalMIMEHeaderKey(v)
	}
}
