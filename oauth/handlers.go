package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/identity"
	"github.com/dpup/oauthdispatch/logging"
)

// Handler returns the service's HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /oauth/authorize", s.authorizeHandler())
	mux.Handle("POST /oauth/authorize", s.consentHandler())
	mux.Handle("POST /oauth/token", s.tokenHandler())
	mux.Handle("POST /oauth/introspect", s.introspectHandler())
	mux.Handle("GET /.well-known/oauth-authorization-server", s.metadataHandler())
	return mux
}

// authorizeHandler decides authorization requests.
func (s *Service) authorizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.identify(w, r)
		if !ok {
			return
		}
		d, err := s.engine.Decide(r.Context(), id.Subject, r)
		s.respond(w, r, d, err)
	})
}

// consentHandler takes the consent form submission.
func (s *Service) consentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.identify(w, r)
		if !ok {
			return
		}
		if err := s.verifyCSRF(r.PostFormValue("csrf_token"), id.Subject, r.PostFormValue("client_id")); err != nil {
			s.fail(w, r, err)
			return
		}
		var (
			d   Decision
			err error
		)
		if r.PostFormValue("allow") == "true" {
			d, err = s.engine.Approve(r.Context(), id.Subject, r)
		} else {
			d, err = s.engine.Deny(r.Context(), id.Subject, r)
		}
		s.respond(w, r, d, err)
	})
}

// tokenHandler is go-oauth2's token endpoint.
func (s *Service) tokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.protocol.HandleTokenRequest(w, r); err != nil {
			logging.TrackError(r.Context(), err)
		}
	})
}

// metadataHandler returns authorization server metadata.
func (s *Service) metadataHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := s.issuer
		if issuer == "" {
			scheme := "https"
			if r.TLS == nil {
				scheme = "http"
			}
			issuer = scheme + "://" + r.Host
		}

		grants := []string{"authorization_code", "refresh_token", "client_credentials"}
		if s.allowPassword {
			grants = append(grants, "password")
		}
		metadata := map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/oauth/authorize",
			"token_endpoint":                        issuer + "/oauth/token",
			"introspection_endpoint":                issuer + "/oauth/introspect",
			"scopes_supported":                      s.catalog.Registry().Names(),
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 grants,
			"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
			"code_challenge_methods_supported":      []string{"plain", "S256"},
		}
		writeJSON(w, http.StatusOK, metadata)
	})
}

// identify returns the resource owner, or responds with a login redirect or
// 401 and reports false.
func (s *Service) identify(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, ok := s.identities.Require(w, r, s.loginURL)
	if ok {
		logging.Track(r.Context(), "oauth.user_id", id.Subject)
	}
	return id, ok
}

func (s *Service) respond(w http.ResponseWriter, r *http.Request, d Decision, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logging.Track(r.Context(), "oauth.decision", d.Outcome.String())
	switch {
	case d.Outcome == OutcomePrompt:
		if err := s.renderConsent(w, r, d.Prompt); err != nil {
			s.fail(w, r, err)
		}
	case d.RedirectURI != "":
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, d.RedirectURI, http.StatusFound)
	default:
		status := d.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, d.ErrorData)
	}
}

// fail writes err as a JSON error. Details of server errors are only
// logged.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	logging.TrackError(r.Context(), err)
	status := errors.HTTPStatusCode(err)
	body := map[string]any{"error": errors.OAuthCode(err)}
	if status >= http.StatusInternalServerError {
		body["error"] = "server_error"
	} else if msg := errors.PublicMessage(err); msg != "" {
		body["error_description"] = msg
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
