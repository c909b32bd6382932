package oauth

import (
	"context"
	"net/http"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/trust"
	oerrors "github.com/go-oauth2/oauth2/v4/errors"
)

// Introspection is an RFC 7662 style token description.
type Introspection struct {
	Active     bool     `json:"active"`
	Restricted bool     `json:"restricted,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	ClientID   string   `json:"client_id,omitempty"`
	Subject    string   `json:"sub,omitempty"`
	Filters    []string `json:"filters,omitempty"`
	TokenType  string   `json:"token_type,omitempty"`
	ExpiresAt  int64    `json:"exp,omitempty"`
	IssuedAt   int64    `json:"iat,omitempty"`
}

// Introspect describes an access token. Restricted tokens are inactive but
// still report their scope and filters. Unknown and expired tokens are only
// inactive.
func (s *Service) Introspect(ctx context.Context, token string) (Introspection, error) {
	tok, err := s.tokens.Lookup(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return Introspection{}, nil
	} else if err != nil {
		return Introspection{}, err
	}
	app, err := s.apps.Get(ctx, tok.ApplicationID)
	if errors.Is(err, storage.ErrNotFound) {
		return Introspection{}, nil
	} else if err != nil {
		return Introspection{}, err
	}

	desc := Introspection{
		Scope:     tok.Scope,
		ClientID:  tok.ClientID,
		Subject:   tok.UserID,
		Filters:   app.AuthorizationFilters(),
		TokenType: "Bearer",
		IssuedAt:  tok.Created.Unix(),
	}
	if trust.IsTokenMarkedRestricted(*tok) {
		desc.Restricted = true
		return desc, nil
	}
	if tok.Expired(s.now()) {
		return Introspection{}, nil
	}
	desc.Active = true
	desc.ExpiresAt = tok.Expires.Unix()
	return desc, nil
}

// introspectHandler requires client authentication, then describes the
// posted token.
func (s *Service) introspectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.authenticateClient(r); errors.Is(err, oerrors.ErrInvalidClient) {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
			return
		} else if err != nil {
			s.fail(w, r, err)
			return
		}

		desc, err := s.Introspect(ctx, r.PostFormValue("token"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, desc)
	})
}

// authenticateClient checks the client credentials on r.
func (s *Service) authenticateClient(r *http.Request) error {
	id, secret, err := clientCredentials(r)
	if err != nil {
		return err
	}
	app, err := s.apps.GetByClientID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return oerrors.ErrInvalidClient
	} else if err != nil {
		return err
	}
	if !app.VerifySecret(secret) {
		return oerrors.ErrInvalidClient
	}
	logging.Track(r.Context(), "oauth.client_id", app.ClientID)
	return nil
}
