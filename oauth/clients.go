package oauth

import (
	"context"
	"strings"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/go-oauth2/oauth2/v4"
	oerrors "github.com/go-oauth2/oauth2/v4/errors"
)

// clientStore adapts the application repository to go-oauth2's ClientStore.
type clientStore struct {
	apps *models.Applications
}

// GetByID implements oauth2.ClientStore.
func (s *clientStore) GetByID(ctx context.Context, id string) (oauth2.ClientInfo, error) {
	app, err := s.apps.GetByClientID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oerrors.ErrInvalidClient
	} else if err != nil {
		return nil, err
	}
	return &clientInfo{app: app}, nil
}

// clientInfo adapts an Application to go-oauth2's ClientInfo and
// ClientPasswordVerifier.
type clientInfo struct {
	app *models.Application
}

func (c *clientInfo) GetID() string     { return c.app.ClientID }
func (c *clientInfo) GetSecret() string { return c.app.ClientSecret }
func (c *clientInfo) IsPublic() bool    { return c.app.IsPublic() }
func (c *clientInfo) GetUserID() string { return "" }

// GetDomain returns the registered redirect URIs, one per line, for
// validateURI.
func (c *clientInfo) GetDomain() string {
	return strings.Join(c.app.RedirectURIs, "\n")
}

// VerifyPassword checks a client secret against the stored bcrypt hash.
func (c *clientInfo) VerifyPassword(secret string) bool {
	return c.app.VerifySecret(secret)
}

// Application returns the wrapped application.
func (c *clientInfo) Application() *models.Application {
	return c.app
}

// validateURI requires an exact match against one of the registered URIs.
func validateURI(baseURI, redirectURI string) error {
	for _, allowed := range strings.Split(baseURI, "\n") {
		if allowed != "" && allowed == redirectURI {
			return nil
		}
	}
	return oerrors.ErrInvalidRedirectURI
}

// grantAllowed reports whether app may use grant at the token or authorize
// endpoint.
func grantAllowed(app *models.Application, grant oauth2.GrantType) bool {
	switch app.GrantType {
	case models.GrantAuthorizationCode, models.GrantOpenIDHybrid:
		return grant == oauth2.AuthorizationCode || grant == oauth2.Refreshing
	case models.GrantImplicit:
		return grant == oauth2.Implicit
	case models.GrantPassword:
		return grant == oauth2.PasswordCredentials || grant == oauth2.Refreshing
	case models.GrantClientCredentials:
		return grant == oauth2.ClientCredentials
	}
	return false
}
