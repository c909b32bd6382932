// Package models holds the records persisted by the authorization server.
package models

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/codes"
)

const (
	// MaxScopes is the most scopes an application may declare.
	MaxScopes = 25

	// MaxScopeLength is the longest scope name an application may declare.
	MaxScopeLength = 32

	// MaxShortNameLength bounds Organization.ShortName.
	MaxShortNameLength = 255
)

// ErrInvalidApplication is returned when an application fails validation.
var ErrInvalidApplication = errors.NewC("invalid application", codes.InvalidArgument)

// GrantType is the OAuth2 flow an application is registered for.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization-code"
	GrantImplicit          GrantType = "implicit"
	GrantPassword          GrantType = "password"
	GrantClientCredentials GrantType = "client-credentials"
	GrantOpenIDHybrid      GrantType = "openid-hybrid"
)

// Valid reports whether g is a known grant type.
func (g GrantType) Valid() bool {
	switch g {
	case GrantAuthorizationCode, GrantImplicit, GrantPassword, GrantClientCredentials, GrantOpenIDHybrid:
		return true
	}
	return false
}

// ProviderType classifies an organization linked to an application.
type ProviderType string

// ProviderContentProvider is the only supported provider type.
const ProviderContentProvider ProviderType = "content-provider"

// Organization links an application to an organization by short name. The
// short name is not checked against any organization registry.
type Organization struct {
	ShortName    string
	ProviderType ProviderType
}

// Validate checks the provider type and short name.
func (o Organization) Validate() error {
	if o.ProviderType != ProviderContentProvider {
		return errors.WrapPrefix(ErrInvalidApplication, fmt.Sprintf("unknown provider type %q", o.ProviderType), 0)
	}
	if o.ShortName == "" || len(o.ShortName) > MaxShortNameLength {
		return errors.WrapPrefix(ErrInvalidApplication, fmt.Sprintf("organization short name must be 1-%d characters", MaxShortNameLength), 0)
	}
	return nil
}

// Filter returns the "<provider>:<short name>" tag for the organization.
func (o Organization) Filter() string {
	return string(o.ProviderType) + ":" + o.ShortName
}

// Application is a registered OAuth2 client.
type Application struct {
	ID                int64
	ClientID          string
	ClientSecret      string // bcrypt hash, empty for public clients
	Name              string
	RedirectURIs      []string
	Scopes            []string // nil when the application declares no list
	GrantType         GrantType
	SkipAuthorization bool
	Organizations     []Organization
	Created           time.Time
	Updated           time.Time
}

func (a Application) PK() string {
	return strconv.FormatInt(a.ID, 10)
}

// DeclaredScopes returns the application's scope allow-list, and whether one
// was declared at all. An empty declared list allows nothing.
func (a Application) DeclaredScopes() ([]string, bool) {
	return a.Scopes, a.Scopes != nil
}

// AuthorizationFilters returns one filter per linked organization, in link
// order, plus "user:me" for client credentials applications.
func (a Application) AuthorizationFilters() []string {
	filters := make([]string, 0, len(a.Organizations)+1)
	for _, o := range a.Organizations {
		filters = append(filters, o.Filter())
	}
	if a.GrantType == GrantClientCredentials {
		filters = append(filters, "user:me")
	}
	return filters
}

// IsPublic reports whether the application has no client secret.
func (a Application) IsPublic() bool {
	return a.ClientSecret == ""
}

// HasRedirectURI reports whether uri is registered exactly.
func (a Application) HasRedirectURI(uri string) bool {
	return slices.Contains(a.RedirectURIs, uri)
}

// SetSecret stores a bcrypt hash of secret. An empty secret makes the
// application public.
func (a *Application) SetSecret(secret string) error {
	if secret == "" {
		a.ClientSecret = ""
		return nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	a.ClientSecret = string(h)
	return nil
}

// VerifySecret checks secret against the stored hash. Public applications
// only accept an empty secret.
func (a Application) VerifySecret(secret string) bool {
	if a.IsPublic() {
		return secret == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(a.ClientSecret), []byte(secret)) == nil
}

// Validate checks the application's fields before it is stored.
func (a Application) Validate() error {
	if a.ID <= 0 {
		return errors.WrapPrefix(ErrInvalidApplication, "id must be positive", 0)
	}
	if a.ClientID == "" {
		return errors.WrapPrefix(ErrInvalidApplication, "client id is required", 0)
	}
	if !a.GrantType.Valid() {
		return errors.WrapPrefix(ErrInvalidApplication, fmt.Sprintf("unknown grant type %q", a.GrantType), 0)
	}
	if len(a.Scopes) > MaxScopes {
		return errors.WrapPrefix(ErrInvalidApplication, fmt.Sprintf("at most %d scopes", MaxScopes), 0)
	}
	for _, s := range a.Scopes {
		if s == "" || len(s) > MaxScopeLength {
			return errors.WrapPrefix(ErrInvalidApplication, fmt.Sprintf("scope %q must be 1-%d characters", s, MaxScopeLength), 0)
		}
	}
	for _, o := range a.Organizations {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RestrictedApplication marks an application whose tokens are issued already
// expired. Only its presence matters.
type RestrictedApplication struct {
	ApplicationID int64
	Created       time.Time
}

func (r RestrictedApplication) PK() string {
	return strconv.FormatInt(r.ApplicationID, 10)
}
