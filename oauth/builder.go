package oauth

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/identity"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/scopes"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/templates"
	"github.com/dpup/oauthdispatch/trust"
	"github.com/go-oauth2/oauth2/v4"
	oerrors "github.com/go-oauth2/oauth2/v4/errors"
	"github.com/go-oauth2/oauth2/v4/manage"
	"github.com/go-oauth2/oauth2/v4/server"
)

// Service is a configured authorization server.
type Service struct {
	manager  *manage.Manager
	protocol *server.Server
	engine   *Engine

	apps       *models.Applications
	tokens     *TokenStore
	catalog    *scopes.Catalog
	classifier *trust.Classifier
	identities *identity.Issuer
	renderer   *templates.Renderer
	logger     logging.Logger

	signingKey    []byte
	issuer        string
	serviceName   string
	loginURL      string
	csrfKey       string
	allowPassword bool
	now           func() time.Time
}

// Builder provides a fluent interface for configuring a Service.
type Builder struct {
	store      storage.Store
	classifier *trust.Classifier
	registry   scopes.Registry
	defaults   []string
	identities *identity.Issuer
	renderer   *templates.Renderer
	logger     logging.Logger

	signingKey    []byte
	issuer        string
	serviceName   string
	loginURL      string
	csrfKey       string
	approvalMode  ApprovalMode
	allowPassword bool

	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	authCodeExpiry     time.Duration

	now func() time.Time
}

// NewBuilder returns a builder that keeps applications, markers and tokens in
// store.
func NewBuilder(store storage.Store) *Builder {
	return &Builder{
		store:              store,
		serviceName:        "oauthdispatch",
		approvalMode:       ApprovalForce,
		accessTokenExpiry:  10 * time.Hour,
		refreshTokenExpiry: 30 * 24 * time.Hour,
		authCodeExpiry:     10 * time.Minute,
		now:                time.Now,
	}
}

// WithScopes sets the scope registry and the scopes granted to requests that
// ask for none.
func (b *Builder) WithScopes(registry scopes.Registry, defaults []string) *Builder {
	b.registry = registry
	b.defaults = defaults
	return b
}

// WithClassifier sets the trust classifier. By default restriction markers
// are read from the store without caching.
func (b *Builder) WithClassifier(c *trust.Classifier) *Builder {
	b.classifier = c
	return b
}

// WithSigningKey sets the HS256 key for access tokens.
func (b *Builder) WithSigningKey(key []byte) *Builder {
	b.signingKey = key
	return b
}

// WithIssuer sets the token issuer and the base URL in metadata.
func (b *Builder) WithIssuer(issuer string) *Builder {
	b.issuer = issuer
	return b
}

// WithServiceName sets the name shown on the consent page.
func (b *Builder) WithServiceName(name string) *Builder {
	b.serviceName = name
	return b
}

// WithIdentityIssuer sets how resource owners are identified.
func (b *Builder) WithIdentityIssuer(i *identity.Issuer) *Builder {
	b.identities = i
	return b
}

// WithLoginURL sets where unidentified users are sent.
func (b *Builder) WithLoginURL(url string) *Builder {
	b.loginURL = url
	return b
}

// WithCSRFKey sets the key consent form tokens are derived from.
func (b *Builder) WithCSRFKey(key string) *Builder {
	b.csrfKey = key
	return b
}

// WithRenderer sets the template renderer for the consent page.
func (b *Builder) WithRenderer(r *templates.Renderer) *Builder {
	b.renderer = r
	return b
}

// WithLogger sets the logger for errors raised outside a request scope.
func (b *Builder) WithLogger(l logging.Logger) *Builder {
	b.logger = l
	return b
}

// WithApprovalPrompt sets the mode used when a request does not name one.
func (b *Builder) WithApprovalPrompt(mode ApprovalMode) *Builder {
	b.approvalMode = ParseApprovalMode(string(mode), ApprovalForce)
	return b
}

// WithPasswordGrant enables the resource owner password grant. The password
// is the user's identity token.
func (b *Builder) WithPasswordGrant(allow bool) *Builder {
	b.allowPassword = allow
	return b
}

// WithAccessTokenExpiry sets the access token lifetime.
func (b *Builder) WithAccessTokenExpiry(d time.Duration) *Builder {
	b.accessTokenExpiry = d
	return b
}

// WithRefreshTokenExpiry sets the refresh token lifetime.
func (b *Builder) WithRefreshTokenExpiry(d time.Duration) *Builder {
	b.refreshTokenExpiry = d
	return b
}

// WithAuthCodeExpiry sets the authorization code lifetime.
func (b *Builder) WithAuthCodeExpiry(d time.Duration) *Builder {
	b.authCodeExpiry = d
	return b
}

// WithClock overrides the clock used for expiry decisions.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build returns the configured Service.
func (b *Builder) Build() (*Service, error) {
	if len(b.signingKey) == 0 {
		return nil, errors.Mark(ErrMissingSigningKey, 0)
	}

	s := &Service{
		apps:          models.NewApplications(b.store),
		catalog:       scopes.NewCatalog(b.registry, b.defaults),
		classifier:    b.classifier,
		identities:    b.identities,
		renderer:      b.renderer,
		logger:        b.logger,
		signingKey:    b.signingKey,
		issuer:        b.issuer,
		serviceName:   b.serviceName,
		loginURL:      b.loginURL,
		csrfKey:       b.csrfKey,
		allowPassword: b.allowPassword,
		now:           b.now,
	}
	if s.classifier == nil {
		s.classifier = trust.NewClassifier(trust.NewMarkerStore(b.store))
	}
	if s.logger == nil {
		s.logger = logging.NewNopLogger()
	}
	if s.identities == nil {
		s.identities = identity.NewIssuer(b.signingKey, b.issuer)
	}
	if s.csrfKey == "" {
		s.csrfKey = string(b.signingKey)
	}
	if s.renderer == nil {
		r, err := templates.New()
		if err != nil {
			return nil, err
		}
		s.renderer = r
	}
	s.tokens = NewTokenStore(b.store, s.apps, s.classifier)

	s.manager = manage.NewDefaultManager()
	s.manager.SetAuthorizeCodeExp(b.authCodeExpiry)
	s.manager.SetAuthorizeCodeTokenCfg(&manage.Config{
		AccessTokenExp:    b.accessTokenExpiry,
		RefreshTokenExp:   b.refreshTokenExpiry,
		IsGenerateRefresh: true,
	})
	s.manager.SetRefreshTokenCfg(&manage.RefreshingConfig{
		AccessTokenExp:     b.accessTokenExpiry,
		RefreshTokenExp:    b.refreshTokenExpiry,
		IsGenerateRefresh:  true,
		IsRemoveAccess:     true,
		IsRemoveRefreshing: true,
	})
	s.manager.SetPasswordTokenCfg(&manage.Config{
		AccessTokenExp:    b.accessTokenExpiry,
		RefreshTokenExp:   b.refreshTokenExpiry,
		IsGenerateRefresh: true,
	})
	s.manager.SetClientTokenCfg(&manage.Config{
		AccessTokenExp: b.accessTokenExpiry,
	})
	s.manager.MapClientStorage(&clientStore{apps: s.apps})
	s.manager.MapTokenStorage(s.tokens)
	s.manager.MapAccessGenerate(NewAccessGenerate(b.signingKey, b.issuer, s.classifier))
	s.manager.SetValidateURIHandler(validateURI)

	s.protocol = server.NewDefaultServer(s.manager)
	s.protocol.SetAllowGetAccessRequest(false)
	s.protocol.SetAllowedResponseType(oauth2.Code)
	grants := []oauth2.GrantType{oauth2.AuthorizationCode, oauth2.Refreshing, oauth2.ClientCredentials}
	if s.allowPassword {
		grants = append(grants, oauth2.PasswordCredentials)
	}
	s.protocol.SetAllowedGrantType(grants...)
	s.protocol.SetClientInfoHandler(clientCredentials)
	s.protocol.SetClientAuthorizedHandler(s.clientAuthorized)
	s.protocol.SetClientScopeHandler(s.clientScope)
	s.protocol.SetRefreshingScopeHandler(s.refreshScope)
	s.protocol.SetPasswordAuthorizationHandler(s.passwordAuthorization)
	s.protocol.SetInternalErrorHandler(s.internalError)

	s.engine = &Engine{
		protocol:    s.protocol,
		apps:        s.apps,
		tokens:      s.tokens,
		catalog:     s.catalog,
		classifier:  s.classifier,
		defaultMode: b.approvalMode,
		now:         b.now,
	}
	return s, nil
}

// Engine returns the authorization decision engine.
func (s *Service) Engine() *Engine { return s.engine }

// Tokens returns the token store.
func (s *Service) Tokens() *TokenStore { return s.tokens }

// Applications returns the application repository.
func (s *Service) Applications() *models.Applications { return s.apps }

// Classifier returns the trust classifier.
func (s *Service) Classifier() *trust.Classifier { return s.classifier }

// Catalog returns the scope catalog.
func (s *Service) Catalog() *scopes.Catalog { return s.catalog }

// clientCredentials reads client credentials from basic auth, falling back
// to the form.
func clientCredentials(r *http.Request) (string, string, error) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret, nil
	}
	id := r.FormValue("client_id")
	if id == "" {
		return "", "", oerrors.ErrInvalidClient
	}
	return id, r.FormValue("client_secret"), nil
}

func (s *Service) clientAuthorized(clientID string, grant oauth2.GrantType) (bool, error) {
	app, err := s.apps.GetByClientID(context.Background(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, oerrors.ErrInvalidClient
	} else if err != nil {
		return false, err
	}
	return grantAllowed(app, grant), nil
}

// clientScope applies the scope catalog to token requests. An empty scope is
// replaced by the defaults the application is allowed.
func (s *Service) clientScope(tgr *oauth2.TokenGenerateRequest) (bool, error) {
	ctx := context.Background()
	if tgr.Request != nil {
		ctx = tgr.Request.Context()
	}
	app, err := s.apps.GetByClientID(ctx, tgr.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, oerrors.ErrInvalidClient
	} else if err != nil {
		return false, err
	}
	granted, err := s.catalog.Validate(ctx, app, scopes.Parse(tgr.Scope))
	if errors.Is(err, scopes.ErrInvalidScope) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	tgr.Scope = scopes.Join(granted)
	return true, nil
}

// refreshScope keeps a refresh within the grant being refreshed. The
// requested scopes must all be in oldScope and still pass the catalog for the
// application, which may have been narrowed since the grant.
func (s *Service) refreshScope(tgr *oauth2.TokenGenerateRequest, oldScope string) (bool, error) {
	requested := scopes.Parse(tgr.Scope)
	if len(requested) == 0 {
		tgr.Scope = oldScope
		return true, nil
	}
	granted := scopes.Parse(oldScope)
	for _, scope := range requested {
		if !slices.Contains(granted, scope) {
			return false, nil
		}
	}
	return s.clientScope(tgr)
}

// passwordAuthorization accepts a username and the user's identity token as
// the password.
func (s *Service) passwordAuthorization(ctx context.Context, clientID, username, password string) (string, error) {
	id, err := s.identities.Parse(password)
	if err != nil || id.Subject != username {
		logging.Track(ctx, "oauth.password_rejected", username)
		return "", oerrors.ErrInvalidGrant
	}
	return id.Subject, nil
}

// internalError logs errors go-oauth2 does not know how to describe. They are
// reported to the client as server_error.
func (s *Service) internalError(err error) *oerrors.Response {
	s.logger.Errorw("oauth internal error",
		"error", err,
		"error.code", errors.Code(err).String())
	return nil
}
