package main

import (
	"context"

	"github.com/dpup/oauthdispatch"
	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/identity"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/oauth"
	"github.com/dpup/oauthdispatch/scopes"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/storage/memorystore"
	"github.com/dpup/oauthdispatch/storage/postgresstore"
	"github.com/dpup/oauthdispatch/storage/sqlitestore"
	"github.com/dpup/oauthdispatch/templates"
	"github.com/dpup/oauthdispatch/trust"
)

// openStore opens the configured storage backend and gives each model its
// own table.
func openStore(ctx context.Context) (storage.Store, error) {
	var (
		store  storage.Store
		err    error
		dsn    = oauthdispatch.ConfigString("storage.dsn")
		prefix = oauthdispatch.ConfigString("storage.prefix")
	)
	switch driver := oauthdispatch.ConfigString("storage.driver"); driver {
	case "", "memory":
		store = memorystore.New()
	case "sqlite":
		store, err = sqlitestore.New(dsn, sqlitestore.WithPrefix(prefix))
	case "postgres":
		store, err = postgresstore.New(ctx, dsn, postgresstore.WithPrefix(prefix))
	default:
		return nil, errors.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := storage.InitModels(store,
		models.Application{},
		models.RestrictedApplication{},
		models.AccessToken{},
		models.AuthorizationCode{},
	); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// newClassifier returns the trust classifier, caching restricted lookups when
// a cache driver is configured.
// newClassifier builds the classifier for the configured cache. The memory
// cache is only useful inside a long-running server, so CLI commands pass
// serving=false and read the store directly.
func newClassifier(ctx context.Context, store storage.Store, serving bool) (*trust.Classifier, error) {
	markers := trust.NewMarkerStore(store)
	ttl := oauthdispatch.ConfigDuration("cache.ttl")

	switch driver := oauthdispatch.ConfigString("cache.driver"); driver {
	case "", "none":
	case "memory":
		if !serving {
			break
		}
		markers = trust.NewCachedMarkerStore(markers, trust.NewMemoryCache(), ttl)
	case "redis":
		rdb, err := trust.DialRedis(ctx,
			oauthdispatch.ConfigString("cache.redisAddr"),
			oauthdispatch.ConfigString("cache.redisPassword"),
			oauthdispatch.ConfigInt("cache.redisDb"))
		if err != nil {
			return nil, err
		}
		markers = trust.NewCachedMarkerStore(markers, trust.NewRedisCache(rdb, "oauthdispatch:"), ttl)
	default:
		return nil, errors.Errorf("unknown cache driver %q", driver)
	}
	return trust.NewClassifier(markers), nil
}

func identitySigningKey() []byte {
	if key := oauthdispatch.ConfigBytes("auth.signingKey"); len(key) > 0 {
		return key
	}
	return oauthdispatch.ConfigBytes("oauth.signingKey")
}

func issuer() string {
	if iss := oauthdispatch.ConfigString("oauth.issuer"); iss != "" {
		return iss
	}
	return oauthdispatch.ConfigString("address")
}

func newIdentityIssuer() *identity.Issuer {
	opts := []identity.Option{}
	if name := oauthdispatch.ConfigString("auth.cookieName"); name != "" {
		opts = append(opts, identity.WithCookieName(name))
	}
	return identity.NewIssuer(identitySigningKey(), issuer(), opts...)
}

// newService builds the authorization service from config.
func newService(ctx context.Context, store storage.Store, logger logging.Logger) (*oauth.Service, error) {
	classifier, err := newClassifier(ctx, store, true)
	if err != nil {
		return nil, err
	}
	renderer, err := templates.New(
		templates.WithDirs(oauthdispatch.ConfigStrings("templates.dirs")...),
		templates.WithAlwaysParse(oauthdispatch.ConfigBool("templates.alwaysParse")),
	)
	if err != nil {
		return nil, err
	}

	registry := scopes.Registry(oauthdispatch.ConfigStringMap("oauth.scopes"))
	return oauth.NewBuilder(store).
		WithScopes(registry, oauthdispatch.ConfigStrings("oauth.defaultScopes")).
		WithClassifier(classifier).
		WithSigningKey(oauthdispatch.ConfigBytes("oauth.signingKey")).
		WithIssuer(issuer()).
		WithServiceName(oauthdispatch.ConfigString("name")).
		WithIdentityIssuer(newIdentityIssuer()).
		WithLoginURL(oauthdispatch.ConfigString("auth.loginURL")).
		WithCSRFKey(oauthdispatch.ConfigString("oauth.csrfKey")).
		WithRenderer(renderer).
		WithLogger(logger).
		WithApprovalPrompt(oauth.ApprovalMode(oauthdispatch.ConfigString("oauth.requestApprovalPrompt"))).
		WithPasswordGrant(oauthdispatch.ConfigBool("oauth.allowPasswordGrant")).
		WithAccessTokenExpiry(oauthdispatch.ConfigDuration("oauth.accessTokenExpiry")).
		WithRefreshTokenExpiry(oauthdispatch.ConfigDuration("oauth.refreshTokenExpiry")).
		WithAuthCodeExpiry(oauthdispatch.ConfigDuration("oauth.authCodeExpiry")).
		Build()
}
