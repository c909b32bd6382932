package oauth

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/trust"
	"github.com/go-oauth2/oauth2/v4"
	omodels "github.com/go-oauth2/oauth2/v4/models"
)

// TokenStore persists authorization codes and access tokens. It implements
// go-oauth2's TokenStore, and applies restricted-application enforcement to
// every access token before it is written.
type TokenStore struct {
	store      storage.Store
	apps       *models.Applications
	classifier *trust.Classifier
}

// NewTokenStore returns a token store writing to store.
func NewTokenStore(store storage.Store, apps *models.Applications, classifier *trust.Classifier) *TokenStore {
	return &TokenStore{store: store, apps: apps, classifier: classifier}
}

// Create implements oauth2.TokenStore. Info carrying a code is stored as an
// authorization code, anything else as an access token.
func (s *TokenStore) Create(ctx context.Context, info oauth2.TokenInfo) error {
	app, err := s.application(ctx, info.GetClientID())
	if err != nil {
		return err
	}

	if code := info.GetCode(); code != "" {
		return s.store.Create(ctx, &models.AuthorizationCode{
			Code:                code,
			ApplicationID:       app.ID,
			ClientID:            info.GetClientID(),
			UserID:              info.GetUserID(),
			Scope:               info.GetScope(),
			RedirectURI:         info.GetRedirectURI(),
			CodeChallenge:       info.GetCodeChallenge(),
			CodeChallengeMethod: string(info.GetCodeChallengeMethod()),
			Created:             info.GetCodeCreateAt().UTC(),
			ExpiresIn:           info.GetCodeExpiresIn(),
		})
	}

	tok := models.AccessToken{
		Token:            info.GetAccess(),
		ApplicationID:    app.ID,
		ClientID:         info.GetClientID(),
		UserID:           info.GetUserID(),
		Scope:            info.GetScope(),
		Created:          info.GetAccessCreateAt().UTC(),
		Expires:          expiresAt(info),
		RedirectURI:      info.GetRedirectURI(),
		Refresh:          info.GetRefresh(),
		RefreshCreated:   info.GetRefreshCreateAt().UTC(),
		RefreshExpiresIn: info.GetRefreshExpiresIn(),
	}
	if err := s.classifier.Enforce(ctx, app, &tok); err != nil {
		return err
	}
	return s.store.Create(ctx, &tok)
}

// RemoveByCode implements oauth2.TokenStore.
func (s *TokenStore) RemoveByCode(ctx context.Context, code string) error {
	return ignoreNotFound(s.store.Delete(ctx, &models.AuthorizationCode{Code: code}))
}

// RemoveByAccess implements oauth2.TokenStore.
func (s *TokenStore) RemoveByAccess(ctx context.Context, access string) error {
	return ignoreNotFound(s.store.Delete(ctx, &models.AccessToken{Token: access}))
}

// RemoveByRefresh implements oauth2.TokenStore.
func (s *TokenStore) RemoveByRefresh(ctx context.Context, refresh string) error {
	tok, err := s.byRefresh(ctx, refresh)
	if err != nil || tok == nil {
		return err
	}
	return ignoreNotFound(s.store.Delete(ctx, tok))
}

// GetByCode implements oauth2.TokenStore. Unknown codes give nil, which the
// manager reports as an invalid grant.
func (s *TokenStore) GetByCode(ctx context.Context, code string) (oauth2.TokenInfo, error) {
	var c models.AuthorizationCode
	if err := s.store.Read(ctx, code, &c); errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	ti := omodels.NewToken()
	ti.SetClientID(c.ClientID)
	ti.SetUserID(c.UserID)
	ti.SetScope(c.Scope)
	ti.SetRedirectURI(c.RedirectURI)
	ti.SetCode(c.Code)
	ti.SetCodeCreateAt(c.Created)
	ti.SetCodeExpiresIn(c.ExpiresIn)
	ti.SetCodeChallenge(c.CodeChallenge)
	ti.SetCodeChallengeMethod(oauth2.CodeChallengeMethod(c.CodeChallengeMethod))
	return ti, nil
}

// GetByAccess implements oauth2.TokenStore.
func (s *TokenStore) GetByAccess(ctx context.Context, access string) (oauth2.TokenInfo, error) {
	tok, err := s.Lookup(ctx, access)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return tokenInfo(tok), nil
}

// GetByRefresh implements oauth2.TokenStore.
func (s *TokenStore) GetByRefresh(ctx context.Context, refresh string) (oauth2.TokenInfo, error) {
	tok, err := s.byRefresh(ctx, refresh)
	if err != nil || tok == nil {
		return nil, err
	}
	return tokenInfo(tok), nil
}

// Lookup returns the access token record for access.
func (s *TokenStore) Lookup(ctx context.Context, access string) (*models.AccessToken, error) {
	if access == "" {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	var tok models.AccessToken
	if err := s.store.Read(ctx, access, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListForUser returns every access token issued to userID for the
// application, newest first. Expired tokens are included.
func (s *TokenStore) ListForUser(ctx context.Context, userID string, applicationID int64) ([]models.AccessToken, error) {
	if userID == "" || applicationID == 0 {
		return nil, nil
	}
	var toks []models.AccessToken
	filter := models.AccessToken{UserID: userID, ApplicationID: applicationID}
	if err := s.store.List(ctx, &toks, filter); err != nil {
		return nil, err
	}
	slices.SortStableFunc(toks, func(a, b models.AccessToken) int {
		if c := b.Created.Compare(a.Created); c != 0 {
			return c
		}
		return strings.Compare(a.Token, b.Token)
	})
	return toks, nil
}

func (s *TokenStore) byRefresh(ctx context.Context, refresh string) (*models.AccessToken, error) {
	if refresh == "" {
		return nil, nil
	}
	var toks []models.AccessToken
	if err := s.store.List(ctx, &toks, models.AccessToken{Refresh: refresh}); err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	return &toks[0], nil
}

func (s *TokenStore) application(ctx context.Context, clientID string) (*models.Application, error) {
	app, err := s.apps.GetByClientID(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.WrapPrefix(ErrApplicationLookup, "client "+clientID, 0)
	}
	return app, err
}

// tokenInfo converts a stored token back into go-oauth2's representation.
// Restricted tokens come back with a negative lifetime, so the manager treats
// them as expired.
func tokenInfo(tok *models.AccessToken) oauth2.TokenInfo {
	ti := omodels.NewToken()
	ti.SetClientID(tok.ClientID)
	ti.SetUserID(tok.UserID)
	ti.SetScope(tok.Scope)
	ti.SetRedirectURI(tok.RedirectURI)
	ti.SetAccess(tok.Token)
	ti.SetAccessCreateAt(tok.Created)
	ti.SetAccessExpiresIn(tok.Expires.Sub(tok.Created))
	if tok.Refresh != "" {
		ti.SetRefresh(tok.Refresh)
		ti.SetRefreshCreateAt(tok.RefreshCreated)
		ti.SetRefreshExpiresIn(tok.RefreshExpiresIn)
	}
	return ti
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

var _ oauth2.TokenStore = (*TokenStore)(nil)

// expiresAt is the access token expiry go-oauth2 computed for info.
func expiresAt(info oauth2.TokenInfo) time.Time {
	return info.GetAccessCreateAt().Add(info.GetAccessExpiresIn()).UTC()
}
