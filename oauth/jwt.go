package oauth

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/trust"
	"github.com/go-oauth2/oauth2/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// ErrUnknownClient is returned when a token is generated for a client that
// did not come from the application repository.
var ErrUnknownClient = errors.NewC("oauth: client is not an application", codes.Internal)

// AccessClaims are the claims of an issued access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope      string   `json:"scope,omitempty"`
	Filters    []string `json:"filters,omitempty"`
	Restricted bool     `json:"restricted"`
}

// applicationClient is implemented by client info that carries its
// application.
type applicationClient interface {
	Application() *models.Application
}

// AccessGenerate issues HS256 JWT access tokens. It implements go-oauth2's
// AccessGenerate.
type AccessGenerate struct {
	key        []byte
	issuer     string
	classifier *trust.Classifier
}

// NewAccessGenerate returns a generator signing with key.
func NewAccessGenerate(key []byte, issuer string, classifier *trust.Classifier) *AccessGenerate {
	return &AccessGenerate{key: key, issuer: issuer, classifier: classifier}
}

// Token implements oauth2.AccessGenerate.
func (g *AccessGenerate) Token(ctx context.Context, data *oauth2.GenerateBasic, isGenRefresh bool) (string, string, error) {
	ac, ok := data.Client.(applicationClient)
	if !ok {
		return "", "", errors.Mark(ErrUnknownClient, 0)
	}
	app := ac.Application()
	info := data.TokenInfo

	// The same enforcement the token store applies, so the exp claim agrees
	// with the stored record.
	tok := models.AccessToken{
		ApplicationID: app.ID,
		Created:       info.GetAccessCreateAt().UTC(),
		Expires:       expiresAt(info),
	}
	if err := g.classifier.Enforce(ctx, app, &tok); err != nil {
		return "", "", err
	}

	subject := data.UserID
	if subject == "" {
		subject = app.ClientID
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{app.ClientID},
			ExpiresAt: jwt.NewNumericDate(tok.Expires),
			IssuedAt:  jwt.NewNumericDate(tok.Created),
			ID:        uuid.NewString(),
		},
		Scope:      info.GetScope(),
		Filters:    app.AuthorizationFilters(),
		Restricted: trust.IsTokenMarkedRestricted(tok),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return "", "", errors.Wrap(err, 0)
	}

	var refresh string
	if isGenRefresh {
		id := uuid.NewSHA1(uuid.New(), []byte(access))
		refresh = strings.TrimRight(base64.URLEncoding.EncodeToString(id[:]), "=")
	}
	return access, refresh, nil
}

// ParseAccessToken verifies an access token's signature and returns its
// claims. Expiry is not checked, restricted tokens carry an exp of 0.
func ParseAccessToken(tokenString string, key []byte) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, errors.WrapPrefix(err, "parse access token", 0).WithCode(codes.Unauthenticated)
	}
	return claims, nil
}

var _ oauth2.AccessGenerate = (*AccessGenerate)(nil)
