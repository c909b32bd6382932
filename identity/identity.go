// Package identity reads and issues the signed tokens that identify the
// resource owner to the authorize endpoint. Tokens are HS256 JWTs carried in
// the Authorization header or in a cookie.
package identity

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// Leeway for JWT expiration checks.
const jwtLeeway = 5 * time.Second

// DefaultCookieName is used when no cookie name is configured.
const DefaultCookieName = "od-identity"

var (
	// ErrNotFound is returned when a request carries no identity.
	ErrNotFound = errors.NewC("no identity", codes.Unauthenticated)

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.NewC("invalid identity token", codes.Unauthenticated)

	// ErrInvalidHeader is returned for malformed Authorization headers.
	ErrInvalidHeader = errors.NewC("invalid authorization header", codes.Unauthenticated)
)

// Identity is an authenticated resource owner.
type Identity struct {
	// Maps to the `jti` claim.
	SessionID string

	// User identifier. Maps to the `sub` claim and becomes the user ID on
	// issued OAuth2 tokens.
	Subject string

	Name  string
	Email string

	// Maps to the `auth_time` claim.
	AuthTime time.Time
}

// Claims is the JWT body of an identity token.
type Claims struct {
	jwt.RegisteredClaims

	Name     string           `json:"name,omitempty"`
	Email    string           `json:"email,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithExpiry sets how long issued tokens are valid. Defaults to 24 hours.
func WithExpiry(d time.Duration) Option {
	return func(i *Issuer) {
		i.expiry = d
	}
}

// WithCookieName sets the cookie identity tokens are read from.
func WithCookieName(name string) Option {
	return func(i *Issuer) {
		if name != "" {
			i.cookieName = name
		}
	}
}

// Issuer signs and verifies identity tokens.
type Issuer struct {
	key        []byte
	issuer     string
	expiry     time.Duration
	cookieName string
	now        func() time.Time
}

// NewIssuer returns an issuer that signs with key. issuer is used for both
// the `iss` and `aud` claims.
func NewIssuer(key []byte, issuer string, opts ...Option) *Issuer {
	i := &Issuer{
		key:        key,
		issuer:     issuer,
		expiry:     24 * time.Hour,
		cookieName: DefaultCookieName,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CookieName returns the cookie identity tokens are read from.
func (i *Issuer) CookieName() string {
	return i.cookieName
}

// Token signs a token for identity. A session ID is generated if missing.
func (i *Issuer) Token(identity Identity) (string, error) {
	if identity.SessionID == "" {
		identity.SessionID = uuid.NewString()
	}
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        identity.SessionID,
			Subject:   identity.Subject,
			Audience:  jwt.ClaimStrings{i.issuer},
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		},
		Name:  identity.Name,
		Email: identity.Email,
	}
	if !identity.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(identity.AuthTime)
	}
	ss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", errors.Wrap(err, 0).WithCode(codes.Unauthenticated)
	}
	return ss, nil
}

// Parse verifies a token and returns its identity.
func (i *Issuer) Parse(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			return i.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.issuer),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Identity{}, errors.Wrap(err, 0).WithCode(codes.Unauthenticated)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, errors.Mark(ErrInvalidToken, 0)
	}
	identity := Identity{
		SessionID: claims.ID,
		Subject:   claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
	}
	if claims.AuthTime != nil {
		identity.AuthTime = claims.AuthTime.Time
	}
	return identity, nil
}

// FromRequest returns the identity on r. The Authorization header takes
// precedence over the cookie.
func (i *Issuer) FromRequest(r *http.Request) (Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return i.fromHeader(h)
	}
	if c, err := r.Cookie(i.cookieName); err == nil && c.Value != "" {
		return i.Parse(c.Value)
	}
	return Identity{}, errors.Mark(ErrNotFound, 0)
}

func (i *Issuer) fromHeader(h string) (Identity, error) {
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		// Bare token without a scheme.
		return i.Parse(h)
	}
	switch strings.ToLower(parts[0]) {
	case "bearer":
		return i.Parse(parts[1])
	case "basic":
		// curl friendly: the token is the username and the password is empty.
		payload, _ := base64.StdEncoding.DecodeString(parts[1])
		pair := strings.SplitN(string(payload), ":", 2)
		if len(pair) != 2 || pair[1] != "" {
			return Identity{}, errors.Mark(ErrInvalidHeader, 0)
		}
		return i.Parse(pair[0])
	default:
		return Identity{}, errors.Mark(ErrInvalidHeader, 0)
	}
}

// Cookie returns a cookie carrying token.
func (i *Issuer) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     i.cookieName,
		Value:    token,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		Expires:  i.now().Add(i.expiry),
		SameSite: http.SameSiteLaxMode,
	}
}

// Require returns the identity on r. When there is none it redirects to
// loginURL with the current request as `next`, or writes a 401 if loginURL is
// empty, and reports false.
func (i *Issuer) Require(w http.ResponseWriter, r *http.Request, loginURL string) (Identity, bool) {
	identity, err := i.FromRequest(r)
	if err == nil {
		return identity, true
	}
	if loginURL == "" || !errors.Is(err, ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return Identity{}, false
	}
	http.Redirect(w, r, LoginRedirect(loginURL, r.URL.RequestURI()), http.StatusFound)
	return Identity{}, false
}

// LoginRedirect appends next to loginURL as a query parameter.
func LoginRedirect(loginURL, next string) string {
	u, err := url.Parse(loginURL)
	if err != nil {
		return loginURL
	}
	q := u.Query()
	q.Set("next", next)
	u.RawQuery = q.Encode()
	return u.String()
}
