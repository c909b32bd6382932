// Package oauth is the authorization server: it wires go-oauth2's manager and
// server to the application repository, the scope catalog and the trust
// classifier, and decides authorization requests.
//
// # Basic Usage
//
//	svc, err := oauth.NewBuilder(store).
//		WithSigningKey(key).
//		WithScopes(registry, []string{"read"}).
//		WithIdentityIssuer(identities).
//		WithCSRFKey(csrfKey).
//		Build()
//
//	http.ListenAndServe(":8000", svc.Handler())
//
// # Approval prompt
//
// The authorize endpoint takes an `approval_prompt` parameter:
//
//   - force: always ask the resource owner, unless the application skips
//     authorization.
//   - auto: reuse a prior, unexpired grant covering the requested scopes.
//   - auto_even_if_expired: reuse any prior grant covering the requested
//     scopes, newest first, including expired and restricted ones.
package oauth

import (
	"github.com/dpup/oauthdispatch/errors"
	"google.golang.org/grpc/codes"
)

var (
	// ErrInvariantViolation is returned when the decision engine reaches a
	// state it should not be able to reach. It aborts the request.
	ErrInvariantViolation = errors.NewC("authorization invariant violated", codes.Internal)

	// ErrApplicationLookup is returned when a validated client disappears
	// before the decision is made.
	ErrApplicationLookup = errors.NewC("application lookup failed", codes.Internal)

	// ErrMissingSigningKey is returned by Build without a token signing key.
	ErrMissingSigningKey = errors.NewC("oauth: signing key is required", codes.FailedPrecondition)

	// ErrInvalidCSRF is returned when a consent submission carries no valid
	// CSRF token.
	ErrInvalidCSRF = errors.NewC("csrf: invalid token", codes.PermissionDenied).
		WithPublicMessage("The consent form has expired, please try again")
)

// ApprovalMode controls when the resource owner is asked to approve a
// request.
type ApprovalMode string

const (
	ApprovalForce             ApprovalMode = "force"
	ApprovalAuto              ApprovalMode = "auto"
	ApprovalAutoEvenIfExpired ApprovalMode = "auto_even_if_expired"
)

// ParseApprovalMode returns the mode named by s. Empty or unknown values
// give def.
func ParseApprovalMode(s string, def ApprovalMode) ApprovalMode {
	switch ApprovalMode(s) {
	case ApprovalForce, ApprovalAuto, ApprovalAutoEvenIfExpired:
		return ApprovalMode(s)
	}
	return def
}
