// Package trust classifies applications as trusted or restricted.
//
// Tokens issued to a restricted application are stored already expired: their
// expiry is set to the Unix epoch. MarkTokenRestricted and
// IsTokenMarkedRestricted are the only code that knows about that sentinel.
package trust

import (
	"context"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/models"
	"google.golang.org/grpc/codes"
)

// Epoch is the expiry given to tokens of restricted applications,
// 1970-01-01T00:00:00Z.
var Epoch = time.Unix(0, 0).UTC()

// ErrNoApplication is returned when a classification is requested without an
// application.
var ErrNoApplication = errors.NewC("no application to classify", codes.Internal)

// MarkTokenRestricted sets the token's expiry to Epoch. It is idempotent.
func MarkTokenRestricted(tok *models.AccessToken) {
	tok.Expires = Epoch
}

// IsTokenMarkedRestricted reports whether tok's expiry is exactly Epoch.
func IsTokenMarkedRestricted(tok models.AccessToken) bool {
	return tok.Expires.Equal(Epoch)
}

// Classifier decides whether applications are restricted.
type Classifier struct {
	markers MarkerStore
}

// NewClassifier returns a classifier backed by markers.
func NewClassifier(markers MarkerStore) *Classifier {
	return &Classifier{markers: markers}
}

// IsRestricted reports whether a restriction marker exists for app.
func (c *Classifier) IsRestricted(ctx context.Context, app *models.Application) (bool, error) {
	if app == nil {
		return false, errors.Mark(ErrNoApplication, 0)
	}
	restricted, err := c.markers.IsRestricted(ctx, app.ID)
	if err != nil {
		return false, errors.WrapPrefix(err, "restricted lookup", 0)
	}
	return restricted, nil
}

// Enforce marks tok as restricted when app is restricted. It must run before
// the token is written.
func (c *Classifier) Enforce(ctx context.Context, app *models.Application, tok *models.AccessToken) error {
	restricted, err := c.IsRestricted(ctx, app)
	if err != nil {
		return err
	}
	if restricted {
		MarkTokenRestricted(tok)
		logging.Track(ctx, "oauth.restricted", true)
	}
	return nil
}

// Restrict adds a restriction marker for app.
func (c *Classifier) Restrict(ctx context.Context, app *models.Application) error {
	return c.markers.Restrict(ctx, app.ID)
}

// Unrestrict removes the restriction marker for app, if any.
func (c *Classifier) Unrestrict(ctx context.Context, app *models.Application) error {
	return c.markers.Unrestrict(ctx, app.ID)
}
