// Package scopes resolves which OAuth2 scopes an application may request.
package scopes

import (
	"context"
	"sort"
	"strings"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"google.golang.org/grpc/codes"
)

// ErrInvalidScope is returned when a request asks for a scope the
// application can not have, or when nothing could be granted.
var ErrInvalidScope = errors.NewC("invalid scope", codes.InvalidArgument).
	WithPublicMessage("The requested scope is invalid, unknown, or malformed")

// Registry maps scope names to human readable descriptions.
type Registry map[string]string

// Names returns the registered scope names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScopedApplication is implemented by applications that may carry their own
// scope allow-list. declared distinguishes "no list" from an empty list.
type ScopedApplication interface {
	DeclaredScopes() (scopes []string, declared bool)
}

// Catalog answers scope questions against a fixed registry.
type Catalog struct {
	registry Registry
	defaults []string
}

// NewCatalog returns a catalog. Default scopes that are not in the registry
// are ignored.
func NewCatalog(registry Registry, defaults []string) *Catalog {
	c := &Catalog{registry: Registry{}}
	for k, v := range registry {
		c.registry[k] = v
	}
	for _, d := range defaults {
		if _, ok := c.registry[d]; ok {
			c.defaults = append(c.defaults, d)
		}
	}
	return c
}

// Registry returns a copy of the catalog's registry.
func (c *Catalog) Registry() Registry {
	out := make(Registry, len(c.registry))
	for k, v := range c.registry {
		out[k] = v
	}
	return out
}

// Describe returns the description of a scope.
func (c *Catalog) Describe(scope string) string {
	return c.registry[scope]
}

// AvailableScopes returns the scopes app may request. Applications that
// declare a list get that list, in declaration order and without duplicates,
// limited to registered scopes. Everything else gets the whole registry.
func (c *Catalog) AvailableScopes(app any) []string {
	if sa, ok := app.(ScopedApplication); ok {
		if declared, ok := sa.DeclaredScopes(); ok {
			available := make([]string, 0, len(declared))
			seen := map[string]bool{}
			for _, s := range declared {
				if _, known := c.registry[s]; known && !seen[s] {
					seen[s] = true
					available = append(available, s)
				}
			}
			return available
		}
	}
	return c.registry.Names()
}

// Validate checks requested scopes against what app may request and returns
// the scopes to grant. An empty request is given the default scopes the
// application is allowed.
func (c *Catalog) Validate(ctx context.Context, app any, requested []string) ([]string, error) {
	available := c.AvailableScopes(app)
	allowed := make(map[string]bool, len(available))
	for _, s := range available {
		allowed[s] = true
	}

	if len(requested) == 0 {
		var granted []string
		for _, d := range c.defaults {
			if allowed[d] {
				granted = append(granted, d)
			}
		}
		if len(granted) == 0 {
			return nil, errors.Mark(ErrInvalidScope, 0)
		}
		return granted, nil
	}

	granted := make([]string, 0, len(requested))
	seen := map[string]bool{}
	for _, s := range requested {
		if !allowed[s] {
			logging.Track(ctx, "oauth.rejected_scope", s)
			return nil, errors.Mark(ErrInvalidScope, 0)
		}
		if !seen[s] {
			seen[s] = true
			granted = append(granted, s)
		}
	}
	return granted, nil
}

// Parse splits a space delimited scope parameter.
func Parse(scope string) []string {
	return strings.Fields(scope)
}

// Join formats scopes as a space delimited parameter.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}
