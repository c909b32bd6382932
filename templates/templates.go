// Package templates renders the HTML pages served by the authorization
// server. A default set is embedded in the binary. A *.tmpl file in a
// configured directory replaces the template with the same base name.
package templates

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dpup/oauthdispatch/errors"
	"google.golang.org/grpc/codes"
)

//go:embed default/*.tmpl
var defaults embed.FS

// ConsentTemplate is the name of the consent page template.
const ConsentTemplate = "consent.tmpl"

// Option configures a Renderer.
type Option func(*Renderer)

// WithDirs adds directories whose *.tmpl files override the defaults. Later
// directories win.
func WithDirs(dirs ...string) Option {
	return func(r *Renderer) {
		r.dirs = append(r.dirs, dirs...)
	}
}

// WithAlwaysParse re-reads templates on every render, for development.
func WithAlwaysParse(always bool) Option {
	return func(r *Renderer) {
		r.alwaysParse = always
	}
}

// Renderer executes named templates.
type Renderer struct {
	dirs        []string
	alwaysParse bool

	mu        sync.RWMutex
	templates *template.Template
}

// New parses the embedded templates and any overrides.
func New(opts ...Option) (*Renderer, error) {
	r := &Renderer{}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.parseAll(); err != nil {
		return nil, err
	}
	return r, nil
}

// Render executes the named template into w. Nothing is written if the
// template fails.
func (r *Renderer) Render(w io.Writer, name string, data any) error {
	if r.alwaysParse {
		if err := r.parseAll(); err != nil {
			return err
		}
	}
	r.mu.RLock()
	t := r.templates
	r.mu.RUnlock()

	var b bytes.Buffer
	if err := t.ExecuteTemplate(&b, name, data); err != nil {
		return errors.WrapPrefix(err, "render "+name, 0).WithCode(codes.Internal)
	}
	_, err := w.Write(b.Bytes())
	return errors.MaybeWrap(err, 0)
}

func (r *Renderer) parseAll() error {
	t, err := template.New("").ParseFS(defaults, "default/*.tmpl")
	if err != nil {
		return errors.WrapPrefix(err, "parse default templates", 0)
	}
	for _, dir := range r.dirs {
		if err := parseDir(t, dir); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.templates = t
	r.mu.Unlock()
	return nil
}

func parseDir(t *template.Template, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.WrapPrefix(err, "read templates", 0)
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tmpl") {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		if _, err := t.New(filepath.Base(path)).Parse(string(b)); err != nil {
			return errors.WrapPrefix(err, "parse "+path, 0)
		}
		return nil
	})
}
