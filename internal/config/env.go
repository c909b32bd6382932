package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/iancoleman/strcase"
)

// EnvPrefix is stripped from environment variables before they are mapped to
// config keys.
const EnvPrefix = "OD__"

// SearchForConfig looks for filename in dir and each of its parents, returning
// the first path found or "".
func SearchForConfig(filename, dir string) string {
	d, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(d, filename)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(d)
		if parent == d {
			return ""
		}
		d = parent
	}
}

// TransformEnv maps OD__OAUTH__SIGNING_KEY to oauth.signingKey. Double
// underscores separate segments, single underscores become camel case.
func TransformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	segments := strings.Split(s, "__")
	for i, seg := range segments {
		segments[i] = strcase.ToLowerCamel(seg)
	}
	return strings.Join(segments, ".")
}
