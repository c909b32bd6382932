package templates

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scope struct {
	Name        string
	Description string
}

type field struct {
	Name  string
	Value string
}

func consentData() map[string]any {
	return map[string]any{
		"ServiceName": "oauthdispatch",
		"Application": "Grade Viewer",
		"User":        "user-1",
		"Action":      "/oauth/authorize",
		"CSRFToken":   "tok123",
		"Scopes":      []scope{{"read", "Read access"}, {"grades:read", ""}},
		"Fields":      []field{{"client_id", "web"}, {"state", "<xyz>"}},
	}
}

func TestRenderDefaultConsent(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, r.Render(&b, ConsentTemplate, consentData()))

	html := b.String()
	assert.Contains(t, html, "Grade Viewer would like to access your account")
	assert.Contains(t, html, `<input type="hidden" name="csrf_token" value="tok123">`)
	assert.Contains(t, html, `<input type="hidden" name="client_id" value="web">`)
	assert.Contains(t, html, `value="&lt;xyz&gt;"`, "values are escaped")
	assert.Contains(t, html, "<strong>read</strong>: Read access")
	assert.Contains(t, html, "<strong>grades:read</strong></li>")
	assert.Contains(t, html, `name="allow" value="true"`)
}

func TestRenderOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "consent.tmpl"), []byte("custom {{.Application}}"), 0o600))

	r, err := New(WithDirs(dir))
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, r.Render(&b, ConsentTemplate, consentData()))
	assert.Equal(t, "custom Grade Viewer", b.String())
}

func TestRenderAlwaysParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	r, err := New(WithDirs(dir), WithAlwaysParse(true))
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, r.Render(&b, "hello.tmpl", nil))
	assert.Equal(t, "v1", b.String())

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))
	b.Reset()
	require.NoError(t, r.Render(&b, "hello.tmpl", nil))
	assert.Equal(t, "v2", b.String())
}

func TestRenderErrors(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	var b bytes.Buffer
	assert.Error(t, r.Render(&b, "missing.tmpl", nil))
	assert.Empty(t, b.String())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.tmpl"), []byte("{{.Broken"), 0o600))
	_, err = New(WithDirs(dir))
	assert.Error(t, err)
}
