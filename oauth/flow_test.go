package oauth

import (
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var hiddenInput = regexp.MustCompile(`<input type="hidden" name="([^"]+)" value="([^"]*)">`)

type flow struct {
	*fixture
	srv    *httptest.Server
	client *http.Client
	ctx    context.Context
}

func newFlow(t *testing.T, configure ...func(*Builder)) *flow {
	t.Helper()
	f := newFixture(t, configure...)
	srv := httptest.NewServer(f.svc.Handler())
	t.Cleanup(srv.Close)

	client := *srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &flow{
		fixture: f,
		srv:     srv,
		client:  &client,
		ctx:     context.WithValue(context.Background(), xoauth2.HTTPClient, srv.Client()),
	}
}

func (f *flow) config(app *models.Application, scopes ...string) *xoauth2.Config {
	return &xoauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: testSecret,
		RedirectURL:  testRedirect,
		Scopes:       scopes,
		Endpoint: xoauth2.Endpoint{
			AuthURL:   f.srv.URL + "/oauth/authorize",
			TokenURL:  f.srv.URL + "/oauth/token",
			AuthStyle: xoauth2.AuthStyleInHeader,
		},
	}
}

// do sends req as the test user when signedIn is set.
func (f *flow) do(t *testing.T, req *http.Request, signedIn bool) *http.Response {
	t.Helper()
	if signedIn {
		req.Header.Set("Authorization", "Bearer "+f.identityToken(t, testUser))
	}
	res, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (f *flow) authorize(t *testing.T, authURL string, signedIn bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	return f.do(t, req, signedIn)
}

// consentForm reads the hidden fields of a consent page.
func consentForm(t *testing.T, res *http.Response) url.Values {
	t.Helper()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "DENY", res.Header.Get("X-Frame-Options"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	form := url.Values{}
	for _, m := range hiddenInput.FindAllStringSubmatch(string(body), -1) {
		form.Set(m[1], html.UnescapeString(m[2]))
	}
	require.NotEmpty(t, form.Get("csrf_token"))
	return form
}

func (f *flow) submitConsent(t *testing.T, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/oauth/authorize", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(t, req, true)
}

func (f *flow) introspect(t *testing.T, app *models.Application, token string) Introspection {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/oauth/introspect", strings.NewReader(url.Values{"token": {token}}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(app.ClientID, testSecret)
	res := f.do(t, req, false)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var desc Introspection
	require.NoError(t, json.NewDecoder(res.Body).Decode(&desc))
	return desc
}

func redirectParams(t *testing.T, res *http.Response) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, res.StatusCode)
	loc, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func TestFlow_authorizationCode(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{ID: 1, ClientID: "web", Name: "Gradebook <beta>"})
	cfg := f.config(app, "read", "write")

	form := consentForm(t, f.authorize(t, cfg.AuthCodeURL("xyz"), true))
	assert.Equal(t, "read write", form.Get("scope"))
	assert.Equal(t, testRedirect, form.Get("redirect_uri"))

	form.Set("allow", "true")
	q := redirectParams(t, f.submitConsent(t, form))
	assert.Equal(t, "xyz", q.Get("state"))
	require.NotEmpty(t, q.Get("code"))

	tok, err := cfg.Exchange(f.ctx, q.Get("code"))
	require.NoError(t, err)
	assert.NotEmpty(t, tok.RefreshToken)

	claims, err := ParseAccessToken(tok.AccessToken, []byte(testKey))
	require.NoError(t, err)
	assert.Equal(t, testUser, claims.Subject)
	assert.Equal(t, "read write", claims.Scope)
	assert.False(t, claims.Restricted)

	desc := f.introspect(t, app, tok.AccessToken)
	assert.True(t, desc.Active)
	assert.Equal(t, "web", desc.ClientID)
	assert.Equal(t, testUser, desc.Subject)

	// Codes are single use.
	_, err = cfg.Exchange(f.ctx, q.Get("code"))
	assert.Error(t, err)

	refreshed, err := cfg.TokenSource(f.ctx, &xoauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)

	_, err = f.svc.Tokens().Lookup(context.Background(), tok.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, f.introspect(t, app, tok.AccessToken).Active)
	assert.True(t, f.introspect(t, app, refreshed.AccessToken).Active)

	// A second visit reuses the grant.
	q = redirectParams(t, f.authorize(t, cfg.AuthCodeURL("again", xoauth2.SetAuthURLParam("approval_prompt", "auto")), true))
	assert.NotEmpty(t, q.Get("code"))
	assert.Equal(t, "again", q.Get("state"))
}

// refresh posts a refresh_token grant for app with an explicit scope.
func (f *flow) refresh(t *testing.T, app *models.Application, refreshToken, scope string) (int, map[string]any) {
	t.Helper()
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}}
	if scope != "" {
		form.Set("scope", scope)
	}
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(app.ClientID, testSecret)
	res := f.do(t, req, false)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func TestFlow_refreshCannotWidenScope(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{
		ID:                1,
		ClientID:          "web",
		Scopes:            []string{"read", "write"},
		SkipAuthorization: true,
	})
	cfg := f.config(app, "read")
	q := redirectParams(t, f.authorize(t, cfg.AuthCodeURL("xyz"), true))
	tok, err := cfg.Exchange(f.ctx, q.Get("code"))
	require.NoError(t, err)

	for _, scope := range []string{"read write admin", "admin", "write"} {
		status, body := f.refresh(t, app, tok.RefreshToken, scope)
		assert.Equal(t, http.StatusBadRequest, status, scope)
		assert.Equal(t, "invalid_scope", body["error"], scope)
	}

	// Rejected refreshes leave the refresh token usable.
	status, body := f.refresh(t, app, tok.RefreshToken, "read")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "read", body["scope"])

	stored, err := f.svc.Tokens().Lookup(context.Background(), body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "read", stored.Scope)

	status, body = f.refresh(t, app, body["refresh_token"].(string), "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "read", body["scope"])
}

func TestFlow_refreshAfterAllowListNarrowed(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{
		ID:                1,
		ClientID:          "web",
		Scopes:            []string{"read", "write"},
		SkipAuthorization: true,
	})
	cfg := f.config(app, "read", "write")
	q := redirectParams(t, f.authorize(t, cfg.AuthCodeURL("xyz"), true))
	tok, err := cfg.Exchange(f.ctx, q.Get("code"))
	require.NoError(t, err)

	app.Scopes = []string{"read"}
	require.NoError(t, f.svc.Applications().Update(context.Background(), app))

	status, body := f.refresh(t, app, tok.RefreshToken, "read write")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_scope", body["error"])

	status, body = f.refresh(t, app, tok.RefreshToken, "read")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "read", body["scope"])
}

func TestFlow_restrictedApplication(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{
		ID:                1,
		ClientID:          "widget",
		SkipAuthorization: true,
		Organizations:     []models.Organization{{ProviderType: models.ProviderContentProvider, ShortName: "acme"}},
	})
	require.NoError(t, f.svc.Classifier().Restrict(context.Background(), app))
	cfg := f.config(app, "read")

	q := redirectParams(t, f.authorize(t, cfg.AuthCodeURL("xyz"), true))
	tok, err := cfg.Exchange(f.ctx, q.Get("code"))
	require.NoError(t, err)

	claims, err := ParseAccessToken(tok.AccessToken, []byte(testKey))
	require.NoError(t, err)
	assert.True(t, claims.Restricted)
	assert.Equal(t, int64(0), claims.ExpiresAt.Unix())
	assert.Equal(t, []string{"content-provider:acme"}, claims.Filters)

	stored, err := f.svc.Tokens().Lookup(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.True(t, trust.IsTokenMarkedRestricted(*stored))

	desc := f.introspect(t, app, tok.AccessToken)
	assert.False(t, desc.Active)
	assert.True(t, desc.Restricted)
	assert.Equal(t, "read", desc.Scope)
	assert.Equal(t, []string{"content-provider:acme"}, desc.Filters)
	assert.Zero(t, desc.ExpiresAt)

	// Sentinel-expired grants are reused once the application is trusted
	// again, but only in auto_even_if_expired.
	require.NoError(t, f.svc.Classifier().Unrestrict(context.Background(), app))
	app.SkipAuthorization = false
	require.NoError(t, f.svc.Applications().Update(context.Background(), app))

	consentForm(t, f.authorize(t, cfg.AuthCodeURL("xyz", xoauth2.SetAuthURLParam("approval_prompt", "auto")), true))
	q = redirectParams(t, f.authorize(t, cfg.AuthCodeURL("xyz", xoauth2.SetAuthURLParam("approval_prompt", "auto_even_if_expired")), true))
	assert.NotEmpty(t, q.Get("code"))
}

func TestFlow_clientCredentials(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{
		ID:        1,
		ClientID:  "machine",
		GrantType: models.GrantClientCredentials,
	})
	cfg := clientcredentials.Config{
		ClientID:     app.ClientID,
		ClientSecret: testSecret,
		TokenURL:     f.srv.URL + "/oauth/token",
		AuthStyle:    xoauth2.AuthStyleInHeader,
	}

	cfg.Scopes = []string{"admin"}
	_, err := cfg.Token(f.ctx)
	var rerr *xoauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_scope", rerr.ErrorCode)

	cfg.Scopes = []string{"read"}
	tok, err := cfg.Token(f.ctx)
	require.NoError(t, err)
	claims, err := ParseAccessToken(tok.AccessToken, []byte(testKey))
	require.NoError(t, err)
	assert.Equal(t, "machine", claims.Subject)
	assert.Contains(t, claims.Filters, "user:me")
	assert.Empty(t, tok.RefreshToken)

	cfg.ClientSecret = "wrong"
	_, err = cfg.Token(f.ctx)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_client", rerr.ErrorCode)
}

func TestFlow_passwordGrant(t *testing.T) {
	f := newFlow(t, func(b *Builder) { b.WithPasswordGrant(true) })
	app := f.createApp(t, models.Application{ID: 1, ClientID: "cli", GrantType: models.GrantPassword})
	cfg := f.config(app, "read")

	tok, err := cfg.PasswordCredentialsToken(f.ctx, testUser, f.identityToken(t, testUser))
	require.NoError(t, err)
	claims, err := ParseAccessToken(tok.AccessToken, []byte(testKey))
	require.NoError(t, err)
	assert.Equal(t, testUser, claims.Subject)

	_, err = cfg.PasswordCredentialsToken(f.ctx, "someone-else", f.identityToken(t, testUser))
	var rerr *xoauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)
}

func TestFlow_consentRequiresCSRF(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{ID: 1, ClientID: "web"})
	cfg := f.config(app, "read")
	form := consentForm(t, f.authorize(t, cfg.AuthCodeURL("xyz"), true))
	form.Set("allow", "true")

	missing := url.Values{}
	for k, v := range form {
		missing[k] = v
	}
	missing.Del("csrf_token")
	res := f.submitConsent(t, missing)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	forged := url.Values{}
	for k, v := range form {
		forged[k] = v
	}
	forged.Set("csrf_token", "forged")
	res = f.submitConsent(t, forged)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	form.Set("allow", "false")
	q := redirectParams(t, f.submitConsent(t, form))
	assert.Equal(t, "access_denied", q.Get("error"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Empty(t, q.Get("code"))
}

func TestFlow_identityRequired(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{ID: 1, ClientID: "web"})
	authURL := f.config(app, "read").AuthCodeURL("xyz")

	res := f.authorize(t, authURL, false)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	f = newFlow(t, func(b *Builder) { b.WithLoginURL("https://login.example/signin") })
	app = f.createApp(t, models.Application{ID: 1, ClientID: "web"})
	authURL = f.config(app, "read").AuthCodeURL("xyz")

	res = f.authorize(t, authURL, false)
	require.Equal(t, http.StatusFound, res.StatusCode)
	loc, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login.example", loc.Host)
	assert.True(t, strings.HasPrefix(loc.Query().Get("next"), "/oauth/authorize?"))
}

func TestFlow_introspectionRequiresClient(t *testing.T) {
	f := newFlow(t)
	app := f.createApp(t, models.Application{ID: 1, ClientID: "web"})

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/oauth/introspect", strings.NewReader("token=abc"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res := f.do(t, req, false)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("WWW-Authenticate"))

	desc := f.introspect(t, app, "abc")
	assert.Equal(t, Introspection{}, desc)
}
