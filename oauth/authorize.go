package oauth

import (
	"context"
	"net/http"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/scopes"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/trust"
	"github.com/go-oauth2/oauth2/v4"
	oerrors "github.com/go-oauth2/oauth2/v4/errors"
	"github.com/go-oauth2/oauth2/v4/server"
)

// Outcome is the kind of answer the engine gives.
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomeGrant
	OutcomePrompt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGrant:
		return "grant"
	case OutcomePrompt:
		return "prompt"
	}
	return "error"
}

// Grant reasons, reported in Decision.Reason and in logs.
const (
	ReasonSkipAuthorization = "skip_authorization"
	ReasonPriorGrant        = "prior_grant"
	ReasonExpiredPriorGrant = "prior_grant_any_expiry"
	ReasonApproved          = "approved"
)

// Decision is the engine's answer to an authorization request. Handlers
// render it.
type Decision struct {
	Outcome Outcome

	// RedirectURI is set for grants, and for errors once a redirect URI has
	// been validated.
	RedirectURI string

	// Prompt is set when the resource owner has to be asked.
	Prompt *PromptView

	// ErrorData and StatusCode describe errors that can not be redirected.
	ErrorData  map[string]any
	StatusCode int

	Reason     string
	Restricted bool
}

// PromptView is what the consent page shows.
type PromptView struct {
	Application string
	ClientID    string
	User        string
	Scopes      []ScopeView
	Fields      []Field
}

// ScopeView is a scope and its description.
type ScopeView struct {
	Name        string
	Description string
}

// Field is a hidden form field carried through the consent form.
type Field struct {
	Name  string
	Value string
}

// Engine decides authorization requests. Protocol validation and code
// issuance are go-oauth2's; the engine adds scope rules, trust
// classification and prior-grant reuse.
type Engine struct {
	protocol    *server.Server
	apps        *models.Applications
	tokens      *TokenStore
	catalog     *scopes.Catalog
	classifier  *trust.Classifier
	defaultMode ApprovalMode
	now         func() time.Time
}

// authorization is a validated authorize request.
type authorization struct {
	req    *server.AuthorizeRequest
	app    *models.Application
	scopes []string
	mode   ApprovalMode
}

// verdict is the result of a decision rule before any code is issued.
type verdict struct {
	grant  bool
	reason string
}

// Decide handles an authorization request from userID. Errors returned are
// fatal to the request; protocol errors come back as an error Decision.
func (e *Engine) Decide(ctx context.Context, userID string, r *http.Request) (Decision, error) {
	a, d, err := e.validate(ctx, r)
	if err != nil || a == nil {
		return e.logged(ctx, userID, r, d, err)
	}
	a.req.UserID = userID

	// The client was validated through go-oauth2; the decision works on the
	// current record.
	app, err := e.apps.GetByClientID(ctx, a.req.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.logged(ctx, userID, r, Decision{}, errors.WrapPrefix(ErrApplicationLookup, "client "+a.req.ClientID, 0))
	} else if err != nil {
		return e.logged(ctx, userID, r, Decision{}, err)
	}
	a.app = app

	restricted, err := e.classifier.IsRestricted(ctx, app)
	if err != nil {
		return e.logged(ctx, userID, r, Decision{}, err)
	}

	v, err := e.decide(ctx, a)
	if err != nil {
		return e.logged(ctx, userID, r, Decision{}, err)
	}
	if v.grant {
		d, err = e.grant(ctx, a, v.reason)
	} else {
		d = e.prompt(a)
	}
	d.Restricted = restricted
	return e.logged(ctx, userID, r, d, err)
}

// Approve grants a request the resource owner agreed to on the consent page.
func (e *Engine) Approve(ctx context.Context, userID string, r *http.Request) (Decision, error) {
	a, d, err := e.validate(ctx, r)
	if err != nil || a == nil {
		return e.logged(ctx, userID, r, d, err)
	}
	a.req.UserID = userID
	d, err = e.grant(ctx, a, ReasonApproved)
	return e.logged(ctx, userID, r, d, err)
}

// Deny redirects a request the resource owner refused back to the client
// with access_denied.
func (e *Engine) Deny(ctx context.Context, userID string, r *http.Request) (Decision, error) {
	a, d, err := e.validate(ctx, r)
	if err != nil || a == nil {
		return e.logged(ctx, userID, r, d, err)
	}
	d, err = e.protocolError(ctx, a.req, oerrors.ErrAccessDenied)
	return e.logged(ctx, userID, r, d, err)
}

func (e *Engine) decide(ctx context.Context, a *authorization) (verdict, error) {
	if a.mode != ApprovalAutoEvenIfExpired {
		return e.defaultDecision(ctx, a)
	}
	if a.app.SkipAuthorization {
		return verdict{grant: true, reason: ReasonSkipAuthorization}, nil
	}
	return e.expiredPriorGrant(ctx, a)
}

// defaultDecision is the stock behavior: the skip flag grants, auto reuses
// an unexpired prior grant, everything else prompts.
func (e *Engine) defaultDecision(ctx context.Context, a *authorization) (verdict, error) {
	if a.app.SkipAuthorization {
		return verdict{grant: true, reason: ReasonSkipAuthorization}, nil
	}
	if a.mode != ApprovalAuto {
		return verdict{}, nil
	}
	toks, err := e.tokens.ListForUser(ctx, a.req.UserID, a.app.ID)
	if err != nil {
		return verdict{}, err
	}
	now := e.now()
	for _, tok := range toks {
		if !tok.Expired(now) && tok.AllowsScopes(a.scopes) {
			return verdict{grant: true, reason: ReasonPriorGrant}, nil
		}
	}
	return verdict{}, nil
}

// expiredPriorGrant reuses the newest prior grant covering the request,
// whatever its expiry.
func (e *Engine) expiredPriorGrant(ctx context.Context, a *authorization) (verdict, error) {
	if a.mode != ApprovalAutoEvenIfExpired {
		return verdict{}, errors.WrapPrefix(ErrInvariantViolation, "expired grant scan in mode "+string(a.mode), 0)
	}
	toks, err := e.tokens.ListForUser(ctx, a.req.UserID, a.app.ID)
	if err != nil {
		return verdict{}, err
	}
	for _, tok := range toks {
		if tok.AllowsScopes(a.scopes) {
			return verdict{grant: true, reason: ReasonExpiredPriorGrant}, nil
		}
	}
	return verdict{}, nil
}

// validate runs go-oauth2's request validation, then checks the client, the
// redirect URI and the scopes. A nil authorization comes with the error
// Decision to render.
func (e *Engine) validate(ctx context.Context, r *http.Request) (*authorization, Decision, error) {
	req, err := e.protocol.ValidationAuthorizeRequest(r)
	if err != nil {
		d, err := e.protocolError(ctx, e.redirectTarget(ctx, r), err)
		return nil, d, err
	}

	cli, err := e.protocol.Manager.GetClient(ctx, req.ClientID)
	if err != nil {
		d, err := e.protocolError(ctx, nil, err)
		return nil, d, err
	}
	ac, ok := cli.(applicationClient)
	if !ok {
		return nil, Decision{}, errors.Mark(ErrUnknownClient, 0)
	}
	app := ac.Application()

	redirectURI, ok := resolveRedirectURI(app, req.RedirectURI)
	if !ok {
		d, err := e.protocolError(ctx, nil, oerrors.ErrInvalidRedirectURI)
		return nil, d, err
	}
	req.RedirectURI = redirectURI

	if !grantAllowed(app, grantFor(req.ResponseType)) {
		d, err := e.protocolError(ctx, req, oerrors.ErrUnauthorizedClient)
		return nil, d, err
	}

	granted, err := e.catalog.Validate(ctx, app, scopes.Parse(req.Scope))
	if errors.Is(err, scopes.ErrInvalidScope) {
		d, err := e.protocolError(ctx, req, oerrors.ErrInvalidScope)
		return nil, d, err
	} else if err != nil {
		return nil, Decision{}, err
	}
	req.Scope = scopes.Join(granted)

	return &authorization{
		req:    req,
		app:    app,
		scopes: granted,
		mode:   ParseApprovalMode(r.FormValue("approval_prompt"), e.defaultMode),
	}, Decision{}, nil
}

// redirectTarget returns a request to send errors to when the client and
// redirect URI on r check out, even though the rest of r did not.
func (e *Engine) redirectTarget(ctx context.Context, r *http.Request) *server.AuthorizeRequest {
	cli, err := e.protocol.Manager.GetClient(ctx, r.FormValue("client_id"))
	if err != nil {
		return nil
	}
	ac, ok := cli.(applicationClient)
	if !ok {
		return nil
	}
	uri, ok := resolveRedirectURI(ac.Application(), r.FormValue("redirect_uri"))
	if !ok {
		return nil
	}
	return &server.AuthorizeRequest{
		ClientID:     ac.Application().ClientID,
		RedirectURI:  uri,
		State:        r.FormValue("state"),
		ResponseType: oauth2.Code,
	}
}

func (e *Engine) grant(ctx context.Context, a *authorization, reason string) (Decision, error) {
	ti, err := e.protocol.GetAuthorizeToken(ctx, a.req)
	if err != nil {
		return e.protocolError(ctx, a.req, err)
	}
	data := e.protocol.GetAuthorizeData(a.req.ResponseType, ti)
	uri, err := e.protocol.GetRedirectURI(a.req, data)
	if err != nil {
		return Decision{}, errors.Wrap(err, 0)
	}
	return Decision{Outcome: OutcomeGrant, RedirectURI: uri, Reason: reason}, nil
}

func (e *Engine) prompt(a *authorization) Decision {
	view := &PromptView{
		Application: a.app.Name,
		ClientID:    a.app.ClientID,
		User:        a.req.UserID,
	}
	if view.Application == "" {
		view.Application = a.app.ClientID
	}
	for _, s := range a.scopes {
		view.Scopes = append(view.Scopes, ScopeView{Name: s, Description: e.catalog.Describe(s)})
	}
	view.Fields = []Field{
		{"client_id", a.req.ClientID},
		{"redirect_uri", a.req.RedirectURI},
		{"response_type", string(a.req.ResponseType)},
		{"scope", a.req.Scope},
		{"state", a.req.State},
	}
	if a.req.CodeChallenge != "" {
		view.Fields = append(view.Fields,
			Field{"code_challenge", a.req.CodeChallenge},
			Field{"code_challenge_method", string(a.req.CodeChallengeMethod)})
	}
	return Decision{Outcome: OutcomePrompt, Prompt: view}
}

// protocolError turns a go-oauth2 protocol error into an error Decision,
// redirecting when req carries a validated redirect URI. Errors go-oauth2
// does not describe are returned as fatal.
func (e *Engine) protocolError(ctx context.Context, req *server.AuthorizeRequest, err error) (Decision, error) {
	var description string
	if err == oerrors.ErrInvalidRedirectURI {
		err, description = oerrors.ErrInvalidRequest, "The redirect_uri is not registered for this client"
	}
	if _, ok := oerrors.Descriptions[err]; !ok {
		return Decision{}, errors.Wrap(err, 0)
	}
	data, status, _ := e.protocol.GetErrorData(err)
	if description != "" {
		data["error_description"] = description
	}
	logging.Track(ctx, "oauth.error", data["error"])
	if req != nil && req.RedirectURI != "" {
		uri, rerr := e.protocol.GetRedirectURI(req, data)
		if rerr == nil {
			return Decision{Outcome: OutcomeError, RedirectURI: uri}, nil
		}
	}
	return Decision{Outcome: OutcomeError, ErrorData: data, StatusCode: status}, nil
}

func (e *Engine) logged(ctx context.Context, userID string, r *http.Request, d Decision, err error) (Decision, error) {
	if err != nil {
		return d, err
	}
	logging.Infow(ctx, "authorization decided",
		"oauth.decision", d.Outcome.String(),
		"oauth.client_id", r.FormValue("client_id"),
		"oauth.user_id", userID,
		"oauth.reason", d.Reason,
		"oauth.restricted", d.Restricted)
	return d, nil
}

// resolveRedirectURI returns the redirect URI to use. An empty request is
// allowed when exactly one URI is registered.
func resolveRedirectURI(app *models.Application, requested string) (string, bool) {
	if requested == "" {
		if len(app.RedirectURIs) == 1 {
			return app.RedirectURIs[0], true
		}
		return "", false
	}
	return requested, app.HasRedirectURI(requested)
}

func grantFor(rt oauth2.ResponseType) oauth2.GrantType {
	if rt == oauth2.Token {
		return oauth2.Implicit
	}
	return oauth2.AuthorizationCode
}
