package oauth

import (
	"net/http"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/templates"
	"golang.org/x/net/xsrftoken"
)

// consentAction scopes CSRF tokens to consent for a single client.
const consentAction = "oauth/authorize:"

// consentPage is the data the consent template renders.
type consentPage struct {
	*PromptView
	ServiceName string
	Action      string
	CSRFToken   string
}

func (s *Service) csrfToken(userID, clientID string) string {
	return xsrftoken.Generate(s.csrfKey, userID, consentAction+clientID)
}

func (s *Service) verifyCSRF(token, userID, clientID string) error {
	if token == "" || !xsrftoken.Valid(token, s.csrfKey, userID, consentAction+clientID) {
		return errors.Mark(ErrInvalidCSRF, 0)
	}
	return nil
}

func (s *Service) renderConsent(w http.ResponseWriter, r *http.Request, view *PromptView) error {
	page := consentPage{
		PromptView:  view,
		ServiceName: s.serviceName,
		Action:      r.URL.Path,
		CSRFToken:   s.csrfToken(view.User, view.ClientID),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	return s.renderer.Render(w, templates.ConsentTemplate, page)
}
