package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/mailbox"
)

var signinLinkPattern = regexp.MustCompile(config.SigninLinkPattern)

// SignIn turns an anonymous identity into a provisioned account: it
// triggers the provider's email sign-in flow against the mailbox address,
// waits for the verification message, follows the callback link, assigns
// the starting credit allotment, and re-opens the channel under the new
// cookies. Each step failure is typed; the pool's provisioning loop owns
// retries.
func (i *Identity) SignIn(ctx context.Context, mbox *mailbox.Client) error {
	csrf, err := i.csrfToken()
	if err != nil {
		return err
	}

	form := url.Values{
		"email":       {mbox.Email()},
		"csrfToken":   {csrf},
		"callbackUrl": {i.cfg.BaseURL + "/"},
		"json":        {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.BaseURL+config.PathAuthSignin, strings.NewReader(form.Encode()))
	if err != nil {
		return &apierr.ProvisionError{Step: "sign-in request", Err: err}
	}
	i.applyHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.http.Do(req)
	if err != nil {
		return &apierr.ProvisionError{Step: "sign-in", Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apierr.ProvisionError{
			Step: "sign-in",
			Err:  &apierr.AuthError{Op: "email sign-in", Detail: fmt.Sprintf("status %d", resp.StatusCode)},
		}
	}

	msg, err := mbox.Wait(ctx, func(m mailbox.Message) bool {
		return m.Subject == config.SigninMailSubject
	}, i.cfg.MailTimeout, i.cfg.MailPollInterval)
	if err != nil {
		return &apierr.ProvisionError{Step: "verification mail", Err: err}
	}

	body, err := mbox.Open(ctx, msg.MessageID)
	if err != nil {
		return &apierr.ProvisionError{Step: "open verification mail", Err: err}
	}

	match := signinLinkPattern.FindStringSubmatch(body)
	if match == nil {
		return &apierr.ProvisionError{
			Step: "verification link",
			Err:  &apierr.ParsingError{What: "no sign-in link in verification mail"},
		}
	}

	linkReq, err := http.NewRequestWithContext(ctx, http.MethodGet, match[1], nil)
	if err != nil {
		return &apierr.ProvisionError{Step: "callback request", Err: err}
	}
	i.applyHeaders(linkReq)

	linkResp, err := i.http.Do(linkReq)
	if err != nil {
		return &apierr.ProvisionError{Step: "callback", Err: err}
	}
	linkResp.Body.Close()
	if linkResp.StatusCode < 200 || linkResp.StatusCode > 299 {
		return &apierr.ProvisionError{
			Step: "callback",
			Err:  &apierr.AuthError{Op: "sign-in callback", Detail: fmt.Sprintf("status %d", linkResp.StatusCode)},
		}
	}

	i.email = mbox.Email()
	i.own = true
	i.gov.SetAllotment(config.StartingPremiumCredits, config.StartingUploadCredits)

	// The cookie jar changed; the old channel is bound to the anonymous
	// session and must be replaced.
	if i.cfg.AskTransport == config.TransportChannel {
		if err := i.openChannel(ctx); err != nil {
			return &apierr.ProvisionError{Step: "channel reopen", Err: err}
		}
	}

	i.logger.Info("account provisioned", "email", i.email)
	return nil
}

// csrfToken extracts the csrf value from the session cookie. The provider
// stores it URL-encoded with a trailing signature after the percent sign.
func (i *Identity) csrfToken() (string, error) {
	for _, c := range i.http.Jar.Cookies(i.baseURL) {
		if c.Name == "next-auth.csrf-token" {
			return strings.SplitN(c.Value, "%", 2)[0], nil
		}
	}
	return "", &apierr.ProvisionError{
		Step: "csrf token",
		Err:  &apierr.AuthError{Op: "sign-in", Detail: "session has no csrf cookie"},
	}
}
