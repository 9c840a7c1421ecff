package flows

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/flowstate"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/session"
)

// StartACG begins an authorization code grant for the page and redirects the
// browser to the authorization server. Nothing is written when an error is
// returned.
func (o *Orchestrator) StartACG(w http.ResponseWriter, r *http.Request, opts PageOptions) error {
	mustHave(w, r)
	mustHavePage(opts)
	ctx := r.Context()

	reg, err := o.client.Current()
	if err != nil {
		return err
	}

	token := uuid.NewString()
	scope := o.client.Info().Scope()
	redirectURI := o.CallbackURL()
	err = o.tracker.Begin(ctx, w, r, flowstate.ACG, token, flowstate.FlowState{
		Scope:       scope,
		RedirectURI: redirectURI,
		PageURI:     opts.PageURI,
	})
	if err != nil {
		return err
	}

	dest := o.oauthConfig(reg, redirectURI, scope).AuthCodeURL(token)
	logging.Debugw(ctx, "flows: ACG started, code requested", "client", reg.Client.ClientID)
	http.Redirect(w, r, dest, http.StatusFound)
	return nil
}

// ExchangeACG handles the authorization server's callback. The browser's flow
// is forgotten before anything else happens, so a state token can only ever
// be presented once. A callback that reports an error, has no live flow, or
// carries the wrong state is refused without contacting the server.
func (o *Orchestrator) ExchangeACG(w http.ResponseWriter, r *http.Request) {
	mustHave(w, r)
	ctx := r.Context()
	q := r.URL.Query()

	token := o.tracker.CookieToken(r, flowstate.ACG)
	fs, found, lookupErr := o.tracker.Lookup(ctx, token)
	if err := o.tracker.End(ctx, w, flowstate.ACG, token); err != nil {
		logging.Warnw(ctx, "flows: failed to forget ACG flow", "error", err)
	}

	dest := o.BaseURL()
	if found {
		dest += fs.PageURI
	}

	reg, err := o.client.Current()
	switch {
	case err != nil:
	case lookupErr != nil:
		err = errors.WrapPrefix(lookupErr, "flows: ACG flow lookup failed", 0)
	case q.Get("error") != "":
		err = errors.Kindf(errors.Upstream, "flows: authorization server reported %q", q.Get("error"))
	case !found || fs.Kind != flowstate.ACG:
		err = errors.NewK("flows: no ACG flow in progress", errors.CSRF)
	case !security.VerifyHMAC(token, reg.Client.Salt, q.Get("state")):
		err = errors.Mark(ErrStateMismatch, 0)
	default:
		err = o.exchange(ctx, w, reg, fs, q.Get("code"))
	}
	if err != nil {
		o.fail(w, r, dest, err)
		return
	}

	logging.Debugw(ctx, "flows: ACG code exchanged, returning to page", "page", fs.PageURI)
	http.Redirect(w, r, dest, http.StatusFound)
}

func (o *Orchestrator) exchange(ctx context.Context, w http.ResponseWriter, reg registration.Registration, fs flowstate.FlowState, code string) error {
	if code == "" {
		return errors.NewK("flows: callback has no code", errors.Validation)
	}

	tok, err := o.oauthConfig(reg, fs.RedirectURI, fs.Scope).Exchange(o.oauthContext(ctx), code,
		oauth2.SetAuthURLParam("client_id", reg.Client.ClientID))
	if err != nil {
		return errors.WrapPrefix(err, "flows: code exchange failed", 0).WithKind(errors.Upstream)
	}

	// The id token comes straight from the server over a back channel, so its
	// signature is not checked.
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return errors.NewK("flows: token response has no id_token", errors.Upstream)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return errors.WrapPrefix(err, "flows: malformed id_token", 0).WithKind(errors.Upstream)
	}
	encoded, err := claims.GetSubject()
	if err != nil || encoded == "" {
		return errors.NewK("flows: id_token has no subject", errors.Upstream)
	}
	subject, err := security.DecodeSubject(encoded)
	if err != nil {
		return err
	}

	lifetime := tokenLifetime(tok, o.now())
	if lifetime <= 0 {
		return errors.NewK("flows: token response has no lifetime", errors.Upstream)
	}
	sess := session.RPSession{
		Claims:       map[string]any(claims),
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    o.now().Add(lifetime),
	}
	if err := o.subjects.Save(ctx, subject, sess, lifetime); err != nil {
		return err
	}
	o.setSubjectCookie(w, encoded, lifetime)
	return nil
}

// RunACG is what a login page calls on every load. The subject cookie is
// always dropped. Without a live ACG flow a new one is started and nil is
// returned with the browser already redirected. Otherwise the page renders
// with the returned state.
func (o *Orchestrator) RunACG(w http.ResponseWriter, r *http.Request, opts PageOptions) (*PageState, error) {
	mustHave(w, r)
	mustHavePage(opts)

	o.clearCookie(w, SubjectCookie)
	if !o.tracker.IsActive(r.Context(), w, r, flowstate.ACG) {
		return nil, o.StartACG(w, r, opts)
	}

	reg, err := o.client.Current()
	if err != nil {
		return nil, err
	}
	return &PageState{
		Error:     o.ConsumeError(w, r),
		Challenge: security.HMAC(o.tracker.CookieToken(r, flowstate.ACG), reg.Client.Salt),
	}, nil
}

func tokenLifetime(tok *oauth2.Token, now time.Time) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now).Round(time.Second)
	}
	return 0
}
