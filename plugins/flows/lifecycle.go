package flows

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/registration"
	"github.com/vlevchine/InGear/plugins/session"
)

const maxReplySize = 1 << 20

var errRefresh = map[string]string{"error": "Internal server error."}

// Refresh trades the subject's refresh token for new tokens and relays the
// server's reply to the browser unchanged. The stored session is replaced
// when the reply carries a new refresh token. Any failure before the server
// answers is a bare 500.
func (o *Orchestrator) Refresh(w http.ResponseWriter, r *http.Request) {
	mustHave(w, r)
	ctx := r.Context()

	body, err := o.refresh(ctx, o.subjectCookie(r))
	if err != nil {
		logging.Errorw(ctx, "flows: refresh failed", "error", err, "kind", errors.KindOf(err))
		ingear.WriteJSON(w, http.StatusInternalServerError, errRefresh)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (o *Orchestrator) refresh(ctx context.Context, encoded string) ([]byte, error) {
	reg, err := o.client.Current()
	if err != nil {
		return nil, err
	}
	subject, err := security.DecodeSubject(encoded)
	if err != nil {
		return nil, err
	}
	sess, err := o.subjects.Retrieve(ctx, subject)
	if err != nil {
		return nil, errors.WrapPrefix(err, "flows: no session for subject "+subject, 0)
	}

	body, err := o.post(ctx, reg, reg.AS.Endpoints.RefreshToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
		"scope":         {encoded},
	})
	if err != nil {
		return nil, err
	}

	var reply struct {
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if json.Unmarshal(body, &reply) == nil && reply.RefreshToken != "" && reply.ExpiresIn > 0 {
		lifetime := time.Duration(reply.ExpiresIn) * time.Second
		sess.RefreshToken = reply.RefreshToken
		sess.ExpiresAt = o.now().Add(lifetime)
		// The server has already rotated the refresh token, so its reply is
		// relayed even when the session cannot be stored. The browser then
		// has to sign in again once the access token lapses.
		if err := o.subjects.Save(ctx, subject, sess, lifetime); err != nil {
			logging.Errorw(ctx, "flows: refreshed tokens could not be stored", "error", err, "subject", subject)
		}
	}
	return body, nil
}

// Logout asks the server to revoke the subject's session, then forgets it
// locally. When the server cannot be reached or refuses, the local session
// and cookie are kept so the user can retry.
func (o *Orchestrator) Logout(w http.ResponseWriter, r *http.Request) {
	mustHave(w, r)
	ctx := r.Context()
	dest := o.BaseURL()
	encoded := o.subjectCookie(r)

	reg, err := o.client.Current()
	if err != nil {
		o.fail(w, r, dest, err)
		return
	}
	_, err = o.post(ctx, reg, reg.AS.Endpoints.ClearSession, url.Values{
		"grant_type": {"revoke"},
		"state":      {r.PostFormValue("logout_state")},
		"client_id":  {reg.Client.ClientID},
		"subject":    {encoded},
	})
	if err != nil {
		o.fail(w, r, dest, err)
		return
	}

	if subject, err := security.DecodeSubject(encoded); err == nil {
		if err := o.subjects.Delete(ctx, subject); err != nil && !errors.Is(err, session.ErrNotFound) {
			logging.Errorw(ctx, "flows: failed to delete session on logout", "error", err)
		}
	}
	o.clearCookie(w, SubjectCookie)
	logging.Debugw(ctx, "flows: logged out")
	http.Redirect(w, r, dest, http.StatusFound)
}

// OnLogout handles the server telling this application that a subject logged
// out elsewhere. The server authenticates with the client's tokenizer as a
// bearer token. The subject's session is deleted if there is one.
func (o *Orchestrator) OnLogout(w http.ResponseWriter, r *http.Request) {
	mustHave(w, r)
	ctx := r.Context()

	reg, err := o.client.Current()
	if err != nil {
		ingear.WriteError(w, r, err)
		return
	}
	presented := session.BearerToken(r)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(reg.Client.Tokenizer)) != 1 {
		ingear.WriteErrorCode(w, r, http.StatusUnauthorized, "invalid_client",
			errors.NewK("flows: logout notification not from authorization server", errors.CSRF))
		return
	}

	subject, err := security.DecodeSubject(r.PostFormValue("subject"))
	if err != nil {
		ingear.WriteError(w, r, err)
		return
	}
	if err := o.subjects.Delete(ctx, subject); err != nil && !errors.Is(err, session.ErrNotFound) {
		ingear.WriteError(w, r, err)
		return
	}
	logging.Infow(ctx, "flows: subject logged out by authorization server", "subject", subject)
	w.WriteHeader(http.StatusNoContent)
}

// OnError records an error the server redirected with and sends the browser
// home.
func (o *Orchestrator) OnError(w http.ResponseWriter, r *http.Request) {
	mustHave(w, r)
	reported := r.URL.Query().Get("error")
	logging.Errorw(r.Context(), "flows: authorization server reported an error", "error", reported)
	if reported == "" {
		reported = ErrorText
	}
	o.setError(w, reported)
	http.Redirect(w, r, o.BaseURL(), http.StatusFound)
}

// post sends an authenticated form to the server and returns the reply body.
// Non-2xx replies and replies with an "error" member are failures.
func (o *Orchestrator) post(ctx context.Context, reg registration.Registration, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.AS.URL(endpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", security.BasicAuth(reg.Client.ClientID, reg.Client.ClientSecret))

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapPrefix(err, "flows: authorization server unreachable", 0).WithKind(errors.Upstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, errors.WrapPrefix(err, "flows: reading reply", 0).WithKind(errors.Upstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Kindf(errors.Upstream, "flows: %s responded %d", endpoint, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, errors.Kindf(errors.Upstream, "flows: %s sent an empty reply", endpoint)
	}
	var reply struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &reply) == nil && reply.Error != "" {
		return nil, errors.Kindf(errors.Upstream, "flows: %s reported %q", endpoint, reply.Error)
	}
	return body, nil
}
