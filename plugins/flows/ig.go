package flows

import (
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/internal/security"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/flowstate"
)

// StartIG begins an implicit grant that re-asserts the browser's subject and
// redirects to the authorization server. The server returns to the page
// itself.
func (o *Orchestrator) StartIG(w http.ResponseWriter, r *http.Request, opts PageOptions) error {
	mustHave(w, r)
	mustHavePage(opts)
	ctx := r.Context()

	subject := o.subjectCookie(r)
	if subject == "" {
		return errors.Mark(ErrNoSubject, 0)
	}
	reg, err := o.client.Current()
	if err != nil {
		return err
	}

	token := uuid.NewString()
	redirectURI := o.BaseURL() + opts.PageURI
	err = o.tracker.Begin(ctx, w, r, flowstate.IG, token, flowstate.FlowState{
		Scope:       subject,
		RedirectURI: redirectURI,
		PageURI:     opts.PageURI,
	})
	if err != nil {
		return err
	}

	dest := o.oauthConfig(reg, redirectURI, subject).AuthCodeURL(token,
		oauth2.SetAuthURLParam("response_type", "token"))
	logging.Debugw(ctx, "flows: IG started", "client", reg.Client.ClientID)
	http.Redirect(w, r, dest, http.StatusFound)
	return nil
}

// FinishIG completes an implicit grant once the page reloads with the `igf`
// cookie. The flow is forgotten either way. On success the subject's session
// is returned with a challenge the page can use to prove it belongs to the
// flow; on failure only ErrorText is.
func (o *Orchestrator) FinishIG(w http.ResponseWriter, r *http.Request) *IGResult {
	mustHave(w, r)
	ctx := r.Context()

	token := o.tracker.CookieToken(r, flowstate.IG)
	fs, found, err := o.tracker.Lookup(ctx, token)
	if endErr := o.tracker.End(ctx, w, flowstate.IG, token); endErr != nil {
		logging.Warnw(ctx, "flows: failed to forget IG flow", "error", endErr)
	}
	if err == nil && (!found || fs.Kind != flowstate.IG) {
		err = errors.NewK("flows: no IG flow in progress", errors.CSRF)
	}

	if err == nil {
		var res *IGResult
		if res, err = o.finishIG(r, fs); err == nil {
			logging.Debugw(ctx, "flows: IG finished")
			return res
		}
	}
	logging.Errorw(ctx, "flows: IG failed", "error", err, "kind", errors.KindOf(err))
	return &IGResult{Error: ErrorText}
}

func (o *Orchestrator) finishIG(r *http.Request, fs flowstate.FlowState) (*IGResult, error) {
	reg, err := o.client.Current()
	if err != nil {
		return nil, err
	}
	subject, err := security.DecodeSubject(o.subjectCookie(r))
	if err != nil {
		return nil, err
	}
	sess, err := o.subjects.Retrieve(r.Context(), subject)
	if err != nil {
		return nil, err
	}
	return &IGResult{
		Session:   &sess,
		Challenge: security.HMAC(fs.StateToken, reg.Client.Salt),
	}, nil
}

// RunIG starts an implicit grant when the browser has none in flight and
// finishes it otherwise. A nil result means the browser was redirected.
func (o *Orchestrator) RunIG(w http.ResponseWriter, r *http.Request, opts PageOptions) (*IGResult, error) {
	mustHave(w, r)
	mustHavePage(opts)

	if o.tracker.CookieToken(r, flowstate.IG) == "" {
		return nil, o.StartIG(w, r, opts)
	}
	return o.FinishIG(w, r), nil
}
