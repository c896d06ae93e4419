// Package agreement caches a user's eligible legal agreements and the
// localized policy documents fetched for them.
package agreement

import (
	"strings"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/model"
)

// Error identifiers.
const (
	ErrIDEligibleNotFound   = "request-failed-eligible-agreement-not-found-error"
	ErrIDContentNotFound    = "request-failed-localized-content-not-found-error"
	ErrIDGetContent         = "request-failed-get-localized-content-error"
	ErrIDQueryEligibilities = "request-failed-query-eligibilities-error"
)

// LocalizedVersion is one locale of a policy version.
type LocalizedVersion struct {
	LocaleCode         string `json:"localeCode"`
	AttachmentLocation string `json:"attachmentLocation"`
	IsDefaultSelection bool   `json:"isDefaultSelection"`
}

// PolicyVersion is one version of a policy.
type PolicyVersion struct {
	IsInEffect              bool               `json:"isInEffect"`
	LocalizedPolicyVersions []LocalizedVersion `json:"localizedPolicyVersions"`
}

// Eligibility is a policy the user is eligible to accept.
type Eligibility struct {
	PolicyID       string          `json:"policyId"`
	PolicyName     string          `json:"policyName"`
	IsAccepted     bool            `json:"isAccepted"`
	BaseURLs       []string        `json:"baseUrls"`
	PolicyVersions []PolicyVersion `json:"policyVersions"`
}

// LocalizedContent is one fetched document.
type LocalizedContent struct {
	Content    string `json:"content"`
	LocaleCode string `json:"locale_code"`
}

// Agreements owns the eligibility and document caches. Cache methods run on
// the designated goroutine.
type Agreements struct {
	env feature.Env

	eligibilities map[string][]Eligibility
	content       map[string][]LocalizedContent
}

// New creates an empty Agreements.
func New(env feature.Env) *Agreements {
	return &Agreements{
		env:           env,
		eligibilities: make(map[string][]Eligibility),
		content:       make(map[string][]LocalizedContent),
	}
}

// SetEligibilities replaces owner's cached eligibilities.
func (a *Agreements) SetEligibilities(owner model.Owner, e []Eligibility) {
	a.eligibilities[owner.Key()] = e
}

// Eligibilities returns owner's cached eligibilities.
func (a *Agreements) Eligibilities(owner model.Owner) ([]Eligibility, bool) {
	e, ok := a.eligibilities[owner.Key()]
	return e, ok
}

// CachedContent returns the most recently fetched document for policyID in
// locale.
func (a *Agreements) CachedContent(policyID, locale string) (string, bool) {
	entries := a.content[policyID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].LocaleCode == locale {
			return entries[i].Content, true
		}
	}
	return "", false
}

// ContentEntries returns every cached document for policyID.
func (a *Agreements) ContentEntries(policyID string) []LocalizedContent {
	return append([]LocalizedContent(nil), a.content[policyID]...)
}

// QueryEligibilities fetches owner's eligible agreements into the cache.
func (a *Agreements) QueryEligibilities(owner model.Owner, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &queryEligibilitiesWork{a: a, owner: owner, done: done})
	return t, a.env.Scheduler.Submit(t)
}

// GetLocalizedPolicyContent resolves the document for policyID in locale.
// A cached document is returned without a backend call unless alwaysRefetch
// is set. The task payload is the document text.
func (a *Agreements) GetLocalizedPolicyContent(owner model.Owner, policyID, locale string, alwaysRefetch bool, done feature.Delegate) (*engine.Task, error) {
	w := &localizedContentWork{
		a:        a,
		owner:    owner,
		policyID: policyID,
		locale:   locale,
		refetch:  alwaysRefetch,
		done:     done,
	}
	t := engine.NewTask(owner, w)
	return t, a.env.Scheduler.Submit(t)
}

// resolveAttachment finds the document location for policyID in locale,
// falling back to the default locale of the version in effect.
func resolveAttachment(eligibilities []Eligibility, policyID, locale string) (baseURL, location string, found bool) {
	for _, e := range eligibilities {
		if e.PolicyID != policyID {
			continue
		}
		if len(e.BaseURLs) > 0 {
			baseURL = e.BaseURLs[0]
		}
		for _, v := range e.PolicyVersions {
			if !v.IsInEffect {
				continue
			}
			var fallback string
			for _, l := range v.LocalizedPolicyVersions {
				if l.LocaleCode == locale {
					return baseURL, l.AttachmentLocation, true
				}
				if l.IsDefaultSelection {
					fallback = l.AttachmentLocation
				}
			}
			if fallback == "" {
				return baseURL, "", false
			}
			return baseURL, fallback, true
		}
		return baseURL, "", false
	}
	return "", "", false
}

type localizedContentWork struct {
	a        *Agreements
	owner    model.Owner
	policyID string
	locale   string
	refetch  bool
	done     feature.Delegate
	fetched  bool
}

func (w *localizedContentWork) Name() string { return "get-localized-policy-content" }

func (w *localizedContentWork) Initialize(t *engine.Task) {
	if content, ok := w.a.CachedContent(w.policyID, w.locale); ok && !w.refetch {
		t.Succeed(content)
		return
	}

	eligibilities, ok := w.a.eligibilities[w.owner.Key()]
	if !ok {
		w.a.env.Logger.Warn("eligible agreements not cached; query them first", "owner", w.owner.Key())
		t.Fail(model.OutcomeRequestFailed, ErrIDEligibleNotFound)
		return
	}

	baseURL, location, found := resolveAttachment(eligibilities, w.policyID, w.locale)
	if !found {
		t.Fail(model.OutcomeRequestFailed, ErrIDContentNotFound)
		return
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	// Only a fetch needs the service; cached documents are served without it.
	caller, err := w.a.env.Registry.Resolve(backend.ServiceAgreement)
	if err != nil {
		w.a.env.Logger.Warn("agreement service unavailable", "owner", w.owner.Key(), "error", err)
		t.Fail(model.OutcomeInvalidState, model.OutcomeInvalidState)
		return
	}

	req := backend.Request{Method: "GET", Path: baseURL + location}
	feature.Call(t, caller, req, feature.FailOn(ErrIDGetContent, func(t *engine.Task, r engine.Result) {
		w.fetched = true
		t.Succeed(string(r.Payload))
	}))
}

func (w *localizedContentWork) Finalize(t *engine.Task) {
	if !t.OK() || !w.fetched {
		return
	}
	content, _ := t.Payload().(string)
	w.a.content[w.policyID] = append(w.a.content[w.policyID], LocalizedContent{Content: content, LocaleCode: w.locale})
}

func (w *localizedContentWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }

type queryEligibilitiesWork struct {
	a      *Agreements
	owner  model.Owner
	done   feature.Delegate
	caller backend.Caller
	result []Eligibility
}

func (w *queryEligibilitiesWork) Name() string { return "query-eligibilities" }

func (w *queryEligibilitiesWork) Validate() error {
	c, err := w.a.env.Registry.Resolve(backend.ServiceAgreement)
	if err != nil {
		return err
	}
	w.caller = c
	return nil
}

func (w *queryEligibilitiesWork) Initialize(t *engine.Task) {
	req := backend.Request{Method: "GET", Path: "/public/eligibilities", Token: w.a.env.Token(w.owner)}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDQueryEligibilities, func(t *engine.Task, r engine.Result) {
		if err := feature.Decode(r, &w.result); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDQueryEligibilities)
			return
		}
		t.Succeed(len(w.result))
	}))
}

func (w *queryEligibilitiesWork) Finalize(t *engine.Task) {
	if t.OK() {
		w.a.SetEligibilities(w.owner, w.result)
	}
}

func (w *queryEligibilitiesWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
