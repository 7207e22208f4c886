// Package formsubmit drives the hidden-input continuation forms that
// gateway pages use instead of plain links. The typical shape is a form
// with a visible "Continue" or "Generate Link" button and a handful of
// hidden token inputs that must be echoed back.
package formsubmit

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/resolvarr/resolvarr/internal/cookiejar"
	"github.com/resolvarr/resolvarr/internal/fetch"
	"github.com/resolvarr/resolvarr/internal/hostrules"
)

// Submitter finds and submits continuation forms.
type Submitter struct {
	client *fetch.Client
	rules  *hostrules.Manager
}

// New creates a form submitter backed by the given hop client.
func New(client *fetch.Client, rules *hostrules.Manager) *Submitter {
	return &Submitter{client: client, rules: rules}
}

// form is a parsed continuation form ready to submit.
type form struct {
	action string
	method string
	fields url.Values
}

// Submit looks for a continuation form in pageHTML and, if one is found,
// submits it with the accumulated cookie state. The returned response is
// the page the form led to. A nil response with a nil error means the
// page had no usable form; form-less pages are routine, not failures.
func (s *Submitter) Submit(ctx context.Context, jar *cookiejar.Jar, pageHTML, pageURL string) (*fetch.Response, error) {
	f := s.find(pageHTML, pageURL)
	if f == nil {
		return nil, nil
	}

	req := fetch.Request{
		Method:  f.method,
		URL:     f.action,
		Referer: pageURL,
	}
	if f.method == http.MethodPost {
		req.Form = f.fields
	} else if len(f.fields) > 0 {
		u, err := url.Parse(f.action)
		if err != nil {
			return nil, nil
		}
		q := u.Query()
		for k, vs := range f.fields {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		req.URL = u.String()
	}

	log.Debug().
		Str("action", f.action).
		Str("method", f.method).
		Int("fields", len(f.fields)).
		Msg("Submitting continuation form")

	resp, err := s.client.Do(ctx, jar, req)
	if err != nil {
		// Form submission is opportunistic; the caller falls back to
		// link extraction on the original page.
		log.Debug().Err(err).Str("action", f.action).Msg("Form submission failed")
		return nil, nil
	}
	return resp, nil
}

// find returns the first form whose visible text matches an action word,
// or a form with no text at all (pure hidden-input relay forms).
func (s *Submitter) find(pageHTML, pageURL string) *form {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	rules := s.rules.Current()

	var found *form
	doc.Find("form").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text != "" && !rules.MatchesActionWord(text) {
			// Also accept forms whose submit button value matches.
			if !submitValueMatches(sel, rules) {
				return true
			}
		}
		found = parseForm(sel, base)
		return found == nil
	})
	return found
}

func submitValueMatches(sel *goquery.Selection, rules *hostrules.Rules) bool {
	matched := false
	sel.Find(`input[type="submit"], button`).Each(func(_ int, b *goquery.Selection) {
		if v, ok := b.Attr("value"); ok && rules.MatchesActionWord(v) {
			matched = true
		}
	})
	return matched
}

func parseForm(sel *goquery.Selection, base *url.URL) *form {
	f := &form{
		method: http.MethodGet,
		fields: url.Values{},
	}

	if m, ok := sel.Attr("method"); ok && strings.EqualFold(strings.TrimSpace(m), "post") {
		f.method = http.MethodPost
	}

	action, _ := sel.Attr("action")
	action = strings.TrimSpace(action)
	if action == "" {
		// Self-submitting form.
		f.action = base.String()
	} else {
		ref, err := url.Parse(action)
		if err != nil {
			return nil
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return nil
		}
		f.action = resolved.String()
	}

	sel.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		typ, _ := in.Attr("type")
		switch strings.ToLower(typ) {
		case "submit", "button", "reset", "file", "image":
			return
		}
		value, _ := in.Attr("value")
		f.fields.Add(name, value)
	})

	sel.Find("select").Each(func(_ int, se *goquery.Selection) {
		name, ok := se.Attr("name")
		if !ok || name == "" {
			return
		}
		opt := se.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = se.Find("option").First()
		}
		if v, ok := opt.Attr("value"); ok {
			f.fields.Add(name, v)
		}
	})

	return f
}
