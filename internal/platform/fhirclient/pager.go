package fhirclient

import (
	"context"
	"io"

	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhir"
)

// Pager walks a search result by following next links. It is not safe for
// concurrent use and cannot be restarted once it has returned an error or
// io.EOF.
type Pager struct {
	client   *Client
	endpoint Endpoint
	next     string
	err      error
	seen     map[string]struct{}
	pages    int
	maxPages int
}

// Next returns the next page, or io.EOF after the last one. A continuation
// link seen before, or more than the configured number of pages, is a
// protocol error.
func (p *Pager) Next(ctx context.Context) (*fhir.Bundle, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.next == "" {
		p.err = io.EOF
		return nil, io.EOF
	}

	target, err := resolveURL(p.endpoint.BaseURL, p.next)
	if err != nil {
		p.err = err
		return nil, err
	}
	if _, dup := p.seen[target]; dup {
		p.err = errs.Protocol("fhir page", "continuation link repeated after %d pages: %s", p.pages, target)
		return nil, p.err
	}
	if p.pages >= p.maxPages {
		p.err = errs.Protocol("fhir page", "result exceeded %d pages", p.maxPages)
		return nil, p.err
	}
	p.seen[target] = struct{}{}

	interaction := "search"
	if p.pages > 0 {
		interaction = "page"
	}
	b, err := p.client.fetchBundle(ctx, p.endpoint, interaction, target)
	if err != nil {
		p.err = err
		return nil, err
	}
	p.pages++
	p.next = b.NextLink()
	return b, nil
}

// Pages is the number of pages fetched so far.
func (p *Pager) Pages() int { return p.pages }
