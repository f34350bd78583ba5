// Package fhirclient talks to facility FHIR servers: reads, searches and
// continuation-link paging, with per-facility rate and concurrency limits.
// Failures are classified with the errs taxonomy.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhir"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

const maxResponseBytes = 64 << 20

// ErrNotFound matches responses with status 404 or 410.
var ErrNotFound = errors.New("resource not found")

// Endpoint identifies a facility's FHIR server.
type Endpoint struct {
	FacilityID string
	BaseURL    string
	Auth       *auth.Configuration
	// MaxConcurrent overrides the client default for this facility when > 0.
	MaxConcurrent int
}

// Credentials builds request credentials. *auth.Resolver implements it.
type Credentials interface {
	Build(ctx context.Context, facilityID string, cfg *auth.Configuration) (auth.Credential, error)
	Invalidate(ctx context.Context, facilityID string)
}

// Config tunes the client.
type Config struct {
	Timeout       time.Duration
	MaxPages      int
	RatePerSecond float64
	Burst         int
	MaxConcurrent int
}

// StatusError is a non-2xx response. Outcome is set when the body was an
// OperationOutcome.
type StatusError struct {
	StatusCode int
	URL        string
	Outcome    *fhir.OperationOutcome
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
	if e.Outcome != nil {
		msg += ": " + e.Outcome.Summary()
	}
	return msg
}

// Is makes errors.Is(err, ErrNotFound) true for 404 and 410.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && (e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

// Client performs FHIR interactions. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	creds   Credentials
	cfg     Config
	limits  *limiterSet
	logger  zerolog.Logger
	metrics *telemetry.TelemetryProvider
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTelemetry(tp *telemetry.TelemetryProvider) Option {
	return func(c *Client) { c.metrics = tp }
}

func New(creds Credentials, cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	c := &Client{
		http:   &http.Client{},
		creds:  creds,
		cfg:    cfg,
		limits: newLimiterSet(cfg.RatePerSecond, cfg.Burst, cfg.MaxConcurrent),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read fetches one resource by type and id.
func (c *Client) Read(ctx context.Context, ep Endpoint, resourceType, id string) (json.RawMessage, error) {
	target, err := resolveURL(ep.BaseURL, resourceType+"/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	return c.ReadURL(ctx, ep, target, resourceType)
}

// ReadURL fetches one resource from an absolute or base-relative URL. When
// wantType is non-empty the returned resource must be of that type.
func (c *Client) ReadURL(ctx context.Context, ep Endpoint, target, wantType string) (json.RawMessage, error) {
	const op = "fhir read"
	body, err := c.get(ctx, ep, "read", target)
	if err != nil {
		return nil, err
	}
	hdr, err := fhir.Header(body)
	if err != nil {
		return nil, errs.Protocol(op, "%s: %v", target, err)
	}
	if hdr.ResourceType == "OperationOutcome" {
		oo, _ := fhir.ParseOperationOutcome(body)
		return nil, errs.Protocol(op, "%s returned OperationOutcome: %s", target, oo.Summary())
	}
	if wantType != "" && hdr.ResourceType != wantType {
		return nil, errs.Protocol(op, "%s returned %s, expected %s", target, hdr.ResourceType, wantType)
	}
	return body, nil
}

// Capabilities fetches [base]/metadata.
func (c *Client) Capabilities(ctx context.Context, ep Endpoint) (json.RawMessage, error) {
	target, err := resolveURL(ep.BaseURL, "metadata")
	if err != nil {
		return nil, err
	}
	return c.ReadURL(ctx, ep, target, "CapabilityStatement")
}

// Paginate returns a pager over a type search. No request is made until the
// first call to Next.
func (c *Client) Paginate(ep Endpoint, resourceType string, params url.Values) *Pager {
	target, err := searchURL(ep.BaseURL, resourceType, params)
	return &Pager{
		client:   c,
		endpoint: ep,
		next:     target,
		err:      err,
		seen:     make(map[string]struct{}),
		maxPages: c.cfg.MaxPages,
	}
}

func (c *Client) fetchBundle(ctx context.Context, ep Endpoint, interaction, target string) (*fhir.Bundle, error) {
	body, err := c.get(ctx, ep, interaction, target)
	if err != nil {
		return nil, err
	}
	b, err := fhir.ParseBundle(body)
	if err != nil {
		if oo, ok := fhir.ParseOperationOutcome(body); ok {
			return nil, errs.Protocol("fhir "+interaction, "%s returned OperationOutcome: %s", target, oo.Summary())
		}
		return nil, errs.Protocol("fhir "+interaction, "%s: %v", target, err)
	}
	return b, nil
}

// get performs a GET under the facility limits. A 401 invalidates the
// credential and is retried once.
func (c *Client) get(ctx context.Context, ep Endpoint, interaction, target string) ([]byte, error) {
	op := "fhir " + interaction
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient(op, err)
	}

	release, err := c.limits.acquire(ctx, ep.FacilityID, ep.MaxConcurrent)
	if err != nil {
		return nil, errs.Transient(op, err)
	}
	defer release()

	body, err := c.attempt(ctx, ep, op, interaction, target)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		// The cached token was dropped; one more try with a fresh one.
		body, err = c.attempt(ctx, ep, op, interaction, target)
	}
	return body, err
}

// attempt sends one request with credentials and a timeout, and classifies
// the result.
func (c *Client) attempt(ctx context.Context, ep Endpoint, op, interaction, target string) ([]byte, error) {
	cred, err := c.creds.Build(ctx, ep.FacilityID, ep.Auth)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.Configuration(op, "build request for %s: %v", target, err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if id := telemetry.TraceID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	cred.Apply(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(ep, interaction, "network_error", start)
		// The transport error carries the request URL, query credentials included.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redact(ue.URL, cred)
		}
		return nil, errs.Transient(op, fmt.Errorf("GET %s: %w", redact(target, cred), err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.observe(ep, interaction, "network_error", start)
		return nil, errs.Transient(op, fmt.Errorf("read %s: %w", target, err))
	}
	c.observe(ep, interaction, statusClass(resp.StatusCode), start)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	// Report the URL without credentials that may sit in the query string.
	statusErr := &StatusError{StatusCode: resp.StatusCode, URL: redact(target, cred)}
	if oo, ok := fhir.ParseOperationOutcome(body); ok {
		statusErr.Outcome = oo
	}
	c.logger.Debug().
		Str("facility_id", ep.FacilityID).
		Str("url", statusErr.URL).
		Int("status", resp.StatusCode).
		Msg("fhir request failed")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.creds.Invalidate(ctx, ep.FacilityID)
		return nil, errs.New(errs.KindTransient, op, statusErr)
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, errs.New(errs.KindTransient, op, statusErr)
	default:
		return nil, errs.New(errs.KindProtocol, op, statusErr)
	}
}

func (c *Client) observe(ep Endpoint, interaction, outcome string, start time.Time) {
	c.metrics.ObserveFHIRRequest(ep.FacilityID, interaction, outcome, time.Since(start))
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

func searchURL(base, resourceType string, params url.Values) (string, error) {
	target, err := resolveURL(base, resourceType)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return target, nil
}

// resolveURL joins ref onto base. Absolute refs are returned unchanged.
func resolveURL(base, ref string) (string, error) {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return "", errs.Configuration("resolve url", "invalid FHIR base URL %q", base)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/"), nil
}

func redact(target string, cred auth.Credential) string {
	if cred.Kind != auth.CredentialQueryParam {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has(cred.Name) {
		q.Set(cred.Name, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
