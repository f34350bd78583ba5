package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/acquisition/internal/platform/errs"
)

const (
	defaultRefreshSkew  = 60 * time.Second
	defaultTokenTTL     = 5 * time.Minute
	assertionLifetime   = 4 * time.Minute
	maxTokenResponseLen = 1 << 20
)

// Resolver turns a facility's auth configuration into a request credential.
// OAuth2 tokens are cached per facility and refreshed shortly before they
// expire; concurrent refreshes for one facility share a single token request.
type Resolver struct {
	httpClient  *http.Client
	cache       TokenCache
	group       singleflight.Group
	now         func() time.Time
	refreshSkew time.Duration
	logger      zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

func WithTokenCache(c TokenCache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithRefreshSkew sets how long before expiry a cached token is replaced.
func WithRefreshSkew(d time.Duration) Option {
	return func(r *Resolver) { r.refreshSkew = d }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		cache:       NewMemoryTokenCache(),
		now:         time.Now,
		refreshSkew: defaultRefreshSkew,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build validates cfg and returns the credential for facilityID. Missing
// fields are reported as a configuration error before any network call.
func (r *Resolver) Build(ctx context.Context, facilityID string, cfg *Configuration) (Credential, error) {
	if err := cfg.Validate(); err != nil {
		return Credential{}, err
	}

	switch cfg.Type() {
	case TypeBasic:
		raw := cfg.UserName + ":" + cfg.Password
		return Credential{
			Kind:  CredentialHeader,
			Name:  "Authorization",
			Value: "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)),
		}, nil
	case TypeAPIKey:
		param := cfg.KeyParam
		if param == "" {
			param = DefaultKeyParam
		}
		return Credential{Kind: CredentialQueryParam, Name: param, Value: cfg.Key}, nil
	case TypeOAuth2:
		token, err := r.accessToken(ctx, facilityID, cfg)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Kind: CredentialHeader, Name: "Authorization", Value: "Bearer " + token}, nil
	}
	return Credential{}, nil
}

// Invalidate drops the cached token for a facility so the next Build fetches
// a new one. Called when the FHIR server answers 401.
func (r *Resolver) Invalidate(ctx context.Context, facilityID string) {
	if err := r.cache.Delete(ctx, facilityID); err != nil {
		r.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("failed to drop cached token")
	}
}

func (r *Resolver) accessToken(ctx context.Context, facilityID string, cfg *Configuration) (string, error) {
	if tok, ok := r.cached(ctx, facilityID); ok {
		return tok, nil
	}

	v, err, _ := r.group.Do(facilityID, func() (interface{}, error) {
		// Another caller may have refreshed while this one waited.
		if tok, ok := r.cached(ctx, facilityID); ok {
			return tok, nil
		}
		token, err := r.requestToken(ctx, cfg)
		if err != nil {
			return "", err
		}
		if err := r.cache.Set(ctx, facilityID, token); err != nil {
			r.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("failed to cache access token")
		}
		r.logger.Debug().
			Str("facility_id", facilityID).
			Time("expires_at", token.ExpiresAt).
			Msg("obtained access token")
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) cached(ctx context.Context, facilityID string) (string, bool) {
	tok, ok, err := r.cache.Get(ctx, facilityID)
	if err != nil {
		r.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("token cache read failed")
		return "", false
	}
	if !ok || tok.AccessToken == "" {
		return "", false
	}
	if !r.now().Add(r.refreshSkew).Before(tok.ExpiresAt) {
		return "", false
	}
	return tok.AccessToken, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// requestToken performs the client credentials grant. A PEM key in cfg.Key
// is used to sign a client assertion; otherwise cfg.Password is sent as the
// client secret.
func (r *Resolver) requestToken(ctx context.Context, cfg *Configuration) (Token, error) {
	const op = "request access token"
	now := r.now()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}
	if cfg.Audience != "" {
		form.Set("audience", cfg.Audience)
	}
	if hasPrivateKey(cfg.Key) {
		assertion, err := signClientAssertion(cfg, now, assertionLifetime)
		if err != nil {
			return Token{}, err
		}
		form.Set("client_assertion_type", ClientAssertionType)
		form.Set("client_assertion", assertion)
	} else {
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.Password)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errs.Configuration(op, "build token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Token{}, errs.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseLen))
	if err != nil {
		return Token{}, errs.Transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Token{}, errs.Transient(op, fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return Token{}, errs.Configuration(op, "token endpoint rejected client %q: %d %s",
			cfg.ClientID, resp.StatusCode, truncate(string(body), 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, errs.Protocol(op, "decode token response: %v", err)
	}
	// Some servers pad the token with whitespace or quotes.
	access := strings.Trim(strings.TrimSpace(tr.AccessToken), `"`)
	if access == "" {
		return Token{}, errs.Protocol(op, "token response has no access_token")
	}

	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return Token{AccessToken: access, ExpiresAt: now.Add(ttl)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
