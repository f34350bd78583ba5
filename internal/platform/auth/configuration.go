package auth

import (
	"net/url"
	"strings"

	"github.com/ehr/acquisition/internal/platform/errs"
)

// Type is the authentication scheme a facility's FHIR endpoint expects.
type Type string

const (
	TypeNone   Type = "None"
	TypeBasic  Type = "Basic"
	TypeOAuth2 Type = "OAuth2"
	TypeAPIKey Type = "ApiKey"
)

// DefaultKeyParam is the query parameter an ApiKey credential is sent in when
// the configuration does not name one.
const DefaultKeyParam = "api_key"

var knownTypes = []Type{TypeNone, TypeBasic, TypeOAuth2, TypeAPIKey}

// ParseType resolves an auth type name case-insensitively.
func ParseType(s string) (Type, bool) {
	for _, t := range knownTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, true
		}
	}
	return "", false
}

// Configuration is a facility's authentication configuration. Which fields
// are required depends on AuthType.
type Configuration struct {
	AuthType string `json:"authType"`
	// Key is the API key for ApiKey, or a PEM encoded RSA private key used to
	// sign the client assertion for OAuth2.
	Key      string `json:"key,omitempty"`
	KeyParam string `json:"keyParam,omitempty"`
	TokenURL string `json:"tokenUrl,omitempty"`
	Audience string `json:"audience,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Scope    string `json:"scope,omitempty"`
	UserName string `json:"userName,omitempty"`
	// Password is the Basic password, or the OAuth2 client secret when no
	// private key is configured.
	Password string `json:"password,omitempty"`
}

// Type returns the parsed auth type. A nil configuration means no auth.
func (c *Configuration) Type() Type {
	if c == nil {
		return TypeNone
	}
	t, _ := ParseType(c.AuthType)
	return t
}

// Validate checks the fields required by the auth type. It never touches the
// network.
func (c *Configuration) Validate() error {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(c.AuthType) == "" {
		return errs.Configuration("validate authentication", "authType is required")
	}
	t, ok := ParseType(c.AuthType)
	if !ok {
		return errs.Configuration("validate authentication", "unsupported authType %q", c.AuthType)
	}

	var problems []string
	require := func(value, field string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, field+" is required for "+string(t)+" authentication")
		}
	}

	switch t {
	case TypeBasic:
		require(c.UserName, "userName")
		require(c.Password, "password")
	case TypeOAuth2:
		require(c.TokenURL, "tokenUrl")
		require(c.ClientID, "clientId")
		require(c.Audience, "audience")
		if strings.TrimSpace(c.Key) == "" && strings.TrimSpace(c.Password) == "" {
			problems = append(problems, "key or password is required for OAuth2 authentication")
		}
		if c.TokenURL != "" {
			if u, err := url.Parse(c.TokenURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				problems = append(problems, "tokenUrl must be an absolute http(s) URL")
			}
		}
	case TypeAPIKey:
		require(c.Key, "key")
	}

	if len(problems) > 0 {
		return errs.Configuration("validate authentication", "%s", strings.Join(problems, "; "))
	}
	return nil
}
