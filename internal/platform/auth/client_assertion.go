package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/acquisition/internal/platform/errs"
)

// ClientAssertionType is the client_assertion_type sent with a signed JWT.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// maxAssertionLifetime bounds the exp claim. Backend services token
// endpoints reject assertions that live longer than five minutes.
const maxAssertionLifetime = 5 * time.Minute

// hasPrivateKey reports whether key looks like a PEM encoded private key
// rather than a client secret.
func hasPrivateKey(key string) bool {
	return strings.Contains(key, "-----BEGIN") && strings.Contains(key, "PRIVATE KEY-----")
}

// normalizePEM restores line breaks in keys that were stored with escaped
// newlines.
func normalizePEM(key string) string {
	key = strings.ReplaceAll(key, `\r\n`, "\n")
	key = strings.ReplaceAll(key, `\n`, "\n")
	key = strings.ReplaceAll(key, `\t`, "")
	return strings.TrimSpace(key)
}

// signClientAssertion builds the RS384 JWT a confidential backend client
// presents at the token endpoint. iss and sub are the client id and aud is
// the token URL.
func signClientAssertion(cfg *Configuration, now time.Time, lifetime time.Duration) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(normalizePEM(cfg.Key)))
	if err != nil {
		return "", errs.Configuration("sign client assertion", "key is not a valid RSA private key: %v", err)
	}
	if lifetime <= 0 || lifetime > maxAssertionLifetime {
		lifetime = maxAssertionLifetime
	}

	claims := jwt.MapClaims{
		"iss": cfg.ClientID,
		"sub": cfg.ClientID,
		"aud": cfg.TokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	token.Header["typ"] = "JWT"

	signed, err := token.SignedString(key)
	if err != nil {
		return "", errs.Configuration("sign client assertion", "%v", err)
	}
	return signed, nil
}
