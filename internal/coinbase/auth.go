package coinbase

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	jwtIssuer = "cdp"

	// Clock-skew tolerance on the not-before claim and total token lifetime.
	jwtSkewBuffer = 10 * time.Second
	jwtLifetime   = 2 * time.Minute
)

// credentials holds the CDP API key name and its ES256 private key in PEM
// form. Empty credentials produce an unauthenticated client restricted to
// public endpoints.
type credentials struct {
	apiKey    string
	apiSecret string
}

func (c credentials) authenticated() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

// bearerToken builds a short-lived signed JWT scoped to method + host + path.
// The query string is excluded from the signed URI claim; a random nonce
// header prevents replay.
func (c credentials) bearerToken(method, host, path string, now time.Time) (string, error) {
	// Keys pasted from environment files often carry literal "\n" sequences
	// in place of newlines.
	pem := strings.ReplaceAll(c.apiSecret, `\n`, "\n")

	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return "", &AuthError{Message: "invalid API secret", Err: err}
	}

	nbf := now.Add(-jwtSkewBuffer)
	claims := jwt.MapClaims{
		"sub": c.apiKey,
		"iss": jwtIssuer,
		"nbf": nbf.Unix(),
		"exp": nbf.Add(jwtLifetime).Unix(),
		"uri": method + " " + host + path,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.apiKey
	token.Header["nonce"] = uuid.NewString()

	signed, err := token.SignedString(key)
	if err != nil {
		return "", &AuthError{Message: "failed to sign request token", Err: err}
	}

	return signed, nil
}
