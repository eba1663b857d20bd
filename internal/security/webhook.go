package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a webhook token is malformed, expired, or signed by someone else.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSecret is returned when the verifier has no signing key configured.
	ErrNoSecret = errors.New("webhook secret not configured")
)

// WebhookClaims are the claims IdP actions put on the tokens that call the inbound webhooks.
type WebhookClaims struct {
	jwt.RegisteredClaims
	// Action names the IdP action that fired, e.g. "register" or "login".
	Action string `json:"action,omitempty"`
}

// WebhookVerifier issues and validates HS256 webhook tokens for a single issuer.
type WebhookVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewWebhookVerifier returns a verifier that accepts tokens signed with secret whose iss equals issuer.
// An empty issuer disables the issuer check.
func NewWebhookVerifier(secret, issuer string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses tokenString and checks signature, expiry, and issuer.
func (v *WebhookVerifier) Verify(tokenString string) (*WebhookClaims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &WebhookClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*WebhookClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for action valid for ttl. Used by tests and local tooling to call the webhooks.
func (v *WebhookVerifier) Issue(action string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	now := v.now().UTC()
	claims := WebhookClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Action: action,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
