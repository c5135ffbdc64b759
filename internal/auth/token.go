package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "coursegate"
	defaultTokenTTL = time.Hour
	clockSkew       = 5 * time.Second
)

var errMissingSecret = errors.New("auth: token secret is not configured")

// TokenClaims is the identity token payload: the custom claims plus identity
// fields and registered JWT claims.
type TokenClaims struct {
	CustomClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies identity tokens carrying custom claims.
// RS256 keys take precedence over the HS256 secret for signing; both are
// accepted on verification.
type TokenIssuer struct {
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer) error

// WithTokenIssuer overrides the issuer claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(t *TokenIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.ttl = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenIssuer) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying tokens.
func WithRS256Keys(privatePEM, publicPEM string) TokenOption {
	return func(t *TokenIssuer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" && publicPEM == "" {
			return nil
		}
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		t.privateKey = priv
		t.publicKey = pub
		return nil
	}
}

// WithKeyID sets the key identifier embedded into token headers.
func WithKeyID(kid string) TokenOption {
	return func(t *TokenIssuer) error {
		t.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// NewTokenIssuer builds an issuer from an HS256 secret, RS256 keys, or both.
func NewTokenIssuer(secret string, opts ...TokenOption) (*TokenIssuer, error) {
	t := &TokenIssuer{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: defaultIssuer,
		ttl:    defaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if len(t.secret) == 0 && t.privateKey == nil {
		return nil, errMissingSecret
	}
	return t, nil
}

// Issue signs a token for identity embedding its current claims.
func (t *TokenIssuer) Issue(identity *Identity) (string, time.Time, error) {
	if identity == nil || strings.TrimSpace(identity.UID) == "" {
		return "", time.Time{}, errors.New("auth: identity uid is required")
	}
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	claims := TokenClaims{
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   identity.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	if identity.Claims != nil {
		claims.CustomClaims = identity.Claims.Clone()
	}

	var (
		signed string
		err    error
	)
	if t.privateKey != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if t.keyID != "" {
			token.Header["kid"] = t.keyID
		}
		signed, err = token.SignedString(t.privateKey)
	} else {
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks the token signature and registered claims and returns the
// identity it carries.
func (t *TokenIssuer) Verify(token string) (*CallAuth, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, t.keyFunc,
		jwt.WithValidMethods(t.methods()),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	out := &CallAuth{UID: claims.Subject}
	if claims.Role != "" {
		custom := claims.CustomClaims.Clone()
		out.Claims = &custom
	}
	return out, nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case jwt.SigningMethodRS256.Alg():
		if t.publicKey == nil {
			return nil, ErrInvalidToken
		}
		return t.publicKey, nil
	case jwt.SigningMethodHS256.Alg():
		if len(t.secret) == 0 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	default:
		return nil, ErrInvalidToken
	}
}

func (t *TokenIssuer) methods() []string {
	var out []string
	if t.publicKey != nil {
		out = append(out, jwt.SigningMethodRS256.Alg())
	}
	if len(t.secret) > 0 {
		out = append(out, jwt.SigningMethodHS256.Alg())
	}
	return out
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
