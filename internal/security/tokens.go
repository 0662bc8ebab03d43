package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token value is malformed, forged, or expired.
var ErrInvalidToken = errors.New("invalid token")

const (
	FormatOpaque = "opaque"
	FormatJWT    = "jwt"
)

// TokenClaims describes the token being minted. Session IDs are deliberately absent
// so a token value never reveals the session it is bound to.
type TokenClaims struct {
	TokenID   string
	TenantID  string
	Subject   string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer mints token values and performs a stateless sanity check on presented values.
// Stores still own validity: a value passing Verify is only a candidate for lookup.
type TokenIssuer interface {
	Issue(c TokenClaims) (string, error)
	Verify(value string) error
	Format() string
}

const (
	opaquePrefix = "st_"
	opaqueBytes  = 32
)

// OpaqueIssuer mints random bearer values with no embedded structure.
type OpaqueIssuer struct{}

// NewOpaqueIssuer returns an issuer of 256-bit random values.
func NewOpaqueIssuer() OpaqueIssuer { return OpaqueIssuer{} }

func (OpaqueIssuer) Format() string { return FormatOpaque }

// Issue ignores the claims and returns a fresh random value.
func (OpaqueIssuer) Issue(TokenClaims) (string, error) {
	b := make([]byte, opaqueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return opaquePrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Verify checks only the shape of value.
func (OpaqueIssuer) Verify(value string) error {
	raw, ok := strings.CutPrefix(value, opaquePrefix)
	if !ok {
		return ErrInvalidToken
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(b) != opaqueBytes {
		return ErrInvalidToken
	}
	return nil
}

// SessionClaims are the JWT claims carried by a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tenant_id"`
	TokenType string `json:"token_type"`
}

// JWTIssuer signs session tokens with RS256 or ES256 so holders can be checked without a store round trip.
type JWTIssuer struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	now        func() time.Time
}

// NewJWTIssuer returns a JWTIssuer that signs with privateKey and verifies with publicKey.
func NewJWTIssuer(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string) *JWTIssuer {
	return &JWTIssuer{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
}

func (p *JWTIssuer) Format() string { return FormatJWT }

// Issue signs c. The token id becomes the jti so the value is unique per mint.
func (p *JWTIssuer) Issue(c TokenClaims) (string, error) {
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = p.now().UTC()
	}
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.TokenID,
			Subject:   c.Subject,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		TenantID:  c.TenantID,
		TokenType: c.TokenType,
	}
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	return jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
}

// Verify checks signature, expiry, issuer and audience.
func (p *JWTIssuer) Verify(value string) error {
	_, err := p.Parse(value)
	return err
}

// Parse verifies value and returns its claims.
func (p *JWTIssuer) Parse(value string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
