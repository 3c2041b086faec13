// Package auth verifies the bearer tokens presented by gateway clients.
package auth

import (
	"context"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"chatbridge/internal/config"
	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

// Claim names and the access token type
const (
	ClaimType        = "type"
	ClaimSubject     = "sub"
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Verifier turns access tokens into active users. The token subject is the username.
type Verifier struct {
	users  interfaces.UsernameLookup
	method string
	key    interface{}
}

// NewHMACVerifier verifies HS256 tokens signed with secret
func NewHMACVerifier(secret []byte, users interfaces.UsernameLookup) *Verifier {
	return &Verifier{users: users, method: jwt.SigningMethodHS256.Alg(), key: secret}
}

// NewRSAVerifier verifies RS256 tokens with a PEM encoded public key
func NewRSAVerifier(publicKeyPEM []byte, users interfaces.UsernameLookup) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse RSA public key")
	}
	return &Verifier{users: users, method: jwt.SigningMethodRS256.Alg(), key: key}, nil
}

// NewVerifier builds the verifier selected by the auth configuration
func NewVerifier(cfg *config.AuthConfig, users interfaces.UsernameLookup) (*Verifier, error) {
	switch cfg.Algorithm {
	case config.AlgorithmHS:
		return NewHMACVerifier([]byte(cfg.Secret), users), nil
	case config.AlgorithmRSA:
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read public key %s", cfg.PublicKeyPath)
		}
		return NewRSAVerifier(pem, users)
	default:
		return nil, errors.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}
}

// VerifyToken returns the active user named by an access token. Invalid,
// expired, non-access and inactive-user tokens yield ErrAuthentication; a
// failing user lookup is returned as is.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (*types.User, error) {
	if token == "" {
		return nil, errors.Wrap(interfaces.ErrAuthentication, "missing token")
	}

	parsed, err := jwt.Parse(token, v.keyFunc,
		jwt.WithValidMethods([]string{v.method}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(interfaces.ErrAuthentication, err.Error())
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.Wrap(interfaces.ErrAuthentication, "unexpected claims type")
	}
	if tokenType, _ := claims[ClaimType].(string); tokenType != TokenTypeAccess {
		return nil, errors.Wrapf(interfaces.ErrAuthentication, "invalid token type %q", tokenType)
	}
	username, err := claims.GetSubject()
	if err != nil || username == "" {
		return nil, errors.Wrap(interfaces.ErrAuthentication, "token has no subject")
	}

	user, err := v.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, errors.Wrap(interfaces.ErrAuthentication, "unknown user")
		}
		return nil, errors.Wrap(err, "user lookup failed")
	}
	if !user.IsActive {
		return nil, errors.Wrap(interfaces.ErrAuthentication, "inactive user")
	}
	return user, nil
}

func (v *Verifier) keyFunc(*jwt.Token) (interface{}, error) {
	return v.key, nil
}

// Issuer signs HS256 tokens
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer; a non-positive ttl defaults to 15 minutes
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// AccessToken signs an access token for username
func (i *Issuer) AccessToken(username string) (string, error) {
	return i.sign(username, TokenTypeAccess, i.ttl)
}

// RefreshToken signs a refresh token, which the gateway refuses
func (i *Issuer) RefreshToken(username string) (string, error) {
	return i.sign(username, TokenTypeRefresh, 30*24*time.Hour)
}

func (i *Issuer) sign(username, tokenType string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		ClaimSubject: username,
		ClaimType:    tokenType,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}
