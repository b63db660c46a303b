package gateway

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	Principal string
	TenantID  string
	Roles     []string
}

// Admin reports whether the identity may call tenant, policy and
// credential administration methods.
func (id Identity) Admin() bool {
	return slices.Contains(id.Roles, "admin")
}

type claims struct {
	Tenant string   `json:"tenant,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier resolves hello auth tokens to identities. It accepts HS256 JWTs
// signed with the configured secret and, for local tooling, static tokens
// mapped directly to identities. A zero Verifier rejects everything; a nil
// one means authentication is disabled.
type Verifier struct {
	secret []byte
	static map[string]Identity
	now    func() time.Time
}

// NewVerifier builds a verifier. Either input may be empty.
func NewVerifier(jwtSecret string, staticTokens map[string]Identity) *Verifier {
	v := &Verifier{now: time.Now}
	if jwtSecret != "" {
		v.secret = []byte(jwtSecret)
	}
	if len(staticTokens) > 0 {
		v.static = make(map[string]Identity, len(staticTokens))
		for token, id := range staticTokens {
			v.static[strings.TrimSpace(token)] = id
		}
	}
	return v
}

// Issue signs a JWT for the identity, mainly for tests and CLI linking.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("jwt signing not configured")
	}
	c := claims{
		Tenant: id.TenantID,
		Roles:  id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.Principal,
			IssuedAt: jwt.NewNumericDate(v.now()),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(v.now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Verify resolves a token to an identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if v == nil || token == "" {
		return Identity{}, errInvalidToken
	}
	if id, ok := v.static[token]; ok {
		return id, nil
	}
	if len(v.secret) == 0 {
		return Identity{}, errInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return v.now() }))
	if err != nil {
		return Identity{}, errInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return Identity{}, errInvalidToken
	}
	return Identity{Principal: c.Subject, TenantID: c.Tenant, Roles: c.Roles}, nil
}
