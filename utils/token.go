package utils

import (
	"fmt"
	"strings"
	"time"

	"courier-service/apperror"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const capabilityIssuer = "courier"

// Op is an operation a capability grant allows on a channel.
type Op string

const (
	OpSubscribe Op = "subscribe"
	OpPublish   Op = "publish"
	OpPresence  Op = "presence"
)

// Grant allows Ops on Channel. Channel is either exact or a "prefix:*"
// pattern.
type Grant struct {
	Channel string `json:"channel"`
	Ops     []Op   `json:"ops"`
}

// CapabilityToken is the decoded form of a signed capability. Token holds
// the compact JWT handed to the client.
type CapabilityToken struct {
	Token     string    `json:"token"`
	SubjectID string    `json:"subjectId"`
	Grants    []Grant   `json:"grants"`
	ExpiresAt time.Time `json:"expiresAt"`
	ID        string    `json:"jti"`
}

// Allows reports whether any grant covers op on channel.
func (t CapabilityToken) Allows(channel string, op Op) bool {
	for _, g := range t.Grants {
		if !matchChannel(g.Channel, channel) {
			continue
		}
		for _, o := range g.Ops {
			if o == op {
				return true
			}
		}
	}
	return false
}

func matchChannel(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ":") {
		return strings.HasPrefix(channel, prefix) && len(channel) > len(prefix)
	}
	return pattern == channel
}

type capabilityClaims struct {
	Grants []Grant `json:"grants"`
	jwt.RegisteredClaims
}

// Authorizer issues and verifies capability tokens. It keeps no state; the
// grants are computed from the subject alone.
type Authorizer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewAuthorizer(key string, ttl time.Duration) *Authorizer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Authorizer{key: []byte(key), ttl: ttl, now: time.Now}
}

func grantsFor(subjectID string) []Grant {
	return []Grant{
		{Channel: "notifications:" + subjectID, Ops: []Op{OpSubscribe}},
		{Channel: "conversation:*", Ops: []Op{OpPublish, OpSubscribe, OpPresence}},
		{Channel: "presence:*", Ops: []Op{OpPublish, OpSubscribe, OpPresence}},
	}
}

func (a *Authorizer) IssueToken(subjectID string) (CapabilityToken, error) {
	if subjectID == "" {
		return CapabilityToken{}, fmt.Errorf("capability without subject: %w", apperror.ErrUnauthenticated)
	}
	now := a.now()
	claims := capabilityClaims{
		Grants: grantsFor(subjectID),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    capabilityIssuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(a.key)
	if err != nil {
		return CapabilityToken{}, fmt.Errorf("sign capability: %w", err)
	}
	return CapabilityToken{
		Token:     signed,
		SubjectID: subjectID,
		Grants:    claims.Grants,
		ExpiresAt: claims.ExpiresAt.Time,
		ID:        claims.ID,
	}, nil
}

// Verify checks signature, issuer and expiry. Every failure is
// apperror.ErrUnauthenticated.
func (a *Authorizer) Verify(raw string) (CapabilityToken, error) {
	if raw == "" {
		return CapabilityToken{}, fmt.Errorf("missing capability token: %w", apperror.ErrUnauthenticated)
	}
	claims := &capabilityClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(capabilityIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return CapabilityToken{}, fmt.Errorf("capability token: %w: %w", apperror.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return CapabilityToken{}, fmt.Errorf("capability token without subject: %w", apperror.ErrUnauthenticated)
	}
	return CapabilityToken{
		Token:     raw,
		SubjectID: claims.Subject,
		Grants:    claims.Grants,
		ExpiresAt: claims.ExpiresAt.Time,
		ID:        claims.ID,
	}, nil
}
