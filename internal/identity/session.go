package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// SessionType is the only accepted value of the "type" claim.
const SessionType = "user"

// ErrInvalidSession is returned for tokens that fail parsing or validation.
var ErrInvalidSession = errors.New("invalid session token")

// SessionClaims are the JWT claims of a ledger session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
	Type    string `json:"type"`
}

// SessionIssuer issues and verifies EdDSA-signed session tokens.
type SessionIssuer struct {
	key         ed25519.PrivateKey
	pub         ed25519.PublicKey
	issuer      string
	ttl         time.Duration
	aliasSecret []byte
	clock       clockwork.Clock
}

// NewSessionIssuer creates a SessionIssuer.
//
//	issuerURL:   the "iss" claim value; matches ledgerd's base URL.
//	ttl:         token lifetime (default: 24 hours).
//	aliasSecret: key for deriving an agent alias when a token carries none.
func NewSessionIssuer(key ed25519.PrivateKey, issuerURL string, ttl time.Duration, aliasSecret []byte, clock clockwork.Clock) *SessionIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &SessionIssuer{
		key:         key,
		pub:         key.Public().(ed25519.PublicKey),
		issuer:      issuerURL,
		ttl:         ttl,
		aliasSecret: aliasSecret,
		clock:       clock,
	}
}

// Issue creates a signed session token for owner. An empty AgentID is left out
// of the token and derived again on verification.
func (s *SessionIssuer) Issue(owner model.Owner) (string, error) {
	if owner.UserID == "" {
		return "", fmt.Errorf("issue session: user id is required")
	}
	now := s.clock.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   owner.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
		UserID:  owner.UserID,
		AgentID: owner.AgentID,
		Type:    SessionType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token and returns the owner it
// authenticates.
func (s *SessionIssuer) Verify(tokenStr string) (model.Owner, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.pub, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return model.Owner{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return model.Owner{}, ErrInvalidSession
	}
	return claims.owner(s.aliasSecret)
}

// ParseUnverified reads the owner out of a token without checking its
// signature. Devices use it to stamp their own rows; the backend still
// verifies every request.
func ParseUnverified(tokenStr string, aliasSecret []byte) (model.Owner, error) {
	var claims SessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return model.Owner{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return claims.owner(aliasSecret)
}

func (c *SessionClaims) owner(aliasSecret []byte) (model.Owner, error) {
	if c.Type != SessionType {
		return model.Owner{}, fmt.Errorf("%w: not a user session token", ErrInvalidSession)
	}
	if c.UserID == "" {
		return model.Owner{}, fmt.Errorf("%w: missing user_id", ErrInvalidSession)
	}
	agent := c.AgentID
	if agent == "" {
		agent = AgentAlias(aliasSecret, c.UserID)
	}
	return model.Owner{UserID: c.UserID, AgentID: agent}, nil
}
