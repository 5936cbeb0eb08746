package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/eventchat/internal/types"
	"github.com/example/eventchat/internal/ws"
)

var (
	ErrMissingSigningKey = errors.New("verifier: signing key required")
	ErrMissingIssuer     = errors.New("verifier: issuer required")
	ErrMissingToken      = errors.New("verifier: token required")
	ErrInvalidToken      = errors.New("verifier: invalid token")
	ErrExpiredToken      = errors.New("verifier: token expired")
	ErrMissingSubject    = errors.New("verifier: subject required")
)

// SessionClaims mirrors the JWT payload issued by the platform's identity
// service. The subject is the numeric participant id.
type SessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// VerifierConfig describes how to validate platform-issued session JWTs.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Verifier validates HS256 session tokens and resolves them to a connection
// identity. The token travels as the `token` query parameter on the connect
// URL.
type Verifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewVerifier constructs a verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// VerifyToken validates the supplied JWT string and returns the participant
// identity it carries.
func (v *Verifier) VerifyToken(tokenString string) (ws.Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ws.Identity{}, ErrMissingToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ws.Identity{}, ErrExpiredToken
		}
		return ws.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ws.Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return ws.Identity{}, ErrMissingSubject
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return ws.Identity{}, fmt.Errorf("%w: non-numeric subject", ErrInvalidToken)
	}

	return ws.Identity{UserID: types.UserID(userID), Username: claims.Username}, nil
}

// Authenticate implements ws.Authenticator by reading the `token` query
// parameter.
func (v *Verifier) Authenticate(r *http.Request) (ws.Identity, error) {
	return v.VerifyToken(r.URL.Query().Get("token"))
}
