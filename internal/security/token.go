package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
)

// TokenLength is the number of random bytes behind a session token
const TokenLength = 20

// TokenHeader carries the session token on widget requests
const TokenHeader = "X-IconCaptcha-Token"

// TokenGuard issues and checks the per-session anti-replay token
type TokenGuard struct {
	enabled bool
	entropy io.Reader
}

// NewTokenGuard creates a token guard. A disabled guard accepts every request.
func NewTokenGuard(enabled bool) *TokenGuard {
	return &TokenGuard{
		enabled: enabled,
		entropy: rand.Reader,
	}
}

// Enabled reports whether tokens are enforced
func (g *TokenGuard) Enabled() bool {
	return g.enabled
}

// Issue returns the session token, generating it on first use.
// Once set the token never changes for the lifetime of the session.
func (g *TokenGuard) Issue(session *domain.Session) (string, error) {
	if session.Token != "" {
		return session.Token, nil
	}

	buf := make([]byte, TokenLength)
	if _, err := io.ReadFull(g.entropy, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	session.Token = strings.ToUpper(hex.EncodeToString(buf))
	return session.Token, nil
}

// Validate checks the payload token and, when one was supplied, the header token
// against the session token. An empty headerToken means no header was sent.
func (g *TokenGuard) Validate(session *domain.Session, payloadToken, headerToken string) bool {
	if !g.enabled {
		return true
	}

	if session == nil || session.Token == "" {
		return false
	}

	if !tokensEqual(payloadToken, session.Token) {
		return false
	}

	if headerToken != "" && !tokensEqual(headerToken, session.Token) {
		return false
	}

	return true
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
