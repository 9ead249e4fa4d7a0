package reads

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ViewerCookieName carries the signed per-browser viewer token.
const ViewerCookieName = "viewer_token"

var ErrInvalidViewerCookie = errors.New("invalid viewer cookie")

// NewViewerToken returns a random opaque viewer identifier.
func NewViewerToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate viewer token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashViewerToken is the only form of the viewer token that is stored or
// logged.
func HashViewerToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CookieSigner signs viewer tokens so clients cannot choose their identity.
type CookieSigner struct {
	secret []byte
}

func NewCookieSigner(secret string) *CookieSigner {
	return &CookieSigner{secret: []byte(secret)}
}

// Encode returns "<token>.<hex hmac>".
func (s *CookieSigner) Encode(token string) string {
	return token + "." + s.sign(token)
}

// Decode verifies a cookie value and returns the raw token.
func (s *CookieSigner) Decode(value string) (string, error) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", ErrInvalidViewerCookie
	}
	token, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.sign(token))) {
		return "", ErrInvalidViewerCookie
	}
	return token, nil
}

func (s *CookieSigner) sign(token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
