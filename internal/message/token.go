package message

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	tokenBytes       = 24
	maxTokenAttempts = 10
)

// ErrTokenGenerationExhausted means every candidate token collided with an
// existing message.
var ErrTokenGenerationExhausted = errors.New("token generation exhausted")

// ExistsFunc reports whether a token is already assigned.
type ExistsFunc func(ctx context.Context, token string) (bool, error)

// GenerateToken returns a random URL-safe token not yet in use.
func GenerateToken(ctx context.Context, exists ExistsFunc) (string, error) {
	return generateToken(ctx, rand.Reader, exists)
}

func generateToken(ctx context.Context, random io.Reader, exists ExistsFunc) (string, error) {
	buf := make([]byte, tokenBytes)
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		if _, err := io.ReadFull(random, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		token := base64.RawURLEncoding.EncodeToString(buf)

		taken, err := exists(ctx, token)
		if err != nil {
			return "", fmt.Errorf("check token: %w", err)
		}
		if !taken {
			return token, nil
		}
	}
	return "", ErrTokenGenerationExhausted
}
