package message

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/JuyeonYu/readit/internal/db"
)

// Message password bounds. bcrypt only accepts up to 72 bytes.
const (
	MinPasswordLength = 6
	MaxPasswordBytes  = 72
)

// HashPassword returns the bcrypt digest stored on the message.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate checks candidate against the message password. Messages
// without a password always authenticate.
func Authenticate(msg *db.Message, candidate string) bool {
	if !msg.HasPassword() {
		return true
	}
	err := bcrypt.CompareHashAndPassword([]byte(*msg.PasswordHash), []byte(candidate))
	return err == nil
}

// ValidationError reports invalid owner input on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
