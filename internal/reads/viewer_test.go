package reads

import (
	"errors"
	"testing"
)

func TestViewerToken(t *testing.T) {
	a, err := NewViewerToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := NewViewerToken()
	if a == b {
		t.Error("expected distinct tokens")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(a))
	}

	if HashViewerToken(a) != HashViewerToken(a) {
		t.Error("hash must be deterministic")
	}
	if HashViewerToken(a) == a {
		t.Error("hash must differ from the raw token")
	}
}

func TestCookieSigner(t *testing.T) {
	signer := NewCookieSigner("s3cret")
	value := signer.Encode("abc123")
	flipped := byte('0')
	if value[len(value)-1] == '0' {
		flipped = '1'
	}

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"valid", value, "abc123", false},
		{"tampered token", "abd123" + value[len("abc123"):], "", true},
		{"tampered signature", value[:len(value)-1] + string(flipped), "", true},
		{"no signature", "abc123", "", true},
		{"empty signature", "abc123.", "", true},
		{"other secret", NewCookieSigner("other").Encode("abc123"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := signer.Decode(tt.value)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidViewerCookie) {
					t.Errorf("expected ErrInvalidViewerCookie, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}
