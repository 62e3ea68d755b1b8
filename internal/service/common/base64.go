package common

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

// EncodeBase64 encodes bytes to URL-safe base64 string.
func EncodeBase64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes URL-safe base64 string.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", apperrors.ErrValidation, err)
	}
	return data, nil
}

// EncodeCursor serialises a keyset cursor into an opaque page token.
func EncodeCursor(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return EncodeBase64(b), nil
}

// DecodeCursor parses a page token produced by EncodeCursor. An empty token leaves v untouched.
func DecodeCursor(token string, v any) error {
	if token == "" {
		return nil
	}
	b, err := DecodeBase64(token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return nil
}
