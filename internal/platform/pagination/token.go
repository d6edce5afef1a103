package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeToken serialises cursor into an opaque URL-safe page token.
func EncodeToken(cursor any) (string, error) {
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken into dst. An empty token leaves dst untouched.
func DecodeToken(token string, dst any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if err := json.Unmarshal(decoded, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return nil
}
