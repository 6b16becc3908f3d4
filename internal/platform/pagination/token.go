package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// EncodeCreatedAtCursor packs a createdAt/docID pair into an opaque page
// token. The repositories order their listings by createdAt then document ID,
// so the pair is enough to resume a query after the last returned row.
func EncodeCreatedAtCursor(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// DecodeCreatedAtCursor parses a token produced by EncodeCreatedAtCursor.
func DecodeCreatedAtCursor(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", ErrInvalidPageToken
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return ts, parts[1], nil
}
