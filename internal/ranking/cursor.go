package ranking

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// pageCursor is the decoded pagination position: the sort key of the last
// item of the previous page.
type pageCursor struct {
	Score     float64
	CreatedAt int64 // unix microseconds
	URI       string
}

// encodeCursor produces the opaque cursor string. The score is formatted
// with full precision so it round-trips exactly.
func encodeCursor(c pageCursor) string {
	raw := fmt.Sprintf("%s::%d::%s",
		strconv.FormatFloat(c.Score, 'g', -1, 64), c.CreatedAt, c.URI)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses an opaque cursor string.
func decodeCursor(s string) (pageCursor, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return pageCursor{}, fmt.Errorf("decode cursor: %w", err)
	}

	parts := strings.SplitN(string(raw), "::", 3)
	if len(parts) != 3 {
		return pageCursor{}, fmt.Errorf("cursor must have three parts, got %d", len(parts))
	}

	score, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return pageCursor{}, fmt.Errorf("invalid cursor score: %w", err)
	}
	createdAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return pageCursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	if parts[2] == "" {
		return pageCursor{}, fmt.Errorf("cursor uri is empty")
	}

	return pageCursor{Score: score, CreatedAt: createdAt, URI: parts[2]}, nil
}
