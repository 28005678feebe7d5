// Package cursor implements the opaque pagination token over the per-room
// message log. A cursor marks a position in the (created-at, id) sort order,
// a history request with a cursor returns only messages strictly older than
// that position.
package cursor

import (
	"encoding/base64"
	"strings"
	"time"
)

// Cursor is the decoded position. The zero value is the "no cursor" sentinel
// meaning "start from the most recent message".
type Cursor struct {
	CreatedAt time.Time
	Id        string
}

// IsZero reports whether c is the no-cursor sentinel.
func (c Cursor) IsZero() bool {
	return c.Id == "" && c.CreatedAt.IsZero()
}

// Encode packs the cursor into its opaque wire form,
// base64("<RFC3339Nano>|<id>").
func Encode(c Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.Id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks an opaque cursor. Malformed input is a recoverable
// condition: it decodes to the zero cursor, never an error, so a bad token
// degrades to "start from now" instead of failing the request.
func Decode(s string) Cursor {
	if s == "" {
		return Cursor{}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Cursor{}
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}
	}
	return Cursor{CreatedAt: t, Id: parts[1]}
}
