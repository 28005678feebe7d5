package cursor

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2024, 5, 17, 10, 30, 0, 123456789, time.UTC), Id: "00a1b2c3d4e5f607"}
	assert.Equal(t, c, Decode(Encode(c)))
}

func TestRoundTripNonUTC(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	c := Cursor{CreatedAt: time.Date(2024, 5, 17, 10, 30, 0, 0, loc), Id: "ff"}
	got := Decode(Encode(c))
	assert.True(t, got.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, c.Id, got.Id)
}

func TestDecodeGarbage(t *testing.T) {
	cases := []string{
		"",
		"not-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("no separator")),
		base64.StdEncoding.EncodeToString([]byte("|missing-time")),
		base64.StdEncoding.EncodeToString([]byte("2024-05-17T10:30:00Z|")),
		base64.StdEncoding.EncodeToString([]byte("yesterday|abc")),
	}
	for _, s := range cases {
		assert.True(t, Decode(s).IsZero(), "input %q", s)
	}
}

func TestEncodeZero(t *testing.T) {
	assert.Equal(t, "", Encode(Cursor{}))
}
