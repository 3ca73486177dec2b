package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 15, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "0x2a"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "0x2a", cursor.ID)
}

func TestDecodeEmpty(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9waXBl", // decodes but has no separator
		"eHw=",     // separator present, non-numeric timestamp
	} {
		if _, err := Decode(s); err == nil {
			t.Errorf("Decode(%q) = nil error, want invalid cursor", s)
		}
	}
}

func TestComputePageLastPage(t *testing.T) {
	items := []string{"0x05", "0x04", "0x03"}
	page, next, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, hasMore)
}

func TestComputePageHasMore(t *testing.T) {
	items := []string{"0x05", "0x04", "0x03", "0x02"}
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	page, next, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return ts, s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	// The cursor points at the last row kept, not the row dropped.
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "0x03", c.ID)
	assert.Equal(t, ts, c.CreatedAt)
}
