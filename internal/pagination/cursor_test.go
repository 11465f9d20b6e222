package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActivity struct {
	id        string
	createdAt time.Time
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)

	cursor, err := Decode(Encode(ts, "act_1a2b3c"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "act_1a2b3c", cursor.ID)
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "not-a-cursor!!!"},
		{"no separator", "bm9zZXBhcmF0b3I"},       // "noseparator"
		{"empty id", "MTcwMDAwMDAwMDAwMDAwMDAwMDo"}, // "1700000000000000000:"
		{"bad timestamp", "c29vbjphY3RfMQ"},          // "soon:act_1"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage_TrimsLookaheadRow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// limit+1 rows fetched, newest first
	items := []fakeActivity{
		{"act_4", base.Add(4 * time.Second)},
		{"act_3", base.Add(3 * time.Second)},
		{"act_2", base.Add(2 * time.Second)},
	}

	page, next, more := ComputePage(items, 2, func(a fakeActivity) (time.Time, string) {
		return a.createdAt, a.id
	})
	require.Len(t, page, 2)
	assert.True(t, more)

	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "act_3", cursor.ID)
	assert.Equal(t, base.Add(3*time.Second), cursor.CreatedAt)
}

func TestComputePage_LastPage(t *testing.T) {
	key := func(a fakeActivity) (time.Time, string) { return a.createdAt, a.id }
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Fewer rows than the limit.
	page, next, more := ComputePage([]fakeActivity{{"act_1", base}}, 5, key)
	assert.Len(t, page, 1)
	assert.Empty(t, next)
	assert.False(t, more)

	// Exactly the limit: no lookahead row came back, so no next page.
	page, next, more = ComputePage([]fakeActivity{{"act_2", base}, {"act_1", base}}, 2, key)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
	assert.False(t, more)
}
