package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type row struct {
	ID        string
	CreatedAt time.Time
}

func TestCursorRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	encoded, err := EncodeCursor(Cursor{CreatedAt: now, ID: "42"})
	require.NoError(t, err)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, "42", decoded.ID)
	require.True(t, decoded.CreatedAt.Equal(now))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-a-cursor!!")
	require.ErrorIs(t, err, ErrInvalidCursor)

	_, err = Query(Pagination{Cursor: "%%%"})
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Normalize().Limit)
	require.Equal(t, MaxLimit, Pagination{Limit: 1000}.Normalize().Limit)
	require.Equal(t, 5, Pagination{Limit: 5}.Normalize().Limit)
}

func TestBuildCursorPageInfo(t *testing.T) {
	now := time.Now().UTC()
	data := []*row{{ID: "3", CreatedAt: now}, {ID: "2", CreatedAt: now}, {ID: "1", CreatedAt: now}}
	extract := func(r *row) Cursor { return Cursor{CreatedAt: r.CreatedAt, ID: r.ID} }

	page, info := BuildCursorPageInfo(data, 2, extract)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", next.ID)

	page, info = BuildCursorPageInfo(data, 5, extract)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}
