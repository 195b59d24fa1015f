package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC)
	c, err := Decode(Encode(at, "lst_abc|def"))
	require.NoError(t, err)
	assert.True(t, at.Equal(c.CreatedAt))
	assert.Equal(t, "lst_abc|def", c.ID)
}

func TestDecode(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("notanumber|id")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestCursorBefore(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "m"}

	assert.True(t, c.Before(at.Add(-time.Second), "z"))
	assert.False(t, c.Before(at.Add(time.Second), "a"))
	assert.True(t, c.Before(at, "a"))
	assert.False(t, c.Before(at, "m"))
	assert.False(t, c.Before(at, "z"))

	var none *Cursor
	assert.True(t, none.Before(at, "anything"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestComputePage(t *testing.T) {
	type item struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next, more := ComputePage(items, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage(items, 2, key)
	require.True(t, more)
	assert.Len(t, page, 2)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
	assert.True(t, c.CreatedAt.Equal(base.Add(2)))
}
