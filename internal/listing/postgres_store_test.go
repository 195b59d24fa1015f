//go:build integration

package listing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/landtrust/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := NewService(NewPostgresStore(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
	base := time.Now().UTC().Truncate(time.Microsecond)
	var n int
	svc.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	a, err := svc.Create(ctx, "seller-1", CreateRequest{Title: "North field", PriceMinor: 10_000})
	require.NoError(t, err)
	b, err := svc.Create(ctx, "seller-1", CreateRequest{Title: "South field", PriceMinor: 20_000})
	require.NoError(t, err)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "North field", got.Title)
	_, err = svc.Get(ctx, "lst_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.MarkSold(ctx, a.ID))
	assert.ErrorIs(t, svc.MarkSold(ctx, a.ID), ErrInvalidStatus)
	require.NoError(t, svc.MarkAvailable(ctx, a.ID))
	require.NoError(t, svc.MarkAvailable(ctx, a.ID))

	page, err := svc.List(ctx, Filter{SellerID: "seller-1", Limit: 1}, "")
	require.NoError(t, err)
	require.True(t, page.HasMore)
	assert.Equal(t, b.ID, page.Listings[0].ID)

	page, err = svc.List(ctx, Filter{SellerID: "seller-1", Limit: 1}, page.NextCursor)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Equal(t, a.ID, page.Listings[0].ID)
}
