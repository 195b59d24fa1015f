package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/landtrust/internal/escrow"
	"github.com/mbd888/landtrust/internal/realtime"
)

type fakeHub struct {
	events []*realtime.Event
	err    error
}

func (h *fakeHub) Broadcast(e *realtime.Event) error {
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, e)
	return nil
}

func TestRealtimeSink_MapsNotification(t *testing.T) {
	hub := &fakeHub{}
	n := funded("tx_1")
	n.ListingID = "lst_1"
	n.Data = map[string]any{"outcome": "SPLIT"}

	require.NoError(t, NewRealtimeSink(hub).Deliver(context.Background(), n))
	require.Len(t, hub.events, 1)

	e := hub.events[0]
	assert.Equal(t, string(escrow.EventTransactionFunded), e.Type)
	assert.Equal(t, "tx_1", e.EntityID)
	assert.Equal(t, "tx_1", e.TransactionID)
	assert.Equal(t, []string{"buyer-1", "seller-1"}, e.Recipients)
	assert.Equal(t, n.OccurredAt, e.Timestamp)
	assert.Equal(t, map[string]any{
		"listingId":   "lst_1",
		"amountMinor": int64(50_000),
		"outcome":     "SPLIT",
	}, e.Data)
}

func TestRealtimeSink_FullHubIsRetryable(t *testing.T) {
	hub := &fakeHub{err: realtime.ErrHubFull}
	sink := &RealtimeSink{hub: hub}

	err := sink.Deliver(context.Background(), funded("tx_1"))
	assert.ErrorIs(t, err, realtime.ErrHubFull)
	assert.Equal(t, "realtime", sink.Name())
}
