package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hammer/adapters/broadcast"
	"hammer/engine"
)

func TestListingEventGuard(t *testing.T) {
	guard := broadcast.ListingEventGuard()

	// 金額變高的事件放行
	assert.True(t, guard("auction:a", broadcast.ListingEvent{Amount: 150}))
	assert.True(t, guard("auction:a", broadcast.ListingEvent{Amount: 200}))

	// 同頻道上遲到的舊價格被丟棄，相同金額也一樣
	assert.False(t, guard("auction:a", broadcast.ListingEvent{Amount: 150}))
	assert.False(t, guard("auction:a", broadcast.ListingEvent{Amount: 200}))

	// 不同頻道各自獨立
	assert.True(t, guard("auction:b", broadcast.ListingEvent{Amount: 100}))
	assert.True(t, guard("auction:a", broadcast.ListingEvent{Amount: 250}))
}

func newGuardedBroadcaster(t *testing.T) *broadcast.Broadcaster {
	t.Helper()
	listings, err := broadcast.NewConnectionManager[broadcast.ListingEvent](
		broadcast.WithDispatchGuard[broadcast.ListingEvent](broadcast.ListingEventGuard()),
	)
	require.NoError(t, err)
	users, err := broadcast.NewConnectionManager[engine.UserEvent]()
	require.NoError(t, err)
	b, err := broadcast.NewBroadcaster(listings, users)
	require.NoError(t, err)
	return b
}

func TestBroadcaster_StaleListingUpdateIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newGuardedBroadcaster(t)
	b.Start()
	defer b.Close()

	listingID := uuid.New()
	ch, err := b.Listings().Subscribe(broadcast.ListingChannel(listingID))
	require.NoError(t, err)

	// 兩筆出價依序提交為150、200，但150那筆的廣播被延遲到200之後才送出
	require.NoError(t, b.PublishListingUpdate(context.Background(), listingID, 200))
	require.NoError(t, b.PublishListingUpdate(context.Background(), listingID, 150))
	require.NoError(t, b.PublishListingUpdate(context.Background(), listingID, 250))

	// 訂閱者看到的金額必須單調遞增，遲到的150不會出現
	var received []int64
	deadline := time.After(time.Second)
	for len(received) < 2 {
		select {
		case event := <-ch:
			received = append(received, event.Amount)
		case <-deadline:
			t.Fatalf("timeout, received so far: %v", received)
		}
	}
	assert.Equal(t, []int64{200, 250}, received)

	// 確認150真的被丟棄而不是還在路上
	select {
	case event := <-ch:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
