package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hammer/engine"
	"hammer/models"
)

func newBidService(t *testing.T, store engine.Store, publisher engine.Publisher, opts ...engine.BidServiceOption) *engine.BidService {
	t.Helper()
	service, err := engine.NewBidService(store, publisher, opts...)
	require.NoError(t, err)
	return service
}

func TestNewBidService(t *testing.T) {
	store := newMemStore()
	publisher := newStubPublisher()

	t.Run("valid configuration", func(t *testing.T) {
		service, err := engine.NewBidService(store, publisher)
		assert.NoError(t, err)
		assert.NotNil(t, service)
	})

	t.Run("nil store", func(t *testing.T) {
		service, err := engine.NewBidService(nil, publisher)
		assert.Error(t, err)
		assert.Nil(t, service)
	})

	t.Run("nil publisher", func(t *testing.T) {
		service, err := engine.NewBidService(store, nil)
		assert.Error(t, err)
		assert.Nil(t, service)
	})
}

func TestPlaceBid_HappyPath(t *testing.T) {
	store := newMemStore()
	publisher := newStubPublisher()
	service := newBidService(t, store, publisher)

	seller := uuid.New()
	bidderA := uuid.New()
	listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
	store.addListing(listing)

	bid, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, int64(150), bid.Amount)
	assert.Equal(t, bidderA, bid.BidderID)

	// 商品價格跟著最高出價更新
	assert.Equal(t, int64(150), store.listing(listing.ID).CurrentPrice)

	// 賣家收到一則新出價通知，出價者自己沒有通知
	sellerNotifications := store.notificationsFor(seller)
	require.Len(t, sellerNotifications, 1)
	assert.Equal(t, models.NotificationNewBid, sellerNotifications[0].Kind)
	assert.Empty(t, store.notificationsFor(bidderA))

	// 商品頻道收到新的金額
	assert.Equal(t, []int64{150}, publisher.updates())
}

func TestPlaceBid_Outbid(t *testing.T) {
	store := newMemStore()
	publisher := newStubPublisher()
	service := newBidService(t, store, publisher)

	seller := uuid.New()
	bidderA := uuid.New()
	bidderB := uuid.New()
	listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
	store.addListing(listing)

	_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
	require.NoError(t, err)
	_, err = service.PlaceBid(context.Background(), listing.ID, bidderB, 200)
	require.NoError(t, err)

	assert.Equal(t, int64(200), store.listing(listing.ID).CurrentPrice)

	// A收到被超越的通知
	aNotifications := store.notificationsFor(bidderA)
	require.Len(t, aNotifications, 1)
	assert.Equal(t, models.NotificationOutbid, aNotifications[0].Kind)

	// 賣家兩次都收到新出價通知
	sellerNotifications := store.notificationsFor(seller)
	require.Len(t, sellerNotifications, 2)

	// A的私人頻道也收到被超越的事件
	aEvents := publisher.eventsFor(bidderA)
	require.Len(t, aEvents, 1)
	assert.Equal(t, models.NotificationOutbid, aEvents[0].Kind)
}

func TestPlaceBid_ValidationFailures(t *testing.T) {
	seller := uuid.New()
	bidderA := uuid.New()
	bidderB := uuid.New()

	t.Run("listing not found", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())

		_, err := service.PlaceBid(context.Background(), uuid.New(), bidderA, 150)
		assert.ErrorIs(t, err, engine.ErrListingNotFound)
	})

	t.Run("not an auction", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		listing.IsAuction = false
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
		assert.ErrorIs(t, err, engine.ErrNotAnAuction)
	})

	t.Run("auction deadline passed", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(-time.Minute))
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
		assert.ErrorIs(t, err, engine.ErrAuctionEnded)
	})

	t.Run("auction closed", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		listing.IsAuctionClosed = true
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
		assert.ErrorIs(t, err, engine.ErrAuctionEnded)
	})

	t.Run("seller bids on own listing", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, seller, 150)
		assert.ErrorIs(t, err, engine.ErrSelfBidForbidden)
	})

	t.Run("bidder already holds highest bid", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
		require.NoError(t, err)
		_, err = service.PlaceBid(context.Background(), listing.ID, bidderA, 200)
		assert.ErrorIs(t, err, engine.ErrAlreadyHighestBidder)
	})

	t.Run("bid below current highest", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
		require.NoError(t, err)
		_, err = service.PlaceBid(context.Background(), listing.ID, bidderB, 200)
		require.NoError(t, err)

		// B再出一個低於目前最高價的金額
		_, err = service.PlaceBid(context.Background(), listing.ID, bidderB, 180)
		assert.ErrorIs(t, err, engine.ErrAlreadyHighestBidder)

		// 換A出價太低，錯誤要帶回最低可接受金額
		_, err = service.PlaceBid(context.Background(), listing.ID, bidderA, 180)
		require.ErrorIs(t, err, engine.ErrBidTooLow)
		var tooLow *engine.BidTooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, int64(201), tooLow.Minimum)

		// 驗證失敗不改變任何狀態
		assert.Equal(t, int64(200), store.listing(listing.ID).CurrentPrice)
		assert.Len(t, store.bidsFor(listing.ID), 2)
	})

	t.Run("tie with current highest is rejected", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 150)
		require.NoError(t, err)
		_, err = service.PlaceBid(context.Background(), listing.ID, bidderB, 150)
		assert.ErrorIs(t, err, engine.ErrBidTooLow)
	})

	t.Run("bid equal to base price is rejected", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher())
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 100)
		require.ErrorIs(t, err, engine.ErrBidTooLow)
		var tooLow *engine.BidTooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, int64(101), tooLow.Minimum)
	})
}

func TestPlaceBid_MinIncrement(t *testing.T) {
	store := newMemStore()
	service := newBidService(t, store, newStubPublisher(), engine.WithBidServiceMinIncrement(5))

	seller := uuid.New()
	bidderA := uuid.New()
	bidderB := uuid.New()
	listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
	store.addListing(listing)

	_, err := service.PlaceBid(context.Background(), listing.ID, bidderA, 200)
	require.NoError(t, err)

	// 加價不足，回報的最低金額要剛好是會被接受的金額
	_, err = service.PlaceBid(context.Background(), listing.ID, bidderB, 204)
	require.ErrorIs(t, err, engine.ErrBidTooLow)
	var tooLow *engine.BidTooLowError
	require.ErrorAs(t, err, &tooLow)
	assert.Equal(t, int64(205), tooLow.Minimum)

	// 以回報的最低金額出價要成功
	bid, err := service.PlaceBid(context.Background(), listing.ID, bidderB, tooLow.Minimum)
	require.NoError(t, err)
	assert.Equal(t, int64(205), bid.Amount)
}

func TestPlaceBid_ConflictRetry(t *testing.T) {
	seller := uuid.New()
	bidder := uuid.New()

	t.Run("retries succeed within the limit", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher(), engine.WithBidServiceMaxRetries(3))
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		store.txConflicts = 2
		bid, err := service.PlaceBid(context.Background(), listing.ID, bidder, 150)
		require.NoError(t, err)
		assert.Equal(t, int64(150), bid.Amount)
	})

	t.Run("retries exhausted surfaces conflict", func(t *testing.T) {
		store := newMemStore()
		service := newBidService(t, store, newStubPublisher(), engine.WithBidServiceMaxRetries(2))
		listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
		store.addListing(listing)

		store.txConflicts = 10
		_, err := service.PlaceBid(context.Background(), listing.ID, bidder, 150)
		assert.ErrorIs(t, err, engine.ErrConflict)
		assert.Empty(t, store.bidsFor(listing.ID))
	})
}

func TestPlaceBid_ConcurrentBidsStayOrdered(t *testing.T) {
	store := newMemStore()
	publisher := newStubPublisher()
	service := newBidService(t, store, publisher)

	seller := uuid.New()
	listing := auctionListing(seller, 100, time.Now().Add(time.Hour))
	store.addListing(listing)

	// 一群互相競爭的出價者同時出價，金額互有高低
	const bidders = 20
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			// 驗證失敗(太低、已是最高)是預期結果，這裡只關心已提交的序列
			_, _ = service.PlaceBid(context.Background(), listing.ID, uuid.New(), amount)
		}(int64(101 + i*7))
	}
	wg.Wait()

	committed := store.bidsFor(listing.ID)
	require.NotEmpty(t, committed)

	// 已提交的出價金額依提交順序嚴格遞增
	for i := 1; i < len(committed); i++ {
		assert.Greater(t, committed[i].Amount, committed[i-1].Amount,
			"committed bids must be strictly increasing")
	}
	// 商品價格等於最後一筆出價
	assert.Equal(t, committed[len(committed)-1].Amount, store.listing(listing.ID).CurrentPrice)
	// 沒有任何一筆出價來自賣家
	for _, bid := range committed {
		assert.NotEqual(t, seller, bid.BidderID)
	}
}
