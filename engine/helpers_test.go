package engine_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"hammer/engine"
	"hammer/models"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// memStore 是記憶體版的 engine.Store，用單一互斥鎖模擬交易的序列化，
// 交易開始時對資料做快照，fn 回傳錯誤時還原快照模擬回滾
type memStore struct {
	mu            sync.Mutex
	listings      map[uuid.UUID]models.Listing
	bids          map[uuid.UUID][]models.Bid
	notifications []models.Notification

	// 測試用的失敗注入
	txConflicts        int // 接下來幾次交易以 ErrTxConflict 失敗
	notificationErrors int // 接下來幾次 CreateNotification 失敗

	inTx bool
}

func newMemStore() *memStore {
	return &memStore{
		listings: make(map[uuid.UUID]models.Listing),
		bids:     make(map[uuid.UUID][]models.Bid),
	}
}

func (s *memStore) addListing(listing models.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[listing.ID] = listing
}

func (s *memStore) snapshot() (map[uuid.UUID]models.Listing, map[uuid.UUID][]models.Bid, []models.Notification) {
	listings := make(map[uuid.UUID]models.Listing, len(s.listings))
	for id, l := range s.listings {
		listings[id] = l
	}
	bids := make(map[uuid.UUID][]models.Bid, len(s.bids))
	for id, b := range s.bids {
		bids[id] = append([]models.Bid(nil), b...)
	}
	notifications := append([]models.Notification(nil), s.notifications...)
	return listings, bids, notifications
}

func (s *memStore) Transaction(ctx context.Context, fn func(tx engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txConflicts > 0 {
		s.txConflicts--
		return fmt.Errorf("simulated conflict: %w", engine.ErrTxConflict)
	}

	listings, bids, notifications := s.snapshot()
	s.inTx = true
	err := fn(s)
	s.inTx = false
	if err != nil {
		s.listings, s.bids, s.notifications = listings, bids, notifications
		return err
	}
	return nil
}

func (s *memStore) lockUnlessInTx() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	defer s.lockUnlessInTx()()
	listing, ok := s.listings[id]
	if !ok {
		return nil, engine.ErrListingNotFound
	}
	return &listing, nil
}

func (s *memStore) GetListingForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	return s.GetListing(ctx, id)
}

func (s *memStore) GetExpiredOpenAuctions(ctx context.Context, now time.Time) ([]models.Listing, error) {
	defer s.lockUnlessInTx()()
	var expired []models.Listing
	for _, listing := range s.listings {
		if listing.IsAuction && !listing.IsAuctionClosed &&
			listing.AuctionDeadline != nil && !now.Before(*listing.AuctionDeadline) {
			expired = append(expired, listing)
		}
	}
	return expired, nil
}

func (s *memStore) UpdatePrice(ctx context.Context, id uuid.UUID, amount int64) error {
	defer s.lockUnlessInTx()()
	listing, ok := s.listings[id]
	if !ok {
		return engine.ErrListingNotFound
	}
	listing.CurrentPrice = amount
	s.listings[id] = listing
	return nil
}

func (s *memStore) ClaimClose(ctx context.Context, id uuid.UUID) (bool, error) {
	defer s.lockUnlessInTx()()
	listing, ok := s.listings[id]
	if !ok || listing.IsAuctionClosed {
		return false, nil
	}
	listing.IsAuctionClosed = true
	s.listings[id] = listing
	return true, nil
}

func (s *memStore) GetHighestBid(ctx context.Context, listingID uuid.UUID) (*models.Bid, error) {
	defer s.lockUnlessInTx()()
	bids := s.bids[listingID]
	if len(bids) == 0 {
		return nil, nil
	}
	highest := bids[len(bids)-1]
	return &highest, nil
}

func (s *memStore) InsertBid(ctx context.Context, listingID, bidderID uuid.UUID, amount int64) (*models.Bid, error) {
	defer s.lockUnlessInTx()()
	bid := models.Bid{
		Model:     gorm.Model{CreatedAt: time.Now()},
		ID:        uuid.New(),
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
	}
	s.bids[listingID] = append(s.bids[listingID], bid)
	return &bid, nil
}

func (s *memStore) CreateNotification(ctx context.Context, notification *models.Notification) error {
	defer s.lockUnlessInTx()()
	if s.notificationErrors > 0 {
		s.notificationErrors--
		return fmt.Errorf("simulated notification failure")
	}
	saved := *notification
	saved.ID = uuid.New()
	saved.CreatedAt = time.Now()
	s.notifications = append(s.notifications, saved)
	return nil
}

// notificationsFor 回傳某個收件者的全部通知
func (s *memStore) notificationsFor(recipientID uuid.UUID) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			result = append(result, n)
		}
	}
	return result
}

func (s *memStore) bidsFor(listingID uuid.UUID) []models.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Bid(nil), s.bids[listingID]...)
}

func (s *memStore) listing(id uuid.UUID) models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings[id]
}

// stubPublisher 記錄所有廣播事件，給測試檢查用
type stubPublisher struct {
	mu             sync.Mutex
	listingUpdates []int64
	userEvents     map[uuid.UUID][]engine.UserEvent
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{
		userEvents: make(map[uuid.UUID][]engine.UserEvent),
	}
}

func (p *stubPublisher) PublishListingUpdate(ctx context.Context, listingID uuid.UUID, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listingUpdates = append(p.listingUpdates, amount)
	return nil
}

func (p *stubPublisher) PublishUserEvent(ctx context.Context, userID uuid.UUID, event engine.UserEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userEvents[userID] = append(p.userEvents[userID], event)
	return nil
}

func (p *stubPublisher) updates() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.listingUpdates...)
}

func (p *stubPublisher) eventsFor(userID uuid.UUID) []engine.UserEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.UserEvent(nil), p.userEvents[userID]...)
}

// auctionListing 建立一個測試用的拍賣商品
func auctionListing(sellerID uuid.UUID, basePrice int64, deadline time.Time) models.Listing {
	return models.Listing{
		ID:              uuid.New(),
		SellerID:        sellerID,
		Title:           "vintage radio",
		BasePrice:       basePrice,
		CurrentPrice:    basePrice,
		IsAuction:       true,
		AuctionDeadline: &deadline,
	}
}
