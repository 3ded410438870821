package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hammer/engine"
	"hammer/models"
)

// PostgreSQL回報序列化失敗與死鎖的SQLSTATE
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// Store 以 gorm 實作 engine.Store
// Transaction 回傳的 Store 綁定同一筆資料庫交易，
// GetListingForUpdate 取得的列鎖會持有到該交易結束
type Store struct {
	db *gorm.DB
}

// New 建立一個新的 Store 實例
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction 在單一資料庫交易內執行 fn
// 可重試的失敗(序列化衝突、死鎖)會被包裝成 engine.ErrTxConflict
func (s *Store) Transaction(ctx context.Context, fn func(tx engine.Store) error) error {
	const op = "store.Transaction"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return fmt.Errorf("[%s] %w: %w", op, engine.ErrTxConflict, err)
	}
	return err
}

// GetListing 取得指定的商品
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	const op = "store.GetListing"
	listing := models.Listing{ID: id}
	if result := s.db.WithContext(ctx).First(&listing); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, engine.ErrListingNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
	}
	return &listing, nil
}

// GetListingForUpdate 取得指定的商品並鎖定該列
func (s *Store) GetListingForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	const op = "store.GetListingForUpdate"
	listing := models.Listing{ID: id}
	result := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&listing)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, engine.ErrListingNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to lock listing, err=%w", op, result.Error)
	}
	return &listing, nil
}

// GetExpiredOpenAuctions 取得截止時間已過且尚未結標的拍賣商品
func (s *Store) GetExpiredOpenAuctions(ctx context.Context, now time.Time) ([]models.Listing, error) {
	const op = "store.GetExpiredOpenAuctions"
	var listings []models.Listing
	result := s.db.WithContext(ctx).
		Where("is_auction = ? AND is_auction_closed = ? AND auction_deadline <= ?", true, false, now).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "auction_deadline"}}).
		Find(&listings)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list expired auctions, err=%w", op, result.Error)
	}
	return listings, nil
}

// UpdatePrice 更新商品的目前價格
func (s *Store) UpdatePrice(ctx context.Context, id uuid.UUID, amount int64) error {
	const op = "store.UpdatePrice"
	result := s.db.WithContext(ctx).
		Model(&models.Listing{}).
		Where("id = ?", id).
		Update("current_price", amount)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to update current price, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrListingNotFound
	}
	return nil
}

// ClaimClose 以條件更新搶商品的結標權
// 只有影響到剛好一列的呼叫端算搶到，已結標的商品影響零列
func (s *Store) ClaimClose(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "store.ClaimClose"
	result := s.db.WithContext(ctx).
		Model(&models.Listing{}).
		Where("id = ? AND is_auction_closed = ?", id, false).
		Update("is_auction_closed", true)
	if result.Error != nil {
		return false, fmt.Errorf("[%s] Fail to claim close, err=%w", op, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// GetHighestBid 取得商品目前的最高出價，沒有出價時回傳 nil
func (s *Store) GetHighestBid(ctx context.Context, listingID uuid.UUID) (*models.Bid, error) {
	const op = "store.GetHighestBid"
	var bid models.Bid
	result := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "amount"}, Desc: true},
			{Column: clause.Column{Name: "created_at"}, Desc: true},
		}}).
		First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] Fail to find highest bid, err=%w", op, result.Error)
	}
	return &bid, nil
}

// InsertBid 寫入一筆出價紀錄
func (s *Store) InsertBid(ctx context.Context, listingID, bidderID uuid.UUID, amount int64) (*models.Bid, error) {
	const op = "store.InsertBid"
	bid := models.Bid{
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
	}
	if result := s.db.WithContext(ctx).Create(&bid); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid, err=%w", op, result.Error)
	}
	return &bid, nil
}

// CreateNotification 寫入一筆通知
func (s *Store) CreateNotification(ctx context.Context, notification *models.Notification) error {
	const op = "store.CreateNotification"
	if result := s.db.WithContext(ctx).Create(notification); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create notification, err=%w", op, result.Error)
	}
	return nil
}
