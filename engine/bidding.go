package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hammer/models"
)

type bidServiceOptions struct {
	logger       *slog.Logger
	minIncrement int64
	maxRetries   int
}

type BidServiceOption func(*bidServiceOptions)

// WithBidServiceLogger 設置日誌記錄器
func WithBidServiceLogger(logger *slog.Logger) BidServiceOption {
	return func(o *bidServiceOptions) {
		o.logger = logger
	}
}

// WithBidServiceMinIncrement 設置出價最小加價幅度
func WithBidServiceMinIncrement(increment int64) BidServiceOption {
	return func(o *bidServiceOptions) {
		o.minIncrement = increment
	}
}

// WithBidServiceMaxRetries 設置交易衝突時的最大重試次數
func WithBidServiceMaxRetries(retries int) BidServiceOption {
	return func(o *bidServiceOptions) {
		o.maxRetries = retries
	}
}

// BidService 負責驗證並提交出價
// 讀取最高價、驗證與寫入在同一筆交易內完成，並持有商品列的更新鎖，
// 同一個商品的兩筆併發出價不可能以相同的舊狀態同時成功
type BidService struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	options   bidServiceOptions
}

// NewBidService 建立出價服務
// store 提供交易範圍的持久層操作，publisher 負責成功後的即時廣播
func NewBidService(store Store, publisher Publisher, opts ...BidServiceOption) (*BidService, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	// 默認選項
	options := bidServiceOptions{
		logger:       slog.Default(),
		minIncrement: 1,
		maxRetries:   3,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &BidService{
		store:     store,
		publisher: publisher,
		logger:    options.logger.With(slog.String("caller", "BidService")),
		options:   options,
	}, nil
}

// PlaceBid 驗證並提交一筆出價
// 驗證依序檢查商品存在、是拍賣、未結標、非賣家自己出價、非目前最高出價者、
// 金額至少達到目前最高價(或起標價)加上最小加價幅度，每一項失敗都對應一個獨立的錯誤種類。
// 成功時會在同一筆交易內寫入出價、更新商品價格並建立賣家與前一位出價者的通知，
// 交易提交後才廣播新的最高價
func (s *BidService) PlaceBid(ctx context.Context, listingID, bidderID uuid.UUID, amount int64) (*models.Bid, error) {
	const op = "BidService.PlaceBid"

	var (
		bid     *models.Bid
		listing *models.Listing
		prev    *models.Bid
	)
	commit := func(tx Store) error {
		var err error
		listing, err = tx.GetListingForUpdate(ctx, listingID)
		if err != nil {
			return err
		}
		if !listing.IsAuction {
			return ErrNotAnAuction
		}
		if listing.IsAuctionClosed {
			return ErrAuctionEnded
		}
		if listing.AuctionDeadline != nil && !time.Now().Before(*listing.AuctionDeadline) {
			return ErrAuctionEnded
		}
		if bidderID == listing.SellerID {
			return ErrSelfBidForbidden
		}
		prev, err = tx.GetHighestBid(ctx, listingID)
		if err != nil {
			return err
		}
		if prev != nil && prev.BidderID == bidderID {
			return ErrAlreadyHighestBidder
		}
		floor := listing.BasePrice
		if prev != nil {
			floor = prev.Amount
		}
		// 回報的最低金額就是會被接受的最低金額
		minimum := floor + s.options.minIncrement
		if amount < minimum {
			return &BidTooLowError{Minimum: minimum}
		}
		bid, err = tx.InsertBid(ctx, listingID, bidderID, amount)
		if err != nil {
			return err
		}
		if err := tx.UpdatePrice(ctx, listingID, amount); err != nil {
			return err
		}
		// 通知與出價在同一筆交易內寫入，交易回滾時不會留下通知
		if err := tx.CreateNotification(ctx, newBidNotification(listing.SellerID, listing.Title, amount)); err != nil {
			return err
		}
		if prev != nil && prev.BidderID != bidderID {
			if err := tx.CreateNotification(ctx, outbidNotification(prev.BidderID, listing.Title, amount)); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	for attempt := 0; attempt <= s.options.maxRetries; attempt++ {
		err = s.store.Transaction(ctx, commit)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTxConflict) {
			return nil, err
		}
		s.logger.Debug("Retry bid after transaction conflict",
			slog.String("listingID", listingID.String()),
			slog.Int("attempt", attempt+1))
	}
	if err != nil {
		s.logger.Warn("Bid retries exhausted",
			slog.String("listingID", listingID.String()),
			slog.String("bidderID", bidderID.String()))
		return nil, fmt.Errorf("[%s] %w", op, ErrConflict)
	}

	s.logger.Info("Higher bid occurs",
		slog.String("listingID", listingID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.Int64("amount", amount))

	// 廣播只在交易提交後進行，失敗時記錄但不影響已提交的出價
	s.broadcast(ctx, listing, prev, amount)
	return bid, nil
}

func (s *BidService) broadcast(ctx context.Context, listing *models.Listing, prev *models.Bid, amount int64) {
	// 商品頻道只帶金額，不洩漏出價者身分給旁觀者
	if err := s.publisher.PublishListingUpdate(ctx, listing.ID, amount); err != nil {
		s.logger.Error("Fail to publish listing update", slog.Any("error", err))
	}
	if err := s.publisher.PublishUserEvent(ctx, listing.SellerID, userEvent(newBidNotification(listing.SellerID, listing.Title, amount))); err != nil {
		s.logger.Error("Fail to publish seller event", slog.Any("error", err))
	}
	if prev != nil {
		if err := s.publisher.PublishUserEvent(ctx, prev.BidderID, userEvent(outbidNotification(prev.BidderID, listing.Title, amount))); err != nil {
			s.logger.Error("Fail to publish outbid event", slog.Any("error", err))
		}
	}
}
