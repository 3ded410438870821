package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hammer/models"
)

type closerOptions struct {
	logger   *slog.Logger
	interval time.Duration
	lock     Locker
}

type CloserOption func(*closerOptions)

// WithCloserLogger 設置日誌記錄器
func WithCloserLogger(logger *slog.Logger) CloserOption {
	return func(o *closerOptions) {
		o.logger = logger
	}
}

// WithCloserInterval 設置排程間隔
func WithCloserInterval(d time.Duration) CloserOption {
	return func(o *closerOptions) {
		o.interval = d
	}
}

// WithCloserLock 設置掃描用的分散式鎖
// 鎖只用來避免多個實例重複掃描，結標的正確性由 ClaimClose 的條件更新保證，
// 沒有設置鎖時多實例同時執行也是安全的
func WithCloserLock(lock Locker) CloserOption {
	return func(o *closerOptions) {
		o.lock = lock
	}
}

// Closer 是結標排程
// 以固定間隔掃描截止時間已過且尚未結標的拍賣商品，為每一個商品在獨立的交易內
// 搶結標權並寫入結算通知，搶輸的實例會靜默跳過該商品
type Closer struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool

	options closerOptions
}

// NewCloser 建立結標排程
func NewCloser(store Store, publisher Publisher, opts ...CloserOption) (*Closer, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	// 默認選項
	options := closerOptions{
		logger:   slog.Default(),
		interval: time.Minute,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Closer{
		store:     store,
		publisher: publisher,
		logger:    options.logger.With(slog.String("caller", "Closer")),
		closed:    true,
		options:   options,
	}, nil
}

// Start 啟動排程worker
func (c *Closer) Start() {
	if !c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFunc = cancel
	c.closed = false
	c.logger.Info("starting auction closer", slog.Duration("interval", c.options.interval))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.logger.Info("auction closer stopped")
		ticker := time.NewTicker(c.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runTick(ctx)
			}
		}
	}()
}

// Close 停止排程worker
func (c *Closer) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancelFunc()
	c.wg.Wait()
}

func (c *Closer) runTick(ctx context.Context) {
	if c.options.lock == nil {
		c.Tick(ctx)
		return
	}
	// 鎖被其他實例持有代表對方正在掃描，這輪直接跳過
	lockCtx, err := c.options.lock.TryLock(ctx)
	if err != nil {
		c.logger.Debug("skip tick, another instance is scanning", slog.Any("reason", err))
		return
	}
	defer func() {
		if _, err := c.options.lock.Unlock(); err != nil {
			c.logger.Warn("Fail to release tick lock", slog.Any("error", err))
		}
	}()
	c.Tick(lockCtx)
}

// Tick 執行一輪結標
// 沒有回傳值，所有錯誤都記錄後留給下一輪重試。單一商品的處理失敗不會中斷
// 同一輪內其他商品的處理
func (c *Closer) Tick(ctx context.Context) {
	const op = "Closer.Tick"
	listings, err := c.store.GetExpiredOpenAuctions(ctx, time.Now())
	if err != nil {
		c.logger.Error("Fail to scan expired auctions", slog.String("op", op), slog.Any("error", err))
		return
	}
	for _, listing := range listings {
		if err := c.settle(ctx, listing.ID); err != nil {
			c.logger.Error("Fail to settle auction",
				slog.String("op", op),
				slog.String("listingID", listing.ID.String()),
				slog.Any("error", err))
		}
	}
}

// settle 在單一交易內結算一個商品
// 交易內會重新讀取商品與最高出價，避免掃描到結標之間才進來的出價被漏掉。
// 結算通知和 ClaimClose 在同一筆交易內寫入，通知失敗會回滾結標權，
// 商品會在下一輪重新被處理
func (c *Closer) settle(ctx context.Context, listingID uuid.UUID) error {
	var (
		listing *models.Listing
		winner  *models.Bid
		claimed bool
	)
	err := c.store.Transaction(ctx, func(tx Store) error {
		var err error
		listing, err = tx.GetListingForUpdate(ctx, listingID)
		if err != nil {
			return err
		}
		if !listing.IsAuction || listing.IsAuctionClosed {
			return nil
		}
		if listing.AuctionDeadline == nil || time.Now().Before(*listing.AuctionDeadline) {
			return nil
		}
		claimed, err = tx.ClaimClose(ctx, listingID)
		if err != nil {
			return err
		}
		if !claimed {
			// 其他實例已經搶到結標權
			return nil
		}
		winner, err = tx.GetHighestBid(ctx, listingID)
		if err != nil {
			return err
		}
		if winner == nil {
			return tx.CreateNotification(ctx, noBidsNotification(listing.SellerID, listing.Title))
		}
		if err := tx.CreateNotification(ctx, wonNotification(winner.BidderID, listing.Title, winner.Amount)); err != nil {
			return err
		}
		return tx.CreateNotification(ctx, soldNotification(listing.SellerID, listing.Title, winner.Amount))
	})
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	c.logger.Info("Auction settled",
		slog.String("listingID", listingID.String()),
		slog.Bool("hasWinner", winner != nil))

	// 廣播在交易提交後進行，失敗時只記錄
	if winner == nil {
		ev := userEvent(noBidsNotification(listing.SellerID, listing.Title))
		if err := c.publisher.PublishUserEvent(ctx, listing.SellerID, ev); err != nil {
			c.logger.Error("Fail to publish no-bids event", slog.Any("error", err))
		}
		return nil
	}
	wonEv := userEvent(wonNotification(winner.BidderID, listing.Title, winner.Amount))
	if err := c.publisher.PublishUserEvent(ctx, winner.BidderID, wonEv); err != nil {
		c.logger.Error("Fail to publish won event", slog.Any("error", err))
	}
	soldEv := userEvent(soldNotification(listing.SellerID, listing.Title, winner.Amount))
	if err := c.publisher.PublishUserEvent(ctx, listing.SellerID, soldEv); err != nil {
		c.logger.Error("Fail to publish sold event", slog.Any("error", err))
	}
	return nil
}
