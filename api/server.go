package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"hammer/adapters/broadcast"
	redisAdapter "hammer/adapters/redis"
	"hammer/engine"
	"hammer/models"
	"hammer/store"
)

// 呼叫者身分由前置的API gateway驗證後放在這個header帶進來
const HeaderUserID = "X-User-ID"

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client
	broadcaster *broadcast.Broadcaster
	bidService  *engine.BidService
	closer      *engine.Closer

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化商品頻道的連線管理器，訊息經由Redis Stream廣播到所有實例
	listingProducer, err := redisAdapter.NewProducer[broadcast.PublishRequest[broadcast.ListingEvent]](redisClient, config.Redis.StreamKeys.ListingEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create listing event producer, err=%w", op, err)
	}
	listingConsumer, err := redisAdapter.NewConsumer[broadcast.PublishRequest[broadcast.ListingEvent]](redisClient, config.Redis.StreamKeys.ListingEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create listing event consumer, err=%w", op, err)
	}
	listingManager, err := broadcast.NewConnectionManager[broadcast.ListingEvent](
		broadcast.WithLogger[broadcast.ListingEvent](slog.Default()),
		broadcast.WithPublisher[broadcast.ListingEvent](listingProducer),
		broadcast.WithSubscriber[broadcast.ListingEvent](listingConsumer),
		// 廣播和提交之間沒有鎖，遲到的舊價格事件在這裡被過濾掉
		broadcast.WithDispatchGuard[broadcast.ListingEvent](broadcast.ListingEventGuard()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create listing connection manager, err=%w", op, err)
	}

	// 初始化使用者頻道的連線管理器
	userProducer, err := redisAdapter.NewProducer[broadcast.PublishRequest[engine.UserEvent]](redisClient, config.Redis.StreamKeys.UserEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create user event producer, err=%w", op, err)
	}
	userConsumer, err := redisAdapter.NewConsumer[broadcast.PublishRequest[engine.UserEvent]](redisClient, config.Redis.StreamKeys.UserEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create user event consumer, err=%w", op, err)
	}
	userManager, err := broadcast.NewConnectionManager[engine.UserEvent](
		broadcast.WithLogger[engine.UserEvent](slog.Default()),
		broadcast.WithPublisher[engine.UserEvent](userProducer),
		broadcast.WithSubscriber[engine.UserEvent](userConsumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create user connection manager, err=%w", op, err)
	}

	broadcaster, err := broadcast.NewBroadcaster(listingManager, userManager)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create broadcaster, err=%w", op, err)
	}

	// 初始化出價服務
	bidStore := store.New(db)
	bidOptions := []engine.BidServiceOption{}
	if config.Bid.MinIncrement > 0 {
		bidOptions = append(bidOptions, engine.WithBidServiceMinIncrement(config.Bid.MinIncrement))
	}
	if config.Bid.MaxRetries > 0 {
		bidOptions = append(bidOptions, engine.WithBidServiceMaxRetries(config.Bid.MaxRetries))
	}
	bidService, err := engine.NewBidService(bidStore, broadcaster, bidOptions...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid service, err=%w", op, err)
	}

	// 初始化結標排程
	closerOptions := []engine.CloserOption{}
	if config.Closer.Interval > 0 {
		closerOptions = append(closerOptions, engine.WithCloserInterval(config.Closer.Interval))
	}
	if config.Closer.UseTickLock {
		lockKey := config.Redis.KeyPrefix + "auction-closer:lock"
		closerOptions = append(closerOptions, engine.WithCloserLock(redisAdapter.NewAutoRenewMutex(redisClient, lockKey)))
	}
	closer, err := engine.NewCloser(bidStore, broadcaster, closerOptions...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create closer, err=%w", op, err)
	}

	return &ServerImpl{
		db:          db,
		redisClient: redisClient,
		broadcaster: broadcaster,
		bidService:  bidService,
		closer:      closer,
		config:      config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動廣播器(連帶啟動底下的producer和consumer)
	impl.broadcaster.Start()
	// 啟動結標排程
	impl.closer.Start()
}

func (impl *ServerImpl) Close() {
	// 關閉結標排程
	impl.closer.Close()
	// 關閉廣播器
	impl.broadcaster.Close()
}

func (impl *ServerImpl) RegisterRoutes(router gin.IRouter) {
	router.POST("/auction/listing/:listingID/bids", impl.PostListingBid)
	router.GET("/auction/listing/:listingID", impl.GetListing)
	router.GET("/auction/listing/:listingID/events", impl.GetListingEvents)
	router.GET("/user/events", impl.GetUserEvents)
	router.GET("/user/notifications", impl.GetUserNotifications)
}

// callerID 從header取出呼叫者身分
func callerID(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.GetHeader(HeaderUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Missing or invalid user identity"})
		return uuid.Nil, false
	}
	return userID, true
}

type PostListingBidRequest struct {
	Bid int64 `json:"bid" binding:"required"`
}

// Place a bid on an auction listing
// (POST /auction/listing/{listingID}/bids)
func (impl *ServerImpl) PostListingBid(c *gin.Context) {
	const op = "PostListingBid"
	listingID, err := uuid.Parse(c.Param("listingID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Listing not found"})
		return
	}
	bidderID, ok := callerID(c)
	if !ok {
		return
	}
	var request PostListingBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	bid, err := impl.bidService.PlaceBid(c.Request.Context(), listingID, bidderID, request.Bid)
	if err == nil {
		c.JSON(http.StatusCreated, gin.H{
			"bid":  bid.Amount,
			"time": bid.CreatedAt,
		})
		return
	}

	// 將各種驗證失敗對應到HTTP狀態碼
	var tooLow *engine.BidTooLowError
	switch {
	case errors.Is(err, engine.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Listing not found"})
	case errors.Is(err, engine.ErrNotAnAuction):
		c.JSON(http.StatusConflict, gin.H{"message": "Listing is not an auction"})
	case errors.Is(err, engine.ErrAuctionEnded):
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
	case errors.Is(err, engine.ErrSelfBidForbidden):
		c.JSON(http.StatusForbidden, gin.H{"message": "Cannot bid on your own listing"})
	case errors.Is(err, engine.ErrAlreadyHighestBidder):
		c.JSON(http.StatusConflict, gin.H{"message": "You already hold the highest bid"})
	case errors.As(err, &tooLow):
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Bid is too low",
			"minimum": tooLow.Minimum,
		})
	case errors.Is(err, engine.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"message": "Too much contention, please retry"})
	default:
		slog.Error("Fail to place bid", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
	}
}

// Get auction listing details
// (GET /auction/listing/{listingID})
func (impl *ServerImpl) GetListing(c *gin.Context) {
	const op = "GetListing"
	listingID, err := uuid.Parse(c.Param("listingID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Listing not found"})
		return
	}
	listing := models.Listing{ID: listingID}
	if result := impl.db.
		Preload("Bids", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
		}).
		First(&listing); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Listing not found"})
			return
		}
		slog.Error("Fail to find listing", slog.String("op", op), slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	// 出價紀錄只公開金額和時間，不公開出價者
	bidRecords := lo.Map(listing.Bids, func(bid models.Bid, _ int) gin.H {
		return gin.H{
			"amount": bid.Amount,
			"time":   bid.CreatedAt,
		}
	})
	c.JSON(http.StatusOK, gin.H{
		"id":              listing.ID,
		"title":           listing.Title,
		"basePrice":       listing.BasePrice,
		"currentPrice":    listing.CurrentPrice,
		"isAuction":       listing.IsAuction,
		"auctionDeadline": listing.AuctionDeadline,
		"isClosed":        listing.IsAuctionClosed,
		"bidRecords":      bidRecords,
	})
}

// Track auction listing events
// (GET /auction/listing/{listingID}/events)
func (impl *ServerImpl) GetListingEvents(c *gin.Context) {
	const op = "GetListingEvents"
	listingID, err := uuid.Parse(c.Param("listingID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Listing not found"})
		return
	}
	listing := models.Listing{ID: listingID}
	if result := impl.db.First(&listing); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Listing not found"})
			return
		}
		slog.Error("Fail to find listing", slog.String("op", op), slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	if !listing.IsAuction {
		c.JSON(http.StatusConflict, gin.H{"message": "Listing is not an auction"})
		return
	}
	if listing.IsAuctionClosed {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}

	ch, err := impl.broadcaster.Listings().Subscribe(broadcast.ListingChannel(listingID))
	if err != nil {
		slog.Error("Fail to subscribe to listing events", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	defer impl.broadcaster.Listings().Unsubscribe(broadcast.ListingChannel(listingID), ch)
	serveSSE(c, ch, "bid")
}

// Track the caller's private events
// (GET /user/events)
func (impl *ServerImpl) GetUserEvents(c *gin.Context) {
	const op = "GetUserEvents"
	userID, ok := callerID(c)
	if !ok {
		return
	}
	ch, err := impl.broadcaster.Users().Subscribe(broadcast.UserChannel(userID))
	if err != nil {
		slog.Error("Fail to subscribe to user events", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	defer impl.broadcaster.Users().Unsubscribe(broadcast.UserChannel(userID), ch)
	serveSSE(c, ch, "notification")
}

// serveSSE 將頻道上的事件以SSE推送給客戶端直到連線中斷
func serveSSE[T any](c *gin.Context, ch <-chan T, eventName string) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	for {
		select {
		case <-w.CloseNotify():
			return
		case event := <-ch:
			c.SSEvent(eventName, event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和中間的proxy不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// List the caller's notifications
// (GET /user/notifications)
func (impl *ServerImpl) GetUserNotifications(c *gin.Context) {
	const op = "GetUserNotifications"
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var notifications []models.Notification
	result := impl.db.
		Where("recipient_id = ?", userID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Limit(100).
		Find(&notifications)
	if result.Error != nil {
		slog.Error("Fail to list notifications", slog.String("op", op), slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	output := lo.Map(notifications, func(n models.Notification, _ int) gin.H {
		return gin.H{
			"id":     n.ID,
			"kind":   n.Kind,
			"title":  n.Title,
			"body":   n.Body,
			"isRead": n.IsRead,
			"time":   n.CreatedAt,
		}
	})
	c.JSON(http.StatusOK, gin.H{
		"count":         len(output),
		"notifications": output,
	})
}
