//go:generate mockgen -package=engine -destination=mock.go -source=interfaces.go

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hammer/models"
)

// Store 定義了競標引擎對持久層的操作介面
// 所有會改變 Listing 目前價格或結標旗標的操作都必須在 Transaction 裡執行
type Store interface {
	// Transaction 在單一交易中執行 fn，fn 回傳錯誤時整筆交易回滾
	Transaction(ctx context.Context, fn func(tx Store) error) error
	// GetListing 取得指定的商品
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	// GetListingForUpdate 取得指定的商品並鎖定該列直到交易結束
	// 只能在 Transaction 裡呼叫
	GetListingForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	// GetExpiredOpenAuctions 取得截止時間已過且尚未結標的拍賣商品
	GetExpiredOpenAuctions(ctx context.Context, now time.Time) ([]models.Listing, error)
	// UpdatePrice 更新商品的目前價格
	UpdatePrice(ctx context.Context, id uuid.UUID, amount int64) error
	// ClaimClose 以條件更新將商品標記為已結標，回傳是否由這次呼叫搶到結標權
	ClaimClose(ctx context.Context, id uuid.UUID) (bool, error)
	// GetHighestBid 取得商品目前的最高出價，沒有任何出價時回傳 nil
	GetHighestBid(ctx context.Context, listingID uuid.UUID) (*models.Bid, error)
	// InsertBid 寫入一筆出價紀錄
	InsertBid(ctx context.Context, listingID, bidderID uuid.UUID, amount int64) (*models.Bid, error)
	// CreateNotification 寫入一筆通知
	CreateNotification(ctx context.Context, notification *models.Notification) error
}

// UserEvent 是推送到使用者私人頻道的事件
type UserEvent struct {
	Kind  models.NotificationKind `json:"kind"`
	Title string                  `json:"title"`
	Body  string                  `json:"body"`
	Time  time.Time               `json:"time"`
}

// Publisher 定義了即時廣播層的操作介面
// 廣播是盡力而為的延遲最佳化，不是資料的來源，失敗時只記錄不重試
type Publisher interface {
	// PublishListingUpdate 將新的最高價推送到商品頻道，內容只有金額
	PublishListingUpdate(ctx context.Context, listingID uuid.UUID, amount int64) error
	// PublishUserEvent 將事件推送到指定使用者的私人頻道
	PublishUserEvent(ctx context.Context, userID uuid.UUID, event UserEvent) error
}

// Locker 定義了結標排程使用的分散式鎖介面
type Locker interface {
	// TryLock 嘗試取得鎖，鎖已被其他實例持有時回傳錯誤
	TryLock(ctx context.Context) (context.Context, error)
	// Unlock 釋放鎖
	Unlock() (bool, error)
}
