package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hammer/engine"
)

// ListingEvent 是推送到商品頻道的事件
// 只帶新的最高價，不帶出價者身分，旁觀者看不到是誰出的價
type ListingEvent struct {
	Amount int64     `json:"amount"`
	Time   time.Time `json:"time"`
}

// ListingChannel 回傳商品頻道的名稱
func ListingChannel(listingID uuid.UUID) string {
	return "auction:" + listingID.String()
}

// ListingEventGuard 丟棄同一個商品頻道上金額沒有變高的事件
// 出價的廣播在交易提交後才發出，行鎖在提交時就釋放了，先提交的出價的
// 事件可能比後提交的晚送達；金額依提交順序嚴格遞增，所以拿金額當序號，
// 遲到的舊價格不會蓋掉訂閱者已經看到的最新價格
func ListingEventGuard() func(channelName string, event ListingEvent) bool {
	var mu sync.Mutex
	latest := make(map[string]int64)
	return func(channelName string, event ListingEvent) bool {
		mu.Lock()
		defer mu.Unlock()
		if last, ok := latest[channelName]; ok && event.Amount <= last {
			return false
		}
		latest[channelName] = event.Amount
		return true
	}
}

// UserChannel 回傳使用者私人頻道的名稱
func UserChannel(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// Broadcaster 實作 engine.Publisher
// 把商品價格更新與使用者事件分別送進兩個連線管理器，
// 訊息經由Redis Stream讓所有服務實例的訂閱者都收得到
type Broadcaster struct {
	listings IConnectionManager[ListingEvent]
	users    IConnectionManager[engine.UserEvent]
}

// NewBroadcaster 建立廣播器
func NewBroadcaster(listings IConnectionManager[ListingEvent], users IConnectionManager[engine.UserEvent]) (*Broadcaster, error) {
	if listings == nil || users == nil {
		return nil, fmt.Errorf("connection managers cannot be nil")
	}
	return &Broadcaster{
		listings: listings,
		users:    users,
	}, nil
}

// Start 啟動兩個連線管理器
func (b *Broadcaster) Start() {
	b.listings.Start()
	b.users.Start()
}

// Close 停止兩個連線管理器
func (b *Broadcaster) Close() {
	b.listings.Done()
	b.users.Done()
}

// Listings 回傳商品頻道的連線管理器，給SSE端點訂閱用
func (b *Broadcaster) Listings() IConnectionManager[ListingEvent] {
	return b.listings
}

// Users 回傳使用者頻道的連線管理器，給SSE端點訂閱用
func (b *Broadcaster) Users() IConnectionManager[engine.UserEvent] {
	return b.users
}

// PublishListingUpdate 將新的最高價推送到商品頻道
func (b *Broadcaster) PublishListingUpdate(ctx context.Context, listingID uuid.UUID, amount int64) error {
	return b.listings.Publish(ListingChannel(listingID), ListingEvent{
		Amount: amount,
		Time:   time.Now(),
	})
}

// PublishUserEvent 將事件推送到指定使用者的私人頻道
func (b *Broadcaster) PublishUserEvent(ctx context.Context, userID uuid.UUID, event engine.UserEvent) error {
	return b.users.Publish(UserChannel(userID), event)
}
