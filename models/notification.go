package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationKind 代表通知的種類
type NotificationKind string

const (
	NotificationOutbid NotificationKind = "outbid"
	NotificationWon    NotificationKind = "auction-won"
	NotificationSold   NotificationKind = "auction-sold"
	NotificationNoBids NotificationKind = "auction-ended-no-bids"
	NotificationNewBid NotificationKind = "new-bid-received"
)

// Notification 代表寫給使用者的一筆通知
// 競標引擎只負責建立通知，讀取與已讀狀態由通知服務維護
type Notification struct {
	gorm.Model

	ID          uuid.UUID        `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	RecipientID uuid.UUID        `gorm:"type:uuid;not null;index;<-:create"`
	Kind        NotificationKind `gorm:"type:text;not null;<-:create"`
	Title       string           `gorm:"type:varchar(255);not null;<-:create"`
	Body        string           `gorm:"type:text;not null;<-:create"`
	IsRead      bool             `gorm:"type:boolean;not null;default:false"`
}
