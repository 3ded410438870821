package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bid 代表商品的一筆出價紀錄
// 紀錄建立後不會再被更新或刪除，同一個商品的出價金額依建立時間嚴格遞增
type Bid struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	ListingID uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	BidderID  uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Amount    int64     `gorm:"type:bigint;not null;<-:create"`

	// 外鍵關聯
	Listing Listing
}
