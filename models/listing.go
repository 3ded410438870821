package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Listing 代表市集中的一個商品
// 商品本身由商品目錄服務建立與維護，競標引擎只會更新目前價格與結標旗標
type Listing struct {
	gorm.Model

	ID              uuid.UUID  `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	SellerID        uuid.UUID  `gorm:"type:uuid;not null;<-:create"`
	Title           string     `gorm:"type:varchar(255);not null"`
	BasePrice       int64      `gorm:"type:bigint;not null;<-:create"`
	CurrentPrice    int64      `gorm:"type:bigint;not null"`
	IsAuction       bool       `gorm:"type:boolean;not null;default:false;<-:create"`
	AuctionDeadline *time.Time `gorm:"type:timestamp with time zone"`
	IsAuctionClosed bool       `gorm:"type:boolean;not null;default:false"`

	// 外鍵關聯
	Bids []Bid `gorm:"foreignKey:ListingID"`
}
