package api

import "time"

type ServerConfig struct {
	DB     DBConfig
	Redis  RedisConfig
	Bid    BidConfig
	Closer CloserConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 用於隔離同一個Redis上的多組部署
	KeyPrefix string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	// ListingEvents 是商品價格更新事件的stream
	ListingEvents string
	// UserEvents 是使用者私人事件的stream
	UserEvents string
}

type BidConfig struct {
	// MinIncrement 是出價必須高於目前價格的最小幅度
	MinIncrement int64
	// MaxRetries 是交易衝突時的重試次數上限
	MaxRetries int
}

type CloserConfig struct {
	// Interval 是結標排程的掃描間隔
	Interval time.Duration
	// UseTickLock 啟用分散式鎖來避免多個實例重複掃描
	UseTickLock bool
}
