package redis

import (
	"io"
	"log"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	// 測試期間不輸出日誌
	log.SetOutput(io.Discard)
}

// setupTest 建立redismock客戶端，cleanup時驗證所有預期的指令都有被執行
func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

// relayedEvent 模擬經由stream轉送的廣播事件
type relayedEvent struct {
	Channel string `json:"channel"`
	Amount  int64  `json:"amount"`
}
