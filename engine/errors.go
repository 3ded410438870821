package engine

import (
	"errors"
	"fmt"
)

// 出價驗證失敗的種類
// 這些都是預期中會回傳給呼叫端的結果，不會被記錄成錯誤也不會自動重試
var (
	ErrListingNotFound      = errors.New("listing not found")
	ErrNotAnAuction         = errors.New("listing is not an auction")
	ErrAuctionEnded         = errors.New("auction has ended")
	ErrSelfBidForbidden     = errors.New("seller cannot bid on own listing")
	ErrAlreadyHighestBidder = errors.New("bidder already holds the highest bid")
	ErrBidTooLow            = errors.New("bid amount too low")
)

// ErrConflict 代表出價交易重試次數用盡，呼叫端應以最新狀態重新出價
var ErrConflict = errors.New("bid conflicts with a concurrent bid")

// ErrTxConflict 代表一次可重試的交易失敗(序列化衝突或死鎖)
// 由 Store 實作包裝回傳，出價服務會在次數內自動重試
var ErrTxConflict = errors.New("transaction conflict")

// BidTooLowError 帶有本次出價可被接受的最低金額
type BidTooLowError struct {
	Minimum int64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid amount too low, minimum acceptable amount is %d", e.Minimum)
}

func (e *BidTooLowError) Is(target error) bool {
	return target == ErrBidTooLow
}
