package bidding

import "errors"

var (
	ErrLotNotFound    = errors.New("lot not found")
	ErrBusy           = errors.New("lot is busy")
	ErrTooManyWaiters = errors.New("too many waiters on lot")
	ErrEngineClosed   = errors.New("engine is closed")
)

// ErrorKind 是回傳給呼叫端的錯誤分類，集合是封閉的
type ErrorKind string

const (
	KindLotNotOpen          ErrorKind = "LotNotOpen"
	KindBidTooLow           ErrorKind = "BidTooLow"
	KindInvalidBid          ErrorKind = "InvalidBid"
	KindDuplicateSubmission ErrorKind = "DuplicateSubmission"
	KindRateLimited         ErrorKind = "RateLimited"
	KindTransientBusy       ErrorKind = "TransientBusy"
	KindNotFound            ErrorKind = "NotFound"
	KindPersistenceFailure  ErrorKind = "PersistenceFailure"
)

// Retryable 判斷呼叫端是否可以直接重送整個請求
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransientBusy, KindPersistenceFailure, KindDuplicateSubmission:
		return true
	}
	return false
}

// Reason 是驗證器內部使用的拒絕原因
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotOpen        Reason = "not-open"
	ReasonInvalidAmount  Reason = "invalid-amount"
	ReasonBelowIncrement Reason = "below-increment"
	ReasonSelfOutbid     Reason = "self-outbid"
)

// Kind 將內部原因轉換成對外的錯誤分類
func (r Reason) Kind() ErrorKind {
	switch r {
	case ReasonNotOpen:
		return KindLotNotOpen
	case ReasonBelowIncrement:
		return KindBidTooLow
	case ReasonInvalidAmount, ReasonSelfOutbid:
		return KindInvalidBid
	}
	return ""
}
