package redis

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	fieldData   = "data"
	fieldOrigin = "origin"
)

var (
	ErrPointerType   = errors.New("pointer type is not allowed")
	ErrMissingData   = errors.New("data field not found or invalid type")
	ErrClosed        = errors.New("stream client is closed")
	ErrLockLost      = errors.New("lock lost")
	ErrEmptyKey      = errors.New("key cannot be empty")
	ErrInvalidReply  = errors.New("unexpected script reply")
	errNilClient     = errors.New("redis client cannot be nil")
	errEmptyStream   = errors.New("stream cannot be empty")
	errEmptyIdentity = errors.New("node id cannot be empty")
)

// EncodeMessage 將資料以 msgpack 編碼後放入 stream entry 的 data 欄位
// Redis stream 的欄位值本身就是二進位安全的，不需要再做 base64
func EncodeMessage[T any](data T) (map[string]any, error) {
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		fieldData: bytes,
	}, nil
}

// DecodeMessage 從 stream entry 還原資料
func DecodeMessage[T any](message map[string]any) (T, error) {
	var result T

	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	raw, ok := message[fieldData].(string)
	if !ok || raw == "" {
		return result, ErrMissingData
	}

	if err := msgpack.Unmarshal([]byte(raw), &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
