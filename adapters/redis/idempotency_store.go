package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript 在 key 不存在時寫入空值作為 pending 標記
// 回傳 {1, ""} 表示成功保留；{0, payload} 表示已存在，pending 時 payload 為空字串
var reserveScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	return {0, v}
end
redis.call('SET', KEYS[1], '', 'PX', ARGV[1])
return {1, ''}
`)

// IdempotencyStore 是以 Redis 實作的 bidding.RecordStore，多個節點可以共用
type IdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewIdempotencyStore 建立冪等紀錄儲存，prefix 為空時使用 "bid:idem:"
func NewIdempotencyStore(client *redis.Client, prefix string) (*IdempotencyStore, error) {
	if client == nil {
		return nil, errNilClient
	}
	if prefix == "" {
		prefix = "bid:idem:"
	}
	return &IdempotencyStore{client: client, prefix: prefix}, nil
}

func (s *IdempotencyStore) key(key string) string {
	return s.prefix + key
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) ([]byte, bool, error) {
	const op = "IdempotencyStore.Reserve"

	if key == "" {
		return nil, false, fmt.Errorf("[%s] Fail to reserve key, err=%w", op, ErrEmptyKey)
	}

	reply, err := reserveScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("[%s] Fail to run reserve script, err=%w", op, err)
	}
	if len(reply) != 2 {
		return nil, false, fmt.Errorf("[%s] reply=%v, err=%w", op, reply, ErrInvalidReply)
	}

	fresh, ok := reply[0].(int64)
	if !ok {
		return nil, false, fmt.Errorf("[%s] reply=%v, err=%w", op, reply, ErrInvalidReply)
	}
	if fresh == 1 {
		return nil, true, nil
	}

	payload, _ := reply[1].(string)
	if payload == "" {
		return nil, false, nil
	}
	return []byte(payload), false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	const op = "IdempotencyStore.Complete"

	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to store result, err=%w", op, err)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	const op = "IdempotencyStore.Release"

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to release key, err=%w", op, err)
	}
	return nil
}
