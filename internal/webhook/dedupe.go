package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper はWebhookイベントの重複受信を判定するインターフェース。
// repository.PostgresWebhookEventRepo と RedisDeduper が実装する。
type Deduper interface {
	// Claim はイベントIDを処理中として登録する。既に登録済みの場合はfalseを返す。
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	// Release は処理に失敗したイベントの登録を取り消す。
	Release(ctx context.Context, eventID string) error
}

const redisKeyPrefix = "membersync:stripe_event:"

// RedisDeduper はRedisのSETNXでイベントの重複を判定する。
// 登録はttl経過後に自動で失効する。
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper はRedisDeduperを生成する。
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// NewRedisClient はREDIS_URLからRedisクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Claim はイベントIDをSETNXで登録する。
func (d *RedisDeduper) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	ok, err := d.client.SetNX(ctx, redisKeyPrefix+eventID, eventType, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event in redis: %w", err)
	}
	return ok, nil
}

// Release はイベントIDの登録を削除する。
func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, redisKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("failed to release webhook event in redis: %w", err)
	}
	return nil
}

var _ Deduper = (*RedisDeduper)(nil)
