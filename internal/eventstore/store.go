// Package eventstore хранит id уже обработанных событий процессора в Redis,
// чтобы повторная доставка не запускала обработчик второй раз.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "webhook:event:"
	stateProcessing = "processing"
	stateDone       = "done"
)

// Store claim/complete/release над ключами webhook:event:<id>.
// Захват живёт claimTTL, отметка об обработке живёт ttl: упавший обработчик
// не блокирует повторную доставку дольше одного таймаута запроса.
type Store struct {
	rdb      *redis.Client
	claimTTL time.Duration
	ttl      time.Duration
}

func New(rdb *redis.Client, claimTTL, ttl time.Duration) *Store {
	if claimTTL <= 0 || claimTTL > ttl {
		claimTTL = ttl
	}
	return &Store{rdb: rdb, claimTTL: claimTTL, ttl: ttl}
}

// NewClient разбирает REDIS_URL и проверяет соединение.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: некорректный url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Claim занимает id события. false значит, что событие уже обрабатывается или обработано,
// различить их можно через Processed.
func (s *Store) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+eventID, stateProcessing, s.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("eventstore: claim %s: %w", eventID, err)
	}
	return ok, nil
}

// Complete помечает событие обработанным на весь TTL.
func (s *Store) Complete(ctx context.Context, eventID string) error {
	if err := s.rdb.Set(ctx, keyPrefix+eventID, stateDone, s.ttl).Err(); err != nil {
		return fmt.Errorf("eventstore: complete %s: %w", eventID, err)
	}
	return nil
}

// Release снимает захват после ошибки обработчика, чтобы повторная доставка прошла.
func (s *Store) Release(ctx context.Context, eventID string) error {
	if err := s.rdb.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("eventstore: release %s: %w", eventID, err)
	}
	return nil
}

// Processed проверяет, завершена ли обработка события.
func (s *Store) Processed(ctx context.Context, eventID string) (bool, error) {
	state, err := s.rdb.Get(ctx, keyPrefix+eventID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eventstore: get %s: %w", eventID, err)
	}
	return state == stateDone, nil
}
