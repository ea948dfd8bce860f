// README: Queue change signals published on Redis for downstream listeners.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet/internal/modules/booking"
)

const (
	queueChangedChannel = "fleet:queue:changed"
	lastChangeKeyPrefix = "fleet:queue:%d:last_change"
	// TTL for the last-change marker; a queue idle this long has no marker.
	keyTTL = 7 * 24 * time.Hour
)

// QueueSignals is told whenever a type queue shrinks or grows outside of
// booking creation.
type QueueSignals interface {
	QueueChanged(ctx context.Context, c QueueChange) error
}

type RedisSignals struct {
	redis *redis.Client
}

func NewRedisSignals(redis *redis.Client) *RedisSignals {
	return &RedisSignals{redis: redis}
}

func (s *RedisSignals) QueueChanged(ctx context.Context, c QueueChange) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	pipe := s.redis.Pipeline()
	pipe.Publish(ctx, queueChangedChannel, payload)
	if c.Type.Valid() {
		pipe.Set(ctx, lastChangeKey(c.Type), payload, keyTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LastChange returns the most recent change published for type t.
func (s *RedisSignals) LastChange(ctx context.Context, t booking.CargoType) (QueueChange, bool, error) {
	val, err := s.redis.Get(ctx, lastChangeKey(t)).Bytes()
	if err == redis.Nil {
		return QueueChange{}, false, nil
	}
	if err != nil {
		return QueueChange{}, false, err
	}
	var c QueueChange
	if err := json.Unmarshal(val, &c); err != nil {
		return QueueChange{}, false, err
	}
	return c, true, nil
}

func lastChangeKey(t booking.CargoType) string {
	return fmt.Sprintf(lastChangeKeyPrefix, int(t))
}
