package redis

import (
	"context"
	"fmt"

	"mm-relay/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// LoadLatest reads the latest-quote hash and passes every decodable entry to
// apply. It returns how many were applied; unreadable entries are skipped.
func LoadLatest(ctx context.Context, rdb *goredis.Client, apply func(model.Quote)) (int, error) {
	entries, err := rdb.HGetAll(ctx, LatestKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis HGETALL %s: %w", LatestKey, err)
	}

	n := 0
	for field, payload := range entries {
		q, err := model.DecodeQuote([]byte(payload))
		if err != nil {
			continue
		}
		if q.Key.String() != field || q.Validate() != nil {
			continue
		}
		apply(q)
		n++
	}
	return n, nil
}
