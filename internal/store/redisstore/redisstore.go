package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store caches per-job status in a Redis hash so the dashboard can poll
// without hammering the database. The database stays the source of
// truth; entries expire on their own.
type Store struct {
	rdb *redis.Client
}

const statusTTL = 24 * time.Hour

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

func statusKey(jobID string) string {
	return "conversion:status:" + jobID
}

func (s *Store) SetJobStatus(ctx context.Context, jobID string, userID uint64, status string, errMsg string) error {
	key := statusKey(jobID)
	fields := map[string]any{
		"status":     status,
		"user_id":    strconv.FormatUint(userID, 10),
		"updated_at": time.Now().Format(time.RFC3339),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return s.rdb.Expire(ctx, key, statusTTL).Err()
}

// GetJobStatus returns the cached status fields, or ok=false on a miss.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (map[string]string, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, statusKey(jobID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	return vals, true, nil
}
