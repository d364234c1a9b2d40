package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "jobrelay:job:"
	terminalIndexKey = "jobrelay:jobs:terminal"
	maxTxRetries     = 16
)

// RedisStore keeps one JSON document per job and a sorted set of terminal
// job ids scored by finish time.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, stage, command string, args Args) (string, error) {
	if stage == "" || command == "" {
		return "", fmt.Errorf("stage and command required")
	}
	id := newID()
	data, err := json.Marshal(newJob(id, stage, command, args, s.now().UTC()))
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, jobKey(id), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("job id collision: %s", id)
	}
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update runs an optimistic WATCH/MULTI transaction, retrying when another
// writer touched the record concurrently.
func (s *RedisStore) Update(ctx context.Context, id string, u Update) (*Job, error) {
	key := jobKey(id)
	var result *Job
	txf := func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err := apply(job, u, s.now().UTC())
		if err != nil {
			return err
		}
		result = job
		if !changed {
			return nil
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if job.Status.Terminal() {
				pipe.ZAdd(ctx, terminalIndexKey, redis.Z{Score: float64(job.FinishedAt.Unix()), Member: id})
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) ListTerminal(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.ZRange(ctx, terminalIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list terminal: %w", err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
