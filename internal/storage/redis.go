package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "cadence/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "cadence:outcomes"

// redisStore appends to a stream. Entries keep their own id in a field;
// the stream id is generated by Redis.
type redisStore struct {
	client *redis.Client
	stream string
	maxLen int64
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.MaxRetries = 3
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	stream := strings.TrimSpace(cfg.Topic)
	if stream == "" {
		stream = defaultStream
	}
	log.Debug("redis store opened", logx.String("stream", stream))
	return &redisStore{client: client, stream: stream, maxLen: cfg.MaxLen, log: log}, nil
}

func (s *redisStore) Append(ctx context.Context, e Entry) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: map[string]any{
			"id":      e.ID,
			"at":      e.At.UnixNano(),
			"run_id":  e.RunID,
			"group":   e.Group,
			"message": e.Message,
			"status":  e.Status,
			"body":    e.Body,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *redisStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(clampLimit(n))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{
			ID:      str(m.Values["id"]),
			RunID:   str(m.Values["run_id"]),
			Group:   str(m.Values["group"]),
			Message: str(m.Values["message"]),
			Status:  str(m.Values["status"]),
			Body:    []byte(str(m.Values["body"])),
		}
		var ns int64
		if _, err := fmt.Sscan(str(m.Values["at"]), &ns); err == nil {
			e.At = time.Unix(0, ns)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
