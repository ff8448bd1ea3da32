// Package styx wraps the Redis connection behind the small set of stream,
// hash, counter and pub/sub operations the broker needs. Every method is a
// thin, error-wrapped veneer over go-redis so the layers above never touch
// the client directly.
package styx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
)

// releaseScript deletes a lease key only when the caller still holds it.
// KEYS[1] - lease key
// ARGV[1] - expected token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// StreamEntry is one pending XADD in a batch append.
type StreamEntry struct {
	Stream string
	Values map[string]any
}

// Substrate is the broker's view of Redis.
type Substrate struct {
	client *redis.Client
	logger hermes.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(addr string, db int, password string, logger hermes.Logger) (*Substrate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client, typically a test instance.
func NewWithClient(client *redis.Client, logger hermes.Logger) *Substrate {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Substrate{client: client, logger: logger}
}

// Client exposes the underlying go-redis client.
func (s *Substrate) Client() *redis.Client {
	return s.client
}

// Close releases the underlying connection pool.
func (s *Substrate) Close() error {
	return s.client.Close()
}

// Ping round-trips the connection and reports the latency.
func (s *Substrate) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSubstrateUnavailable, err)
	}
	return time.Since(start), nil
}

// Append adds an entry to a stream and returns its generated ID.
func (s *Substrate) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// AppendTrimmed adds an entry while approximately capping the stream length.
func (s *Substrate) AppendTrimmed(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// AppendBatch adds several entries in one pipeline and returns their IDs
// in input order.
func (s *Substrate) AppendBatch(ctx context.Context, entries []StreamEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, 0, len(entries))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: entry.Stream,
				Values: entry.Values,
			}))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append batch: %w", err)
	}

	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("failed to append batch entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Range reads up to count entries between start and stop, oldest first.
// A count of 0 reads everything in the interval.
func (s *Substrate) Range(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, stream, start, stop, count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, stream, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to range stream %s: %w", stream, err)
	}
	return msgs, nil
}

// RangeAll reads every entry in the stream, oldest first.
func (s *Substrate) RangeAll(ctx context.Context, stream string) ([]redis.XMessage, error) {
	return s.Range(ctx, stream, "-", "+", 0)
}

// RangeReverse reads up to count entries, newest first.
func (s *Substrate) RangeReverse(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	msgs, err := s.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reverse-range stream %s: %w", stream, err)
	}
	return msgs, nil
}

// Entry fetches a single stream entry by ID. Missing entries return nil
// without an error.
func (s *Substrate) Entry(ctx context.Context, stream, id string) (*redis.XMessage, error) {
	msgs, err := s.client.XRangeN(ctx, stream, id, id, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s from %s: %w", id, stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// Len returns the number of entries in a stream.
func (s *Substrate) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of stream %s: %w", stream, err)
	}
	return n, nil
}

// Delete removes entries from a stream by ID.
func (s *Substrate) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	n, err := s.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete from stream %s: %w", stream, err)
	}
	return n, nil
}

// DeleteKeys removes whole keys, streams included.
func (s *Substrate) DeleteKeys(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return n, nil
}

// EnsureGroup creates a consumer group reading from the beginning of the
// stream, creating the stream itself if needed. An existing group is fine.
func (s *Substrate) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// GroupRead performs a non-blocking consumer-group read of new entries.
// It returns nil when the stream has nothing to deliver, and lazily
// recreates the group if it has gone missing.
func (s *Substrate) GroupRead(ctx context.Context, group, consumer, stream string, count int64) ([]redis.XMessage, error) {
	msgs, err := s.groupReadOnce(ctx, group, consumer, stream, count)
	if isNoGroup(err) {
		s.logger.Warn(ctx, "consumer group missing, recreating", map[string]any{
			"stream": stream,
			"group":  group,
		})
		if gerr := s.EnsureGroup(ctx, stream, group); gerr != nil {
			return nil, gerr
		}
		msgs, err = s.groupReadOnce(ctx, group, consumer, stream, count)
	}
	return msgs, err
}

func (s *Substrate) groupReadOnce(ctx context.Context, group, consumer, stream string, count int64) ([]redis.XMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s on %s: %w", group, stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Ack acknowledges pending entries for a consumer group.
func (s *Substrate) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	n, err := s.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to ack on stream %s: %w", stream, err)
	}
	return n, nil
}

// AckDel acknowledges and deletes one entry in a single pipeline,
// returning how many entries each step actually affected.
func (s *Substrate) AckDel(ctx context.Context, stream, group, id string) (int64, int64, error) {
	var ackCmd, delCmd *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ackCmd = pipe.XAck(ctx, stream, group, id)
		delCmd = pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to ack entry %s on %s: %w", id, stream, err)
	}
	return ackCmd.Val(), delCmd.Val(), nil
}

// Pending lists up to count pending entries of a consumer group with
// their idle times and delivery counts. A missing group reads as empty.
func (s *Substrate) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	entries, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err == redis.Nil || isNoGroup(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending entries of %s: %w", stream, err)
	}
	return entries, nil
}

// PendingCount returns the size of a consumer group's pending list.
func (s *Substrate) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	summary, err := s.client.XPending(ctx, stream, group).Result()
	if err == redis.Nil || isNoGroup(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries of %s: %w", stream, err)
	}
	return summary.Count, nil
}

// HashSet writes one field of a hash.
func (s *Substrate) HashSet(ctx context.Context, key, field string, value any) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("failed to write hash field %s of %s: %w", field, key, err)
	}
	return nil
}

// HashGet reads one field of a hash. A missing field surfaces redis.Nil,
// which callers detect with IsNil.
func (s *Substrate) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to read hash field %s of %s: %w", field, key, err)
	}
	return val, nil
}

// HashGetAll reads every field of a hash. Missing keys read as empty.
func (s *Substrate) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return fields, nil
}

// HashDelete removes fields from a hash.
func (s *Substrate) HashDelete(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete hash fields of %s: %w", key, err)
	}
	return nil
}

// HashLen returns the number of fields in a hash.
func (s *Substrate) HashLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read hash length of %s: %w", key, err)
	}
	return n, nil
}

// Increment adds one to a counter key and returns the new value.
func (s *Substrate) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

// CounterValue reads a counter key. Missing keys read as zero.
func (s *Substrate) CounterValue(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse counter %s: %w", key, err)
	}
	return n, nil
}

// Publish sends a payload on a pub/sub channel.
func (s *Substrate) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and confirms it before returning.
func (s *Substrate) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return pubsub, nil
}

// AcquireLease atomically claims a lease key for ttl. It returns the
// holder token and whether the claim won.
func (s *Substrate) AcquireLease(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLease drops a lease, but only when token still holds it. A lease
// that expired or changed hands is left alone.
func (s *Substrate) ReleaseLease(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Pipelined runs fn inside one Redis pipeline.
func (s *Substrate) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return s.client.Pipelined(ctx, fn)
}

// IsNil reports whether err is the go-redis missing-key sentinel.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
