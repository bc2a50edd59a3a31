// Package logrelay implements the Log Relay (C8): per-request append-only
// log streams backed by a single mechanism — Redis Streams — used for
// both history replay and live tail, consolidating what used to be a
// mixed streams/pub-sub design into exactly one mechanism.
package logrelay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/domain"
)

// streamKeyPrefix namespaces every log stream key in the broker.
const streamKeyPrefix = "browser_use_logs:"

func streamKey(requestID string) string { return streamKeyPrefix + requestID }

// Relay is the Log Relay (C8).
type Relay struct {
	client        *redis.Client
	blockDuration time.Duration
}

// New builds a Relay over an existing Redis client, blocking reads for up
// to blockDuration (T_sse_block, default 5000ms) when tailing live.
func New(client *redis.Client, blockDuration time.Duration) *Relay {
	return &Relay{client: client, blockDuration: blockDuration}
}

// Append writes one LogRecord to request-id's stream. Non-blocking from
// the caller's perspective beyond the network round-trip to Redis.
func (r *Relay) Append(ctx context.Context, requestID string, rec domain.LogRecord) error {
	values := map[string]any{
		"msg":    rec.Message,
		"level":  rec.Level,
		"source": rec.Source,
	}
	for k, v := range rec.Fields {
		values[k] = v
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(requestID),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// History returns every record from fromID (inclusive; "0" means from the
// beginning) up to the current tail.
func (r *Relay) History(ctx context.Context, requestID, fromID string) ([]domain.LogRecord, error) {
	if fromID == "" {
		fromID = "0"
	}
	results, err := r.client.XRange(ctx, streamKey(requestID), fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, err)
	}

	records := make([]domain.LogRecord, 0, len(results))
	for _, msg := range results {
		records = append(records, decodeRecord(msg))
	}
	return records, nil
}

// Tail makes one blocking read of up to 100 entries after lastID, waiting
// at most the relay's block duration. It returns the records read, the id
// of the last one (lastID when none), and whether the read timed out, so
// the SSE handler (ServeSSE) can decide between log events and a heartbeat.
func (r *Relay) Tail(ctx context.Context, requestID, lastID string) (records []domain.LogRecord, newLastID string, timedOut bool, err error) {
	if lastID == "" {
		lastID = "0"
	}

	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(requestID), lastID},
		Block:   r.blockDuration,
		Count:   100,
	}).Result()

	if err == redis.Nil {
		return nil, lastID, true, nil
	}
	if err != nil {
		return nil, lastID, false, fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, lastID, true, nil
	}

	out := make([]domain.LogRecord, 0, len(streams[0].Messages))
	cursor := lastID
	for _, msg := range streams[0].Messages {
		out = append(out, decodeRecord(msg))
		cursor = msg.ID
	}
	return out, cursor, false, nil
}

func decodeRecord(msg redis.XMessage) domain.LogRecord {
	rec := domain.LogRecord{ID: msg.ID, Fields: make(map[string]any)}

	if v, ok := msg.Values["msg"]; ok {
		rec.Message = fmt.Sprint(v)
	}
	if v, ok := msg.Values["level"]; ok {
		rec.Level = fmt.Sprint(v)
	} else {
		rec.Level = "INFO"
	}
	if v, ok := msg.Values["source"]; ok {
		rec.Source = fmt.Sprint(v)
	}

	for k, v := range msg.Values {
		if k == "msg" || k == "level" || k == "source" {
			continue
		}
		rec.Fields[k] = v
	}

	if seconds, ts, ok := parseStreamID(msg.ID); ok {
		rec.Timestamp = ts
		_ = seconds
	} else {
		rec.Timestamp = time.Now()
	}

	return rec
}

// parseStreamID extracts the millisecond timestamp component of a Redis
// stream entry id ("<ms>-<seq>").
func parseStreamID(id string) (int64, time.Time, bool) {
	for i, c := range id {
		if c == '-' {
			ms, err := strconv.ParseInt(id[:i], 10, 64)
			if err != nil {
				return 0, time.Time{}, false
			}
			return ms, time.UnixMilli(ms), true
		}
	}
	return 0, time.Time{}, false
}
