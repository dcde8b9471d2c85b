package hotstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	event "github.com/riverchime/scheduler"
)

// RedisStore implements Store on top of a Redis sorted set plus per-entry
// hashes. The sorted set (key <prefix>hot:due) scores each entry ID by
// event.Score (DueAt in unix microseconds, offset by Priority), giving
// O(log N) insert and O(log N + M) range scans for due entries. Claim uses a Lua script so the read-status/check/write-status
// sequence is atomic across nodes racing for the same entry, the same
// technique the pack uses for its rate limiter's increment-and-check and
// its idempotency store's SETNX guard.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed hot store. keyPrefix namespaces all
// keys, e.g. "sched:".
func NewRedisStore(client redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "sched:"
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (r *RedisStore) dueKey() string   { return r.prefix + "hot:due" }
func (r *RedisStore) entryKey(id string) string { return r.prefix + "hot:entry:" + id }

// entryRecord is the wire form stored in the Redis hash's "blob" field,
// MessagePack-encoded since Redis hash fields are flat byte strings and
// the pack's own payload codec favors msgpack's compactness over JSON for
// values that never need to be human-read off the wire.
type entryRecord struct {
	ID              string
	Name            string
	Payload         []byte
	Metadata        map[string]string
	FireAt          time.Time
	CreatedAt       time.Time
	Priority        int
	MaxDelaySeconds int
	NextAttemptAt   time.Time
	Status          event.Status
	Attempts        int
	CorrelationID   string
	NodeID          string
	UpdatedAt       time.Time
	TransferredAt   time.Time
	ClaimedAt       time.Time
	ClaimToken      string
	LastError       string
}

func fromEvent(ev *event.ScheduledEvent) *entryRecord {
	return &entryRecord{
		ID: ev.ID, Name: ev.Name, Payload: ev.Payload, Metadata: ev.Metadata,
		FireAt: ev.FireAt, CreatedAt: ev.CreatedAt, Status: ev.Status,
		Priority: ev.Priority, MaxDelaySeconds: ev.MaxDelaySeconds, NextAttemptAt: ev.NextAttemptAt,
		Attempts: ev.Attempts, ClaimedAt: ev.ClaimedAt, ClaimToken: ev.ClaimToken,
		LastError: ev.LastError, CorrelationID: ev.CorrelationID, NodeID: ev.NodeID,
		UpdatedAt: ev.UpdatedAt, TransferredAt: ev.TransferredAt,
	}
}

func (e *entryRecord) toEvent() *event.ScheduledEvent {
	return &event.ScheduledEvent{
		ID: e.ID, Name: e.Name, Payload: e.Payload, Metadata: e.Metadata,
		FireAt: e.FireAt, CreatedAt: e.CreatedAt, Status: e.Status,
		Priority: e.Priority, MaxDelaySeconds: e.MaxDelaySeconds, NextAttemptAt: e.NextAttemptAt,
		Attempts: e.Attempts, ClaimedAt: e.ClaimedAt, ClaimToken: e.ClaimToken,
		LastError: e.LastError, CorrelationID: e.CorrelationID, NodeID: e.NodeID,
		UpdatedAt: e.UpdatedAt, TransferredAt: e.TransferredAt,
	}
}

func (r *RedisStore) Insert(ctx context.Context, ev *event.ScheduledEvent) error {
	existing, err := r.client.HGet(ctx, r.entryKey(ev.ID), "blob").Bytes()
	switch err {
	case nil:
		var rec entryRecord
		if uerr := msgpack.Unmarshal(existing, &rec); uerr != nil {
			return fmt.Errorf("hotstore: unmarshal entry %s: %w", ev.ID, uerr)
		}
		if rec.toEvent().Equivalent(ev) {
			return nil
		}
		return &event.ConflictError{ID: ev.ID}
	case redis.Nil:
		// no existing entry, proceed with insert
	default:
		return &event.TransientStoreError{Op: "insert_get", Err: err}
	}

	rec := fromEvent(ev)
	rec.Status = event.StatusQueued
	rec.UpdatedAt = time.Now()
	blob, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("hotstore: marshal entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.entryKey(ev.ID), "blob", blob, "status", string(event.StatusQueued), "claim_token", "")
	pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: event.Score(ev.DueAt(), ev.Priority), Member: ev.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return &event.TransientStoreError{Op: "insert", Err: err}
	}
	return nil
}

func (r *RedisStore) PeekDue(ctx context.Context, now time.Time, limit int) ([]*event.ScheduledEvent, error) {
	// The sorted set is scored by event.Score, which offsets FireAt by
	// Priority, so a score under the raw "now" cutoff doesn't by itself
	// prove an entry is due. Widen the scan by MaxPriority's worth of
	// offset and filter precisely against DueAt below.
	max := event.Score(now, -event.MaxPriority)
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, &event.TransientStoreError{Op: "peek_due", Err: err}
	}

	out := make([]*event.ScheduledEvent, 0, len(ids))
	for _, id := range ids {
		blob, err := r.client.HGet(ctx, r.entryKey(id), "blob").Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, &event.TransientStoreError{Op: "peek_due_hget", Err: err}
		}
		var rec entryRecord
		if err := msgpack.Unmarshal(blob, &rec); err != nil {
			return nil, fmt.Errorf("hotstore: unmarshal entry %s: %w", id, err)
		}
		ev := rec.toEvent()
		if !ev.Due(now) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RedisStore) Claim(ctx context.Context, id, nodeID string) (*event.ScheduledEvent, error) {
	token := uuid.NewString()
	blob, err := r.client.HGet(ctx, r.entryKey(id), "blob").Bytes()
	if err == redis.Nil {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, &event.TransientStoreError{Op: "claim_get", Err: err}
	}
	var rec entryRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("hotstore: unmarshal entry %s: %w", id, err)
	}
	if rec.Status != event.StatusQueued {
		return nil, &event.ConflictError{ID: id}
	}

	now := time.Now()
	rec.Status = event.StatusProcessing
	rec.ClaimedAt = now
	rec.UpdatedAt = now
	rec.ClaimToken = token
	rec.NodeID = nodeID
	newBlob, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("hotstore: marshal entry %s: %w", id, err)
	}

	// Compare-and-set the claim atomically: only the caller that flips
	// status queued->processing wins, mirroring the pack's Lua CAS scripts.
	claimed, err := r.compareAndSetClaim(ctx, id, blob, newBlob)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, &event.ConflictError{ID: id}
	}

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.dueKey(), id)
	pipe.SAdd(ctx, r.prefix+"hot:processing", id)
	pipe.Exec(ctx)
	return rec.toEvent(), nil
}

var compareAndSetScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'blob')
	if current ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'blob', ARGV[2], 'status', ARGV[3], 'claim_token', ARGV[4])
	return 1
`)

func (r *RedisStore) compareAndSetClaim(ctx context.Context, id string, oldBlob, newBlob []byte) (bool, error) {
	var rec entryRecord
	if err := msgpack.Unmarshal(newBlob, &rec); err != nil {
		return false, err
	}
	res, err := compareAndSetScript.Run(ctx, r.client, []string{r.entryKey(id)},
		oldBlob, newBlob, string(rec.Status), rec.ClaimToken).Int()
	if err != nil {
		return false, &event.TransientStoreError{Op: "claim_cas", Err: err}
	}
	return res == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, id, token string) error {
	got, err := r.client.HGet(ctx, r.entryKey(id), "claim_token").Result()
	if err == redis.Nil {
		return event.ErrNotFound
	}
	if err != nil {
		return &event.TransientStoreError{Op: "release_get", Err: err}
	}
	if got != token {
		return event.ErrNotClaimed
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(id))
	pipe.SRem(ctx, r.prefix+"hot:processing", id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &event.TransientStoreError{Op: "release_del", Err: err}
	}
	return nil
}

func (r *RedisStore) Requeue(ctx context.Context, id, token, lastErr string, nextAttemptAt time.Time) error {
	blob, err := r.client.HGet(ctx, r.entryKey(id), "blob").Bytes()
	if err == redis.Nil {
		return event.ErrNotFound
	}
	if err != nil {
		return &event.TransientStoreError{Op: "requeue_get", Err: err}
	}
	var rec entryRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return err
	}
	if rec.ClaimToken != token {
		return event.ErrNotClaimed
	}

	rec.Status = event.StatusQueued
	rec.Attempts++
	rec.LastError = lastErr
	rec.ClaimToken = ""
	rec.NodeID = ""
	rec.NextAttemptAt = nextAttemptAt
	rec.UpdatedAt = time.Now()
	newBlob, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.entryKey(id), "blob", newBlob, "status", string(event.StatusQueued), "claim_token", "")
	pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: event.Score(nextAttemptAt, rec.Priority), Member: id})
	pipe.SRem(ctx, r.prefix+"hot:processing", id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &event.TransientStoreError{Op: "requeue_set", Err: err}
	}
	return nil
}

func (r *RedisStore) ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	// Claimed entries leave the due set and are tracked in a small
	// "processing" set updated at claim time, so the reaper doesn't need a
	// full table scan (the pack's own MongoScheduler.recoverStuck scans a
	// status+time index instead).
	ids, err := r.client.SMembers(ctx, r.prefix+"hot:processing").Result()
	if err != nil {
		return 0, &event.TransientStoreError{Op: "reap_scan", Err: err}
	}

	var n int
	cutoff := now.Add(-staleAfter)
	for _, id := range ids {
		blob, err := r.client.HGet(ctx, r.entryKey(id), "blob").Bytes()
		if err == redis.Nil {
			r.client.SRem(ctx, r.prefix+"hot:processing", id)
			continue
		}
		if err != nil {
			continue
		}
		var rec entryRecord
		if msgpack.Unmarshal(blob, &rec) != nil {
			continue
		}
		if rec.Status != event.StatusProcessing || !rec.ClaimedAt.Before(cutoff) {
			continue
		}
		rec.Status = event.StatusQueued
		rec.ClaimToken = ""
		rec.NodeID = ""
		rec.UpdatedAt = now
		newBlob, err := msgpack.Marshal(&rec)
		if err != nil {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.entryKey(id), "blob", newBlob, "status", string(event.StatusQueued), "claim_token", "")
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: event.Score(rec.toEvent().DueAt(), rec.Priority), Member: id})
		pipe.SRem(ctx, r.prefix+"hot:processing", id)
		if _, err := pipe.Exec(ctx); err == nil {
			n++
		}
	}
	return n, nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(id))
	pipe.ZRem(ctx, r.dueKey(), id)
	pipe.SRem(ctx, r.prefix+"hot:processing", id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return &event.TransientStoreError{Op: "remove", Err: err}
	}
	return nil
}

var compareAndDeleteScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'blob')
	if current ~= ARGV[1] then
		return 0
	end
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[2])
	redis.call('SREM', KEYS[3], ARGV[2])
	return 1
`)

func (r *RedisStore) Cancel(ctx context.Context, id string) error {
	blob, err := r.client.HGet(ctx, r.entryKey(id), "blob").Bytes()
	if err == redis.Nil {
		return event.ErrNotFound
	}
	if err != nil {
		return &event.TransientStoreError{Op: "cancel_get", Err: err}
	}
	var rec entryRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return fmt.Errorf("hotstore: unmarshal entry %s: %w", id, err)
	}
	if rec.Status != event.StatusQueued {
		return event.ErrTooLate
	}

	// Compare-and-delete: only succeed if the blob hasn't changed since the
	// read above, the same race a claim's CAS script guards against.
	res, err := compareAndDeleteScript.Run(ctx, r.client,
		[]string{r.entryKey(id), r.dueKey(), r.prefix + "hot:processing"},
		blob, id).Int()
	if err != nil {
		return &event.TransientStoreError{Op: "cancel_cas", Err: err}
	}
	if res == 0 {
		return event.ErrTooLate
	}
	return nil
}

func (r *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, r.dueKey()).Result()
	if err != nil {
		return 0, &event.TransientStoreError{Op: "len", Err: err}
	}
	processing, err := r.client.SCard(ctx, r.prefix+"hot:processing").Result()
	if err != nil {
		return 0, &event.TransientStoreError{Op: "len", Err: err}
	}
	return n + processing, nil
}

func (r *RedisStore) Close(context.Context) error { return nil }

var _ Store = (*RedisStore)(nil)
