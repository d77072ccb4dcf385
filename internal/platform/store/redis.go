package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dontdude/verifyq/internal/domain"
)

// Backoff bounds between attempts of a write that lost a race on a record.
const (
	conflictInitialBackoff = 5 * time.Millisecond
	conflictMaxBackoff     = 250 * time.Millisecond
)

var (
	errSubscriptionClosed = errors.New("redis subscription closed")
	errConflict           = errors.New("record changed during update")
)

// commitScript writes records only if none of them changed since they were
// read. KEYS holds the document and revision hashes of each record, ARGV holds
// per record: key, expected revision, document ("" removes), event, channel.
var commitScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  local cur = tonumber(redis.call('HGET', KEYS[2*i], ARGV[5*i-4]) or '0')
  if cur ~= tonumber(ARGV[5*i-3]) then
    return 0
  end
end
for i = 1, n do
  local key = ARGV[5*i-4]
  if ARGV[5*i-2] == '' then
    redis.call('HDEL', KEYS[2*i-1], key)
  else
    redis.call('HSET', KEYS[2*i-1], key, ARGV[5*i-2])
  end
  redis.call('HINCRBY', KEYS[2*i], key, 1)
  redis.call('PUBLISH', ARGV[5*i], ARGV[5*i-1])
end
return 1
`)

// Redis implements domain.Store on Redis.
//
// Each collection is a hash (field = record key, value = JSON document), a
// hash of record revisions, and a pub/sub channel carrying every write to it.
// Writes read the records they touch, then commit with a script that checks
// no revision moved; only writers of the same record conflict, and they retry
// with backoff. Server timestamps come from TIME.
type Redis struct {
	client *redis.Client
	prefix string
}

// Ensure Redis satisfies the interface
var _ domain.Store = (*Redis)(nil)

// NewRedis returns a new Redis-backed store.
func NewRedis(addr, prefix string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}

	return NewRedisFromClient(rdb, prefix)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) hashKey(collection string) string {
	return r.prefix + ":" + domain.JoinPath(collection)
}

func (r *Redis) revKey(collection string) string {
	return r.prefix + ":rev:" + domain.JoinPath(collection)
}

func (r *Redis) channel(collection string) string {
	return r.prefix + ":events:" + domain.JoinPath(collection)
}

// redisEvent is the message published on a collection channel. A null value
// means the record was removed. Rev is the record revision after the write.
type redisEvent struct {
	Key   string         `json:"key"`
	Rev   int64          `json:"rev"`
	Value map[string]any `json:"value"`
}

// recordWrite is the new state of a record read at revision rev.
type recordWrite struct {
	collection string
	key        string
	rev        int64
	doc        map[string]any
}

func (r *Redis) Get(ctx context.Context, record string) (map[string]any, error) {
	collection, key, ok := domain.SplitRecord(record)
	if !ok {
		return nil, fmt.Errorf("invalid record path %q", record)
	}

	val, err := r.client.HGet(ctx, r.hashKey(collection), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, record)
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeRecord(val)
}

func (r *Redis) Set(ctx context.Context, record string, value any) error {
	collection, key, ok := domain.SplitRecord(record)
	if !ok {
		return fmt.Errorf("invalid record path %q", record)
	}

	err := r.retry(ctx, func() error {
		now, err := serverTime(ctx, r.client)
		if err != nil {
			return err
		}
		doc, err := normalizeDocument(value, now)
		if err != nil {
			return backoff.Permanent(err)
		}

		cur, rev, err := r.read(ctx, collection, key)
		if err != nil {
			return err
		}
		if doc == nil && cur == nil {
			return nil
		}
		return r.commit(ctx, []recordWrite{{collection: collection, key: key, rev: rev, doc: doc}})
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, updates ...domain.Update) error {
	type target struct{ collection, key string }

	for _, u := range updates {
		if _, _, ok := domain.SplitRecord(u.Record); !ok {
			return fmt.Errorf("invalid record path %q", u.Record)
		}
	}

	err := r.retry(ctx, func() error {
		now, err := serverTime(ctx, r.client)
		if err != nil {
			return err
		}

		// 1. Read and apply every update on the current documents
		staged := make(map[target]*recordWrite)
		var writes []*recordWrite
		for _, u := range updates {
			collection, key, _ := domain.SplitRecord(u.Record)
			t := target{collection, key}

			w, seen := staged[t]
			if !seen {
				doc, rev, err := r.read(ctx, collection, key)
				if err != nil {
					return err
				}
				w = &recordWrite{collection: collection, key: key, rev: rev, doc: doc}
				staged[t] = w
				writes = append(writes, w)
			}

			next, err := applyUpdate(w.doc, u, now)
			if err != nil {
				return backoff.Permanent(err)
			}
			w.doc = next
		}

		// 2. Commit only if none of the records moved meanwhile
		batch := make([]recordWrite, len(writes))
		for i, w := range writes {
			batch[i] = *w
		}
		return r.commit(ctx, batch)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrPreconditionFailed):
		return err
	default:
		return fmt.Errorf("redis update failed: %w", err)
	}
}

func (r *Redis) Remove(ctx context.Context, record string) error {
	return r.Set(ctx, record, nil)
}

func (r *Redis) Push(ctx context.Context, collection string, value any) (string, error) {
	// Version 7 UUIDs sort by creation time, like the keys they replace.
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	key := id.String()
	if err := r.Set(ctx, domain.JoinPath(collection, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (r *Redis) Query(ctx context.Context, collection string, q domain.Query) ([]domain.Snapshot, error) {
	docs, err := r.all(ctx, collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

// Watch subscribes to the collection channel before reading the current
// records, so no write falls between the snapshot and the live events.
// Messages published before the snapshot are dropped by revision.
func (r *Redis) Watch(ctx context.Context, collection string, q domain.Query) (domain.Subscription, error) {
	// 1. Subscribe and wait for confirmation
	pubsub := r.client.Subscribe(ctx, r.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", collection, err)
	}

	// 2. Snapshot current records and their revisions
	docs, revs, err := r.snapshot(ctx, collection)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSub{
		pubsub: pubsub,
		view:   newView(q),
		revs:   revs,
		events: make(chan domain.Event),
		done:   make(chan struct{}),
	}
	initial := sub.view.initial(docs)

	// 3. Spawn background listener
	go sub.run(ctx, initial)

	return sub, nil
}

func (r *Redis) all(ctx context.Context, collection string) (map[string]map[string]any, error) {
	vals, err := r.client.HGetAll(ctx, r.hashKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}
	return decodeRecords(collection, vals), nil
}

// snapshot reads the documents and revisions of a collection atomically.
func (r *Redis) snapshot(ctx context.Context, collection string) (map[string]map[string]any, map[string]int64, error) {
	var docsCmd, revsCmd *redis.MapStringStringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		docsCmd = pipe.HGetAll(ctx, r.hashKey(collection))
		revsCmd = pipe.HGetAll(ctx, r.revKey(collection))
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis read failed: %w", err)
	}

	revs := make(map[string]int64, len(revsCmd.Val()))
	for key, val := range revsCmd.Val() {
		rev, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid revision of %s/%s: %w", collection, key, err)
		}
		revs[key] = rev
	}
	return decodeRecords(collection, docsCmd.Val()), revs, nil
}

// read returns a record and its revision; a missing record is nil at the
// revision of its last removal, or 0.
func (r *Redis) read(ctx context.Context, collection, key string) (map[string]any, int64, error) {
	var docCmd, revCmd *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		docCmd = pipe.HGet(ctx, r.hashKey(collection), key)
		revCmd = pipe.HGet(ctx, r.revKey(collection), key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("redis read failed: %w", err)
	}

	var rev int64
	if val, err := revCmd.Result(); err == nil {
		if rev, err = strconv.ParseInt(val, 10, 64); err != nil {
			return nil, 0, backoff.Permanent(fmt.Errorf("invalid revision of %s/%s: %w", collection, key, err))
		}
	}

	val, err := docCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, rev, nil
	}
	doc, err := decodeRecord(val)
	if err != nil {
		return nil, 0, backoff.Permanent(err)
	}
	return doc, rev, nil
}

// commit runs commitScript for writes, returning errConflict if any record
// changed since it was read.
func (r *Redis) commit(ctx context.Context, writes []recordWrite) error {
	keys := make([]string, 0, 2*len(writes))
	args := make([]any, 0, 5*len(writes))

	for _, w := range writes {
		event, err := json.Marshal(redisEvent{Key: w.key, Rev: w.rev + 1, Value: w.doc})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to marshal event: %w", err))
		}
		var data []byte
		if w.doc != nil {
			if data, err = json.Marshal(w.doc); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to marshal record: %w", err))
			}
		}

		keys = append(keys, r.hashKey(w.collection), r.revKey(w.collection))
		args = append(args, w.key, w.rev, string(data), string(event), r.channel(w.collection))
	}

	ok, err := commitScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis commit failed: %w", err)
	}
	if ok == 0 {
		return errConflict
	}
	return nil
}

// retry runs op until it succeeds, backing off while it returns errConflict.
// Other errors end the retries; ctx bounds them.
func (r *Redis) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictInitialBackoff
	b.MaxInterval = conflictMaxBackoff
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, errConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

type clock interface {
	Time(ctx context.Context) *redis.TimeCmd
}

func serverTime(ctx context.Context, c clock) (int64, error) {
	t, err := c.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis time failed: %w", err)
	}
	return t.UnixMilli(), nil
}

func decodeRecords(collection string, vals map[string]string) map[string]map[string]any {
	docs := make(map[string]map[string]any, len(vals))
	for key, val := range vals {
		doc, err := decodeRecord(val)
		if err != nil {
			slog.Error("Skipping undecodable record", "collection", collection, "key", key, "error", err)
			continue
		}
		docs[key] = doc
	}
	return docs
}

func decodeRecord(val string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return doc, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	view   *view
	// revs holds the last revision seen per record.
	revs   map[string]int64
	events chan domain.Event

	done     chan struct{}
	once     sync.Once
	closeErr error

	mu  sync.Mutex
	err error
}

func (s *redisSub) Events() <-chan domain.Event { return s.events }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}

func (s *redisSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *redisSub) run(ctx context.Context, initial []domain.Event) {
	defer close(s.events)
	defer s.Close()

	for _, ev := range initial {
		if !s.send(ctx, ev) {
			return
		}
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-s.done:
				default:
					s.fail(errSubscriptionClosed)
				}
				return
			}

			var raw redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &raw); err != nil {
				slog.Error("Failed to unmarshal store event", "channel", msg.Channel, "error", err)
				continue
			}

			if ev, ok := s.handle(raw); ok {
				if !s.send(ctx, ev) {
					return
				}
			}
		}
	}
}

// handle applies a published write unless the subscription already saw that
// revision of the record.
func (s *redisSub) handle(raw redisEvent) (domain.Event, bool) {
	if raw.Rev <= s.revs[raw.Key] {
		return domain.Event{}, false
	}
	s.revs[raw.Key] = raw.Rev
	return s.view.apply(raw.Key, raw.Value)
}

func (s *redisSub) send(ctx context.Context, ev domain.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}
