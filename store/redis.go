package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hooktrap/hooktrap/log"
)

const getTimeout = 2 * time.Second
const putTimeout = 2 * time.Second
const queryTimeout = 5 * time.Second
const statsTimeout = 500 * time.Millisecond

// defaultEventExpire bounds how long recorded events stay in redis when
// no explicit expire is configured. Matches the longest retention a
// webhook can be configured with.
const defaultEventExpire = 720 * time.Hour

type redisStore struct {
	client redis.UniversalClient
	expire time.Duration
}

// NewRedis returns a redis-backed store. Events are written with the
// given expiry; expire <= 0 falls back to defaultEventExpire.
func NewRedis(client redis.UniversalClient, expire time.Duration) Store {
	if expire <= 0 {
		expire = defaultEventExpire
	}
	return &redisStore{
		client: client,
		expire: expire,
	}
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

var usedMemoryRegexp = regexp.MustCompile(`used_memory:([0-9]+)\r\n`)

// Stats makes two calls to redis: DBSize for the number of keys and a
// memory info query parsed for used_memory.
// NOTE: DBSize counts index keys too, so Items is an upper bound.
func (r *redisStore) Stats() Stats {
	return Stats{
		Items: r.nbOfKeys(),
		Size:  r.nbOfBytes(),
	}
}

func (r *redisStore) nbOfKeys() uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	nbOfKeys, err := r.client.DBSize(ctx).Result()
	if err != nil {
		log.Errorf("failed to fetch nb of keys in redis: %s", err)
	}
	return uint64(nbOfKeys)
}

func (r *redisStore) nbOfBytes() uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	memoryInfo, err := r.client.Info(ctx, "memory").Result()
	if err != nil {
		log.Errorf("failed to fetch nb of bytes in redis: %s", err)
	}
	matches := usedMemoryRegexp.FindStringSubmatch(memoryInfo)

	var size int
	if len(matches) > 1 {
		size, err = strconv.Atoi(matches[1])
		if err != nil {
			log.Errorf("failed to parse memory usage with error %s", err)
		}
	}
	return uint64(size)
}

func kvKey(key string) string { return "kv:" + key }

func eventKey(webhookID, id string) string { return "event:" + webhookID + ":" + id }

func indexKey(webhookID string) string { return "events-index:" + webhookID }

func (r *redisStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	b, err := r.client.Get(ctx, kvKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv key %q: %w", key, err)
	}
	return b, nil
}

func (r *redisStore) SetValue(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	if err := r.client.Set(ctx, kvKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set kv key %q: %w", key, err)
	}
	return nil
}

func (r *redisStore) Push(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cannot marshal event %q: %w", ev.ID, err)
	}

	if err := r.client.Set(ctx, eventKey(ev.WebhookID, ev.ID), b, r.expire).Err(); err != nil {
		return fmt.Errorf("failed to store event %q: %w", ev.ID, err)
	}
	idx := indexKey(ev.WebhookID)
	if err := r.client.ZAdd(ctx, idx, redis.Z{
		Score:  float64(ev.Timestamp.UnixNano()),
		Member: ev.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index event %q: %w", ev.ID, err)
	}
	// keep the index alive as long as its newest event
	if err := r.client.Expire(ctx, idx, r.expire).Err(); err != nil {
		log.Errorf("failed to refresh expiry of %q: %s", idx, err)
	}
	return nil
}

func (r *redisStore) FindByID(ctx context.Context, webhookID, eventID string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	return r.getEvent(ctx, webhookID, eventID)
}

func (r *redisStore) FindByTimestamp(ctx context.Context, webhookID string, ts time.Time) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	score := strconv.FormatInt(ts.UnixNano(), 10)
	ids, err := r.client.ZRangeByScore(ctx, indexKey(webhookID), &redis.ZRangeBy{
		Min: score,
		Max: score,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search index of %q: %w", webhookID, err)
	}
	for _, id := range ids {
		ev, err := r.getEvent(ctx, webhookID, id)
		if err == ErrMissing {
			continue
		}
		return ev, err
	}
	return nil, ErrMissing
}

func (r *redisStore) Query(ctx context.Context, q Query) ([]*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var webhookIDs []string
	if q.WebhookID != "" {
		webhookIDs = []string{q.WebhookID}
	} else {
		iter := r.client.Scan(ctx, 0, indexKey("*"), 100).Iterator()
		for iter.Next(ctx) {
			webhookIDs = append(webhookIDs, iter.Val()[len(indexKey("")):])
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan event indexes: %w", err)
		}
	}

	min, max := "-inf", "+inf"
	if !q.Since.IsZero() {
		min = strconv.FormatInt(q.Since.UnixNano(), 10)
	}
	if !q.Until.IsZero() {
		max = strconv.FormatInt(q.Until.UnixNano(), 10)
	}

	var events []*Event
	for _, webhookID := range webhookIDs {
		rangeBy := &redis.ZRangeBy{Min: min, Max: max}
		if q.Limit > 0 {
			rangeBy.Count = int64(q.Limit)
		}
		// newest first so the limit keeps the most recent records
		ids, err := r.client.ZRevRangeByScore(ctx, indexKey(webhookID), rangeBy).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query index of %q: %w", webhookID, err)
		}
		for _, id := range ids {
			ev, err := r.getEvent(ctx, webhookID, id)
			if err == ErrMissing {
				// event expired ahead of its index entry
				continue
			}
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}

	sortEventsByTime(events)
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[len(events)-q.Limit:]
	}
	return events, nil
}

func (r *redisStore) getEvent(ctx context.Context, webhookID, id string) (*Event, error) {
	b, err := r.client.Get(ctx, eventKey(webhookID, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %q: %w", id, err)
	}
	ev := &Event{}
	if err := json.Unmarshal(b, ev); err != nil {
		return nil, fmt.Errorf("corrupted event record %q: %w", id, err)
	}
	return ev, nil
}
