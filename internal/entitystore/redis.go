package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gbfs-go/internal/gbfs"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, default "gbfs"
}

// RedisStore implements gbfs.EntityStore on Redis.
//
//	<prefix>:entity:<key>       hash {payload, tags}
//	<prefix>:tag:"<tag>"="<v>"  set of entity keys carrying that tag
//
// A conjunction of predicates is an SINTER over the tag sets. TTLs expire
// the entity hash; tag set members whose hash has expired are pruned when
// a query finds them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ gbfs.EntityStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", gbfs.ErrNotInitialized)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store closes it
// on Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gbfs"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entityKey(key string) string {
	return s.prefix + ":entity:" + key
}

func (s *RedisStore) tagKey(tag, value string) string {
	return s.prefix + ":tag:" + strconv.Quote(tag) + "=" + strconv.Quote(value)
}

func (s *RedisStore) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	if err := validateCreates(creates); err != nil {
		return nil, err
	}

	keys := make([]string, len(creates))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range creates {
			key := newKey()
			tags, err := json.Marshal(c.Tags)
			if err != nil {
				return fmt.Errorf("encoding tags: %w", err)
			}
			ek := s.entityKey(key)
			pipe.HSet(ctx, ek, "payload", nonNil(c.Payload), "tags", tags)
			if c.TTL > 0 {
				pipe.Expire(ctx, ek, time.Duration(c.TTL)*time.Second)
			}
			for tag, value := range c.Tags {
				pipe.SAdd(ctx, s.tagKey(tag, value), key)
			}
			keys[i] = key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing entities: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	if err := beginQuery(ctx, filter); err != nil {
		return nil, err
	}

	preds := dedupe(filter.Predicates())
	sets := make([]string, len(preds))
	for i, p := range preds {
		sets[i] = s.tagKey(p.Tag, p.Value)
	}
	keys, err := s.client.SInter(ctx, sets...).Result()
	if err != nil {
		return nil, fmt.Errorf("intersecting tag sets: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.entityKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading entities: %w", err)
	}

	var (
		out   []gbfs.Entity
		stale []string
	)
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, keys[i])
			continue
		}
		var tags map[string]string
		if err := json.Unmarshal([]byte(fields["tags"]), &tags); err != nil {
			return nil, fmt.Errorf("decoding tags of %s: %w", keys[i], err)
		}
		out = append(out, gbfs.Entity{Key: keys[i], Payload: []byte(fields["payload"]), Tags: tags})
	}

	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, k := range stale {
			members[i] = k
		}
		// Pruning is best effort; the stale keys are already excluded.
		s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, set := range sets {
				pipe.SRem(ctx, set, members...)
			}
			return nil
		})
	}
	return out, nil
}

func (s *RedisStore) DeleteEntities(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return ctx.Err()
	}

	tagCmds := make([]*redis.StringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			tagCmds[i] = pipe.HGet(ctx, s.entityKey(k), "tags")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reading entity tags: %w", err)
	}
	// Pipelined reports only the first command's error.
	for i, cmd := range tagCmds {
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("reading tags of entity %s: %w", keys[i], err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			pipe.Del(ctx, s.entityKey(k))
			raw, err := tagCmds[i].Result()
			if err != nil {
				// Unknown or expired key.
				continue
			}
			var tags map[string]string
			if err := json.Unmarshal([]byte(raw), &tags); err != nil {
				continue
			}
			for tag, value := range tags {
				pipe.SRem(ctx, s.tagKey(tag, value), k)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting entities: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
