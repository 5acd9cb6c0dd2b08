package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"wardrobe-render/internal/render"
)

// RedisMetadataStore keeps each entry in a hash:
//
//	<prefix>:render:<USER_ID>:<HASH>
//	  entry      msgpack payload + provenance, overwritten on upsert
//	  id         set once
//	  created_at set once (unix ms)
//	  hits       HINCRBY target
//	  last_hit   unix ms
//
// The key expires at ExpiresAt, and reads also check ExpiresAt.
type RedisMetadataStore struct {
	client redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Prefix string
}

func NewRedisMetadataStore(client redis.UniversalClient, config RedisConfig) *RedisMetadataStore {
	return &RedisMetadataStore{
		client: client,
		prefix: config.Prefix,
	}
}

// key builds the final Redis key with prefix.
func (s *RedisMetadataStore) key(userID string, hash render.Hash) string {
	k := "render:" + userID + ":" + string(hash)
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

type redisPayload struct {
	StoragePath       string            `msgpack:"sp"`
	MIMEType          string            `msgpack:"mt"`
	SourceSurface     string            `msgpack:"ss"`
	Quality           string            `msgpack:"q"`
	Preset            string            `msgpack:"p"`
	View              string            `msgpack:"v"`
	KeepPose          bool              `msgpack:"kp"`
	UseFaceRefs       bool              `msgpack:"uf"`
	SlotSignature     map[string]string `msgpack:"sl"`
	FaceRefsSignature *string           `msgpack:"fr"`
	FaceRefCount      int               `msgpack:"fc"`
	Model             string            `msgpack:"m"`
	ExpiresAt         int64             `msgpack:"ea"`
	UpdatedAt         int64             `msgpack:"ua"`
}

// hitScript bumps hits only on an existing entry.
var hitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HINCRBY", KEYS[1], "hits", 1)
redis.call("HSET", KEYS[1], "last_hit", ARGV[1])
return 1
`)

func (s *RedisMetadataStore) Get(ctx context.Context, userID string, hash render.Hash, now time.Time) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, s.key(userID, hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if len(fields) == 0 || fields["entry"] == "" {
		return nil, ErrNotFound
	}

	e, err := decodeRedisEntry(userID, hash, fields)
	if err != nil {
		return nil, err
	}
	if !e.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *RedisMetadataStore) Upsert(ctx context.Context, e *Entry) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	payload, err := msgpack.Marshal(redisPayload{
		StoragePath:       e.StoragePath,
		MIMEType:          e.MIMEType,
		SourceSurface:     string(e.SourceSurface),
		Quality:           string(e.Quality),
		Preset:            e.Preset,
		View:              string(e.View),
		KeepPose:          e.KeepPose,
		UseFaceRefs:       e.UseFaceRefs,
		SlotSignature:     e.SlotSignature,
		FaceRefsSignature: e.FaceRefsSignature,
		FaceRefCount:      e.FaceRefCount,
		Model:             e.Model,
		ExpiresAt:         e.ExpiresAt.UnixMilli(),
		UpdatedAt:         e.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("redis encode entry: %w", err)
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	k := s.key(e.UserID, e.RenderHash)
	created := strconv.FormatInt(e.CreatedAt.UnixMilli(), 10)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		// an expired entry still within its key TTL is replaced, not merged into
		stale, err := s.expiredBy(ctx, tx, k, e.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if stale {
				p.Del(ctx, k)
			}
			p.HSetNX(ctx, k, "id", id)
			p.HSetNX(ctx, k, "created_at", created)
			p.HSetNX(ctx, k, "hits", 0)
			p.HSetNX(ctx, k, "last_hit", created)
			p.HSet(ctx, k, "entry", payload)
			p.PExpireAt(ctx, k, e.ExpiresAt)
			return nil
		})
		return err
	}, k)
	if err != nil {
		return nil, fmt.Errorf("redis upsert failed: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, fmt.Errorf("redis upsert read-back failed: %w", err)
	}
	return decodeRedisEntry(e.UserID, e.RenderHash, fields)
}

func (s *RedisMetadataStore) IncrementHit(ctx context.Context, userID string, hash render.Hash, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	err := hitScript.Run(ctx, s.client, []string{s.key(userID, hash)}, at.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("redis hit update failed: %w", err)
	}
	return nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisMetadataStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// expiredBy reports whether the entry stored at k had expired by at.
func (s *RedisMetadataStore) expiredBy(ctx context.Context, tx *redis.Tx, k string, at time.Time) (bool, error) {
	raw, err := tx.HGet(ctx, k, "entry").Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var p redisPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		// unreadable entries are overwritten wholesale
		return true, nil
	}
	return p.ExpiresAt <= at.UnixMilli(), nil
}

func decodeRedisEntry(userID string, hash render.Hash, fields map[string]string) (*Entry, error) {
	var p redisPayload
	if err := msgpack.Unmarshal([]byte(fields["entry"]), &p); err != nil {
		return nil, fmt.Errorf("redis decode entry: %w", err)
	}
	hits, _ := strconv.ParseInt(fields["hits"], 10, 64)
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	lastHitMs, _ := strconv.ParseInt(fields["last_hit"], 10, 64)

	return &Entry{
		ID:                fields["id"],
		UserID:            userID,
		RenderHash:        hash,
		StoragePath:       p.StoragePath,
		MIMEType:          p.MIMEType,
		SourceSurface:     render.Surface(p.SourceSurface),
		Quality:           render.Quality(p.Quality),
		Preset:            p.Preset,
		View:              render.View(p.View),
		KeepPose:          p.KeepPose,
		UseFaceRefs:       p.UseFaceRefs,
		SlotSignature:     p.SlotSignature,
		FaceRefsSignature: p.FaceRefsSignature,
		FaceRefCount:      p.FaceRefCount,
		Model:             p.Model,
		HitCount:          hits,
		LastHitAt:         time.UnixMilli(lastHitMs),
		ExpiresAt:         time.UnixMilli(p.ExpiresAt),
		CreatedAt:         time.UnixMilli(createdMs),
		UpdatedAt:         time.UnixMilli(p.UpdatedAt),
	}, nil
}
