package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/types"
)

const (
	cacheRecentSize = 100
	cacheTTL        = 24 * time.Hour
	cacheOpTimeout  = 500 * time.Millisecond
)

// RedisCache keeps the most recent messages of every room in Redis: a sorted
// set of message ids scored by creation time plus one JSON entry per message.
// It only ever serves the cursor-less first history page, everything else
// goes to the durable store.
type RedisCache struct {
	cli *redis.Client
}

// ConnectRedis connects and pings the Redis server.
func ConnectRedis(ctx context.Context, addr string) (*RedisCache, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{cli: cli}, nil
}

func recentKey(roomId string) string {
	return "room_recent:" + roomId
}

func cachedMsgKey(roomId, id string) string {
	return "room_msg:" + roomId + ":" + id
}

func (c *RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cacheOpTimeout)
}

// ListRecent returns the newest limit messages of the room, newest first. The
// second return value is false when the cache cannot serve the full page.
func (c *RedisCache) ListRecent(roomId string, limit int) ([]*types.Message, bool) {
	ctx, cancel := c.ctx()
	defer cancel()
	ids, err := c.cli.ZRevRange(ctx, recentKey(roomId), 0, int64(limit-1)).Result()
	if err != nil || len(ids) < limit {
		return nil, false
	}
	msgs := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		raw, err := c.cli.Get(ctx, cachedMsgKey(roomId, id)).Result()
		if err != nil {
			return nil, false
		}
		msg := &types.Message{}
		if err := json.Unmarshal([]byte(raw), msg); err != nil {
			return nil, false
		}
		msgs = append(msgs, msg)
	}
	return msgs, true
}

// Insert adds the message and trims the per-room set to its bound.
func (c *RedisCache) Insert(msg *types.Message) {
	ctx, cancel := c.ctx()
	defer cancel()
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_, err = c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cachedMsgKey(msg.RoomId, msg.Id), raw, cacheTTL)
		pipe.ZAdd(ctx, recentKey(msg.RoomId), redis.Z{
			Score:  float64(msg.CreatedAt.UnixNano()),
			Member: msg.Id,
		})
		pipe.ZRemRangeByRank(ctx, recentKey(msg.RoomId), 0, int64(-(cacheRecentSize + 1)))
		return nil
	})
	if err != nil {
		globals.AppLogger.Warn("could not cache message", "error", err)
	}
}

// Update overwrites the cached copy if one exists.
func (c *RedisCache) Update(msg *types.Message) {
	ctx, cancel := c.ctx()
	defer cancel()
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.cli.SetXX(ctx, cachedMsgKey(msg.RoomId, msg.Id), raw, cacheTTL).Err(); err != nil {
		globals.AppLogger.Warn("could not update cached message", "error", err)
	}
}

// Remove drops the message from the cache.
func (c *RedisCache) Remove(roomId, id string) {
	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.cli.ZRem(ctx, recentKey(roomId), id).Err(); err != nil {
		globals.AppLogger.Warn("could not evict cached message", "error", err)
	}
	c.cli.Del(ctx, cachedMsgKey(roomId, id))
}

// InvalidateRoom drops the whole per-room set, the next first-page read goes
// to the durable store and repopulates nothing (the cache refills on writes).
func (c *RedisCache) InvalidateRoom(roomId string) {
	ctx, cancel := c.ctx()
	defer cancel()
	c.cli.Del(ctx, recentKey(roomId))
}

// CachingPersist decorates a Persister with the Redis recent-history cache.
// Cache failures degrade silently to the durable backend.
type CachingPersist struct {
	Persister
	cache *RedisCache
}

func NewCachingPersister(p Persister, cache *RedisCache) Persister {
	return &CachingPersist{Persister: p, cache: cache}
}

func (p *CachingPersist) AppendMessage(msg *types.Message) error {
	if err := p.Persister.AppendMessage(msg); err != nil {
		return err
	}
	p.cache.Insert(msg)
	return nil
}

func (p *CachingPersist) UpdateMessage(roomId, id string, apply func(*types.Message) error) (*types.Message, error) {
	msg, err := p.Persister.UpdateMessage(roomId, id, apply)
	if err != nil {
		return nil, err
	}
	p.cache.Update(msg)
	return msg, nil
}

func (p *CachingPersist) DeleteMessage(roomId, id string) error {
	if err := p.Persister.DeleteMessage(roomId, id); err != nil {
		return err
	}
	p.cache.Remove(roomId, id)
	return nil
}

func (p *CachingPersist) MessagesBefore(roomId string, before cursor.Cursor, limit int) ([]*types.Message, error) {
	if before.IsZero() {
		if msgs, ok := p.cache.ListRecent(roomId, limit); ok {
			return msgs, nil
		}
	}
	return p.Persister.MessagesBefore(roomId, before, limit)
}

func (p *CachingPersist) MarkSeenUpTo(roomId, id, nick string) error {
	if err := p.Persister.MarkSeenUpTo(roomId, id, nick); err != nil {
		return err
	}
	// the bulk update touches an unknown range of messages, cheaper to
	// drop the room set than to patch every entry
	p.cache.InvalidateRoom(roomId)
	return nil
}
