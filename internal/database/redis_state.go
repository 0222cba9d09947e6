// Redis-based hot state for open positions and breaker state. The
// relational store is the source of truth; Redis is a fast mirror the
// dashboard and a warm standby can read without hitting Postgres.
// When Redis is unavailable, an in-memory cache takes over so trading
// continues without interruption.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/position"
)

const (
	// positionKeyPrefix is the prefix for individual position keys.
	// Format: bot:position:{id}
	positionKeyPrefix = "bot:position"

	// positionSetKey holds the ids of all non-closed positions
	positionSetKey = "bot:positions:open"

	// breakerKey holds the circuit breaker state
	breakerKey = "bot:circuit:state"

	// positionStateTTL keeps stale keys from surviving a crashed run
	positionStateTTL = 7 * 24 * time.Hour
)

// RedisStateStore mirrors hot trading state into Redis with an
// in-memory fallback when Redis is unavailable.
type RedisStateStore struct {
	client         *redis.Client
	cacheMu        sync.RWMutex
	positionCache  map[string][]byte
	breakerCache   []byte
	redisAvailable atomic.Bool
}

// NewRedisStateStore creates a state store. If client is nil the store
// operates in memory-only mode.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	store := &RedisStateStore{
		client:        client,
		positionCache: make(map[string][]byte),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-STATE] Redis unavailable at startup: %v, using in-memory cache", err)
			store.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-STATE] Redis connected successfully")
			store.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-STATE] No Redis client provided, using in-memory cache only")
		store.redisAvailable.Store(false)
	}

	return store
}

// MirrorPosition writes a position's current state
func (s *RedisStateStore) MirrorPosition(ctx context.Context, pos *position.Position) {
	payload, err := json.Marshal(pos)
	if err != nil {
		log.Printf("[REDIS-STATE] Failed to marshal position %s: %v", pos.ID, err)
		return
	}
	pos.RLock()
	terminal := pos.Phase.IsTerminal()
	pos.RUnlock()

	s.cacheMu.Lock()
	if terminal {
		delete(s.positionCache, pos.ID)
	} else {
		s.positionCache[pos.ID] = payload
	}
	s.cacheMu.Unlock()

	if !s.tryRedis() {
		return
	}

	key := fmt.Sprintf("%s:%s", positionKeyPrefix, pos.ID)
	pipe := s.client.Pipeline()
	if terminal {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, positionSetKey, pos.ID)
	} else {
		pipe.Set(ctx, key, payload, positionStateTTL)
		pipe.SAdd(ctx, positionSetKey, pos.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable(err)
	}
}

// OpenPositionStates returns the mirrored open positions
func (s *RedisStateStore) OpenPositionStates(ctx context.Context) ([]*position.Position, error) {
	if s.tryRedis() {
		ids, err := s.client.SMembers(ctx, positionSetKey).Result()
		if err == nil {
			positions := make([]*position.Position, 0, len(ids))
			for _, id := range ids {
				raw, err := s.client.Get(ctx, fmt.Sprintf("%s:%s", positionKeyPrefix, id)).Bytes()
				if err != nil {
					continue // expired key, the set entry is stale
				}
				var pos position.Position
				if err := json.Unmarshal(raw, &pos); err != nil {
					log.Printf("[REDIS-STATE] Corrupt position state %s: %v", id, err)
					continue
				}
				positions = append(positions, &pos)
			}
			return positions, nil
		}
		s.markUnavailable(err)
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	positions := make([]*position.Position, 0, len(s.positionCache))
	for id, raw := range s.positionCache {
		var pos position.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			log.Printf("[REDIS-STATE] Corrupt cached position %s: %v", id, err)
			continue
		}
		positions = append(positions, &pos)
	}
	return positions, nil
}

// MirrorBreakerState writes the circuit breaker state
func (s *RedisStateStore) MirrorBreakerState(ctx context.Context, state circuit.State) {
	payload, err := json.Marshal(state)
	if err != nil {
		log.Printf("[REDIS-STATE] Failed to marshal breaker state: %v", err)
		return
	}

	s.cacheMu.Lock()
	s.breakerCache = payload
	s.cacheMu.Unlock()

	if !s.tryRedis() {
		return
	}
	if err := s.client.Set(ctx, breakerKey, payload, 0).Err(); err != nil {
		s.markUnavailable(err)
	}
}

// BreakerState returns the mirrored breaker state, if any
func (s *RedisStateStore) BreakerState(ctx context.Context) (circuit.State, bool) {
	if s.tryRedis() {
		raw, err := s.client.Get(ctx, breakerKey).Bytes()
		if err == nil {
			var state circuit.State
			if err := json.Unmarshal(raw, &state); err == nil {
				return state, true
			}
		} else if err != redis.Nil {
			s.markUnavailable(err)
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.breakerCache == nil {
		return circuit.State{}, false
	}
	var state circuit.State
	if err := json.Unmarshal(s.breakerCache, &state); err != nil {
		return circuit.State{}, false
	}
	return state, true
}

// tryRedis reports whether Redis should be attempted, re-probing a
// previously failed connection.
func (s *RedisStateStore) tryRedis() bool {
	if s.client == nil {
		return false
	}
	if s.redisAvailable.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}
	log.Printf("[REDIS-STATE] Redis connection recovered")
	s.redisAvailable.Store(true)
	return true
}

func (s *RedisStateStore) markUnavailable(err error) {
	if s.redisAvailable.CompareAndSwap(true, false) {
		log.Printf("[REDIS-STATE] Redis unavailable: %v, falling back to in-memory cache", err)
	}
}
