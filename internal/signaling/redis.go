package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tariel-x/medcall/internal/models"
)

const (
	incomingKeyPrefix = "medcall:incoming:"
	presenceKeyPrefix = "medcall:presence:"
)

// RedisStore keeps invitations and rosters in Redis hashes so that several
// server instances can serve the same consultations.
//
//	medcall:incoming:<calleeID>  field callID -> IncomingCall JSON
//	medcall:presence:<channelID> field uid    -> ChannelParticipant JSON
//
// With a positive ttl each hash expires ttl after its last write.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisStoreFromURL parses a redis:// URL and connects lazily.
func NewRedisStoreFromURL(rawURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), ttl), nil
}

func incomingKey(calleeID string) string {
	return incomingKeyPrefix + calleeID
}

func presenceKey(channelID string) string {
	return presenceKeyPrefix + channelID
}

func (s *RedisStore) AddIncomingCall(ctx context.Context, call models.IncomingCall) (bool, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return false, fmt.Errorf("incoming call: marshal: %w", err)
	}
	key := incomingKey(call.CalleeID)
	added, err := s.rdb.HSetNX(ctx, key, call.CallID, data).Result()
	if err != nil {
		return false, fmt.Errorf("incoming call: hsetnx: %w", err)
	}
	if added {
		s.touch(ctx, key)
	}
	return added, nil
}

func (s *RedisStore) IncomingCalls(ctx context.Context, calleeID string) ([]models.IncomingCall, error) {
	fields, err := s.rdb.HGetAll(ctx, incomingKey(calleeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incoming call: hgetall: %w", err)
	}

	calls := make([]models.IncomingCall, 0, len(fields))
	for callID, raw := range fields {
		var call models.IncomingCall
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			return nil, fmt.Errorf("incoming call %s: unmarshal: %w", callID, err)
		}
		calls = append(calls, call)
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].CallID < calls[j].CallID
		}
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})
	return calls, nil
}

func (s *RedisStore) RemoveIncomingCall(ctx context.Context, calleeID, callID string) (int, error) {
	key := incomingKey(calleeID)
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, key, callID)
	remaining := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incoming call: remove: %w", err)
	}
	return int(remaining.Val()), nil
}

func (s *RedisStore) UpsertParticipant(ctx context.Context, p models.ChannelParticipant) error {
	key := presenceKey(p.ChannelID)
	field := strconv.FormatUint(uint64(p.UID), 10)

	existing, err := s.rdb.HGet(ctx, key, field).Bytes()
	switch {
	case err == nil:
		var prev models.ChannelParticipant
		if err := json.Unmarshal(existing, &prev); err == nil && !prev.JoinedAt.IsZero() {
			p.JoinedAt = prev.JoinedAt
		}
	case errors.Is(err, redis.Nil):
	default:
		return fmt.Errorf("presence: hget: %w", err)
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}
	if err := s.rdb.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("presence: hset: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, channelID string, uid uint32) error {
	field := strconv.FormatUint(uint64(uid), 10)
	if err := s.rdb.HDel(ctx, presenceKey(channelID), field).Err(); err != nil {
		return fmt.Errorf("presence: hdel: %w", err)
	}
	return nil
}

func (s *RedisStore) Roster(ctx context.Context, channelID string) ([]models.ChannelParticipant, error) {
	fields, err := s.rdb.HGetAll(ctx, presenceKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: hgetall: %w", err)
	}

	roster := make([]models.ChannelParticipant, 0, len(fields))
	for field, raw := range fields {
		var p models.ChannelParticipant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("presence %s: unmarshal: %w", field, err)
		}
		p.ChannelID = channelID
		roster = append(roster, p)
	}
	sortRoster(roster)
	return roster, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// touch refreshes the hash expiry. Failures only shorten the record's life.
func (s *RedisStore) touch(ctx context.Context, key string) {
	if s.ttl <= 0 {
		return
	}
	_ = s.rdb.Expire(ctx, key, s.ttl).Err()
}
