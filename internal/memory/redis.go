package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "avatarturn:"
	amendRetries          = 3
)

// RedisStore keeps each history as a Redis list of JSON messages, indexed
// per character configuration by a sorted set scored on last activity.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ""), nil
}

func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) indexKey(confUID string) string {
	return s.keyPrefix + "histories:" + confUID
}

func (s *RedisStore) historyKey(confUID, historyUID string) string {
	return s.keyPrefix + "history:" + confUID + ":" + historyUID
}

func (s *RedisStore) CreateHistory(ctx context.Context, confUID string) (string, error) {
	uid := uuid.NewString()
	err := s.client.ZAdd(ctx, s.indexKey(confUID), redis.Z{
		Score:  float64(time.Now().UTC().UnixMilli()),
		Member: uid,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("create history: %w", err)
	}
	return uid, nil
}

func (s *RedisStore) StoreMessage(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.historyKey(msg.ConfUID, msg.HistoryUID), data)
	pipe.ZAdd(ctx, s.indexKey(msg.ConfUID), redis.Z{
		Score:  float64(msg.CreatedAt.UnixMilli()),
		Member: msg.HistoryUID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *RedisStore) AmendLatestMessage(ctx context.Context, confUID, historyUID string, role Role, turnID, content string) (bool, error) {
	if turnID == "" {
		return false, nil
	}
	key := s.historyKey(confUID, historyUID)
	amended := false

	txf := func(tx *redis.Tx) error {
		amended = false
		raw, err := tx.LIndex(ctx, key, -1).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var latest Message
		if err := json.Unmarshal(raw, &latest); err != nil {
			return fmt.Errorf("decode latest message: %w", err)
		}
		if !amendMatches(latest, role, turnID) {
			return nil
		}
		latest.Content = content
		data, err := json.Marshal(latest)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, key, -1, data)
			return nil
		})
		if err == nil {
			amended = true
		}
		return err
	}

	for i := 0; i < amendRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("amend latest message: %w", err)
		}
		return amended, nil
	}
	return false, fmt.Errorf("amend latest message: %w", redis.TxFailedErr)
}

func (s *RedisStore) History(ctx context.Context, confUID, historyUID string) ([]Message, error) {
	if err := s.client.ZScore(ctx, s.indexKey(confUID), historyUID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrHistoryNotFound
		}
		return nil, fmt.Errorf("lookup history: %w", err)
	}
	raws, err := s.client.LRange(ctx, s.historyKey(confUID, historyUID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) ListHistories(ctx context.Context, confUID string) ([]HistoryInfo, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(confUID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	if len(entries) == 0 {
		return []HistoryInfo{}, nil
	}

	pipe := s.client.Pipeline()
	latest := make([]*redis.StringCmd, len(entries))
	for i, z := range entries {
		latest[i] = pipe.LIndex(ctx, s.historyKey(confUID, z.Member.(string)), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read latest messages: %w", err)
	}

	out := make([]HistoryInfo, 0, len(entries))
	for i, z := range entries {
		info := HistoryInfo{
			UID:       z.Member.(string),
			UpdatedAt: time.UnixMilli(int64(z.Score)).UTC(),
		}
		if raw, err := latest[i].Bytes(); err == nil {
			var m Message
			if err := json.Unmarshal(raw, &m); err == nil {
				info.LatestMessage = &m
			}
		}
		out = append(out, info)
	}
	sortHistories(out)
	return out, nil
}

func (s *RedisStore) DeleteHistory(ctx context.Context, confUID, historyUID string) error {
	removed, err := s.client.ZRem(ctx, s.indexKey(confUID), historyUID).Result()
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if removed == 0 {
		return ErrHistoryNotFound
	}
	if err := s.client.Del(ctx, s.historyKey(confUID, historyUID)).Err(); err != nil {
		return fmt.Errorf("delete history messages: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
