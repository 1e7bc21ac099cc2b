package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// Retention bounds the number of messages kept per room.
	Retention int64
}

type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention int64
}

type redisMessage struct {
	Id         int64     `json:"id"`
	SeqId      int64     `json:"seq_id"`
	RoomId     string    `json:"room_id"`
	SenderId   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStore(client, cfg.Prefix, cfg.Retention), nil
}

func newRedisStore(client *redis.Client, prefix string, retention int64) *RedisStore {
	if prefix == "" {
		prefix = "gochat"
	}
	if retention <= 0 {
		retention = 1000
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *RedisStore) idKey() string {
	return s.prefix + ":message:id"
}

func (s *RedisStore) seqKey(roomId string) string {
	return fmt.Sprintf("%s:chat:%s:seq", s.prefix, roomId)
}

func (s *RedisStore) messagesKey(roomId string) string {
	return fmt.Sprintf("%s:chat:%s:messages", s.prefix, roomId)
}

func (s *RedisStore) membersKey(roomId string) string {
	return fmt.Sprintf("%s:chat:%s:members", s.prefix, roomId)
}

func (s *RedisStore) Append(ctx context.Context, params AppendParams) (Message, error) {
	seqId, err := s.client.Incr(ctx, s.seqKey(params.RoomId)).Result()
	if err != nil {
		return Message{}, fmt.Errorf("incr seq id: %w", err)
	}

	id, err := s.client.Incr(ctx, s.idKey()).Result()
	if err != nil {
		return Message{}, fmt.Errorf("incr message id: %w", err)
	}

	rm := redisMessage{
		Id:         id,
		SeqId:      seqId,
		RoomId:     params.RoomId,
		SenderId:   params.SenderId,
		SenderName: params.SenderName,
		Content:    params.Content,
		Type:       params.Type,
		CreatedAt:  time.Now().UTC().Round(time.Millisecond),
	}

	data, err := json.Marshal(rm)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	key := s.messagesKey(params.RoomId)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -s.retention, -1)
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("push message: %w", err)
	}

	return rm.toMessage(), nil
}

func (s *RedisStore) Recent(ctx context.Context, roomId string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(roomId), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var rm redisMessage
		if err := json.Unmarshal([]byte(item), &rm); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, rm.toMessage())
	}

	return messages, nil
}

func (s *RedisStore) IsMember(ctx context.Context, userId, roomId string) (bool, error) {
	return s.client.SIsMember(ctx, s.membersKey(roomId), userId).Result()
}

// AddMember grants userId access to roomId.
func (s *RedisStore) AddMember(ctx context.Context, roomId, userId string) error {
	return s.client.SAdd(ctx, s.membersKey(roomId), userId).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (rm redisMessage) toMessage() Message {
	return Message{
		Id:         rm.Id,
		SeqId:      rm.SeqId,
		RoomId:     rm.RoomId,
		SenderId:   rm.SenderId,
		SenderName: rm.SenderName,
		Content:    rm.Content,
		Type:       rm.Type,
		CreatedAt:  rm.CreatedAt,
	}
}
