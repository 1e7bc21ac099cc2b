package database

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps messages and memberships in process memory. Rooms exist
// once they have a member.
type MemoryStore struct {
	mu        sync.Mutex
	nextId    int64
	rooms     map[string]*memoryRoom
	usernames map[string]string
}

type memoryRoom struct {
	seqId    int64
	members  map[string]struct{}
	messages []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]*memoryRoom),
		usernames: make(map[string]string),
	}
}

func (s *MemoryStore) room(roomId string) *memoryRoom {
	r, ok := s.rooms[roomId]
	if !ok {
		r = &memoryRoom{members: make(map[string]struct{})}
		s.rooms[roomId] = r
	}
	return r
}

// AddMember grants userId access to roomId, creating the room if needed.
func (s *MemoryStore) AddMember(roomId, userId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.room(roomId).members[userId] = struct{}{}
}

// SetUsername records the display name used for userId's messages.
func (s *MemoryStore) SetUsername(userId, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usernames[userId] = username
}

func (s *MemoryStore) Append(ctx context.Context, params AppendParams) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[params.RoomId]
	if !ok {
		return Message{}, ErrRoomNotFound
	}

	s.nextId++
	r.seqId++

	msg := Message{
		Id:         s.nextId,
		SeqId:      r.seqId,
		RoomId:     params.RoomId,
		SenderId:   params.SenderId,
		SenderName: params.SenderName,
		Content:    params.Content,
		Type:       params.Type,
		CreatedAt:  time.Now().UTC().Round(time.Millisecond),
	}
	if name, ok := s.usernames[params.SenderId]; ok {
		msg.SenderName = name
	}

	r.messages = append(r.messages, msg)
	return msg, nil
}

func (s *MemoryStore) Recent(ctx context.Context, roomId string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomId]
	if !ok || limit <= 0 {
		return []Message{}, nil
	}

	start := max(len(r.messages)-limit, 0)
	out := make([]Message, len(r.messages)-start)
	copy(out, r.messages[start:])
	return out, nil
}

func (s *MemoryStore) IsMember(ctx context.Context, userId, roomId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomId]
	if !ok {
		return false, nil
	}
	_, ok = r.members[userId]
	return ok, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
