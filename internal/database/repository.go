package database

import (
	"context"
	"errors"
)

var ErrRoomNotFound = errors.New("room not found")

// MessageStore is the durable home of room messages. Append assigns the
// message id, the per-room sequence id and the creation time.
type MessageStore interface {
	Append(ctx context.Context, params AppendParams) (Message, error)
	// Recent returns at most limit of the newest messages in roomId,
	// oldest first.
	Recent(ctx context.Context, roomId string, limit int) ([]Message, error)
}

// MembershipAuthority decides who may join a room.
type MembershipAuthority interface {
	IsMember(ctx context.Context, userId, roomId string) (bool, error)
}

type Store interface {
	MessageStore
	MembershipAuthority
	Ping(ctx context.Context) error
	Close() error
}
