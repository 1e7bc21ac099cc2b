package database

import "time"

type Message struct {
	Id         int64
	SeqId      int64
	RoomId     string
	SenderId   string
	SenderName string
	Content    string
	Type       string
	CreatedAt  time.Time
}

type AppendParams struct {
	RoomId   string
	SenderId string
	// SenderName is used when the store cannot resolve the sender itself.
	SenderName string
	Content    string
	Type       string
}
