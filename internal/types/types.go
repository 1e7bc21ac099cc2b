package types

import (
	"time"
)

type User struct {
	Id           string `json:"id"`
	Username     string `json:"username"`
	EmailAddress string `json:"email,omitempty"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
	MessageTypeAudio MessageType = "AUDIO"
	MessageTypeVideo MessageType = "VIDEO"
)

// Valid reports whether t is one of the message types clients may declare.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio, MessageTypeVideo:
		return true
	}
	return false
}

type Message struct {
	Id        int64       `json:"id"`
	SeqId     int64       `json:"seq_id"`
	RoomId    string      `json:"room_id"`
	Sender    User        `json:"sender"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
}

// Connection describes a live connection as reported by the registry.
type Connection struct {
	Id           string    `json:"id"`
	User         User      `json:"user"`
	Rooms        []string  `json:"rooms"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}
