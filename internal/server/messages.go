package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Auth    *Auth    `json:"auth,omitempty"`
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
}

type Auth struct {
	Token string `json:"token"`
}

type Join struct {
	RoomId string `json:"room_id"`
	// Limit is the number of history messages to replay; zero means the
	// server default.
	Limit int `json:"limit,omitempty"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response     `json:"response,omitempty"`
	History  *HistoryBatch `json:"history,omitempty"`
	// Message is a live delivery of a stored message.
	Message *types.Message `json:"message,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type HistoryBatch struct {
	RoomId   string          `json:"room_id"`
	Messages []types.Message `json:"messages"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data:         data,
		},
	}
}

// ErrorMessage reports err to the client that sent request id.
func ErrorMessage(id int, err error) *ServerMessage {
	status, code, detail := classify(err)
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: status,
			Code:         code,
			Error:        detail,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func HistoryMessage(roomId string, msgs []types.Message) *ServerMessage {
	if msgs == nil {
		msgs = []types.Message{}
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		History: &HistoryBatch{
			RoomId:   roomId,
			Messages: msgs,
		},
	}
}

func DeliveryMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Message: &msg,
	}
}

func toWireMessage(m database.Message) types.Message {
	return types.Message{
		Id:     m.Id,
		SeqId:  m.SeqId,
		RoomId: m.RoomId,
		Sender: types.User{
			Id:       m.SenderId,
			Username: m.SenderName,
		},
		Content:   m.Content,
		Type:      types.MessageType(m.Type),
		CreatedAt: m.CreatedAt,
	}
}

func toWireMessages(msgs []database.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toWireMessage(m)
	}
	return out
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
