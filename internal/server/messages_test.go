package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	tcases := []struct {
		name   string
		err    error
		status int
		code   string
		detail string
	}{
		{
			name:   "wrapped sentinel keeps detail",
			err:    fmt.Errorf("%w: content is empty", ErrInvalidContent),
			status: http.StatusBadRequest,
			code:   "invalid_content",
			detail: "invalid content: content is empty",
		},
		{
			name:   "persistence detail is hidden",
			err:    fmt.Errorf("%w: append: dial tcp 10.0.0.1:5432", ErrPersistence),
			status: http.StatusInternalServerError,
			code:   "persistence_error",
			detail: "persistence error",
		},
		{
			name:   "forbidden",
			err:    ErrForbidden,
			status: http.StatusForbidden,
			code:   "forbidden",
			detail: "forbidden",
		},
		{
			name:   "authentication timeout",
			err:    ErrAuthenticationTimeout,
			status: http.StatusRequestTimeout,
			code:   "authentication_timeout",
			detail: "authentication timeout",
		},
		{
			name:   "deadline",
			err:    context.DeadlineExceeded,
			status: http.StatusServiceUnavailable,
			code:   "timeout",
			detail: "context deadline exceeded",
		},
		{
			name:   "unknown error",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   "internal_error",
			detail: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ErrorMessage(9, tc.err)
			require.NotNil(t, msg.Response)
			assert.Equal(t, 9, msg.Id)
			assert.Equal(t, tc.status, msg.Response.ResponseCode)
			assert.Equal(t, tc.code, msg.Response.Code)
			assert.Equal(t, tc.detail, msg.Response.Error)
		})
	}
}

func TestHistoryMessageEncoding(t *testing.T) {
	b, err := json.Marshal(HistoryMessage("r1", nil))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"history":{"room_id":"r1","messages":[]}`)
	assert.NotContains(t, string(b), `"response"`)
}

func TestDeliveryMessage(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := database.Message{
		Id:         11,
		SeqId:      3,
		RoomId:     "r1",
		SenderId:   "u1",
		SenderName: "alice",
		Content:    "hi",
		Type:       "TEXT",
		CreatedAt:  created,
	}

	msg := DeliveryMessage(toWireMessage(stored))
	require.NotNil(t, msg.Message)
	assert.Equal(t, types.Message{
		Id:        11,
		SeqId:     3,
		RoomId:    "r1",
		Sender:    types.User{Id: "u1", Username: "alice"},
		Content:   "hi",
		Type:      types.MessageTypeText,
		CreatedAt: created,
	}, *msg.Message)
	assert.Nil(t, msg.Response)
}
