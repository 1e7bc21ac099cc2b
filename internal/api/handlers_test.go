package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-relay/internal/auth"
	"github.com/npezzotti/gochat-relay/internal/config"
	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/server"
	"github.com/npezzotti/gochat-relay/internal/stats"
	"github.com/npezzotti/gochat-relay/internal/testutil"
	"github.com/npezzotti/gochat-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

var (
	userA = types.User{Id: "a", Username: "anna"}
	userB = types.User{Id: "b", Username: "ben"}
	userC = types.User{Id: "c", Username: "cleo"}
)

const allowedOrigin = "http://chat.example.com"

func newTestApp(t *testing.T) (*GoChatApp, *database.MemoryStore) {
	t.Helper()

	logger := testutil.TestLogger(t)
	mux := http.NewServeMux()
	store := database.NewMemoryStore()

	su := stats.NewStatsUpdater(mux)
	su.Run()

	cs, err := server.NewChatServer(logger, store, auth.NewJWTVerifier(testKey), su, server.Options{})
	require.NoError(t, err, "failed to create chat server")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		su.Stop()
	})

	app := NewGoChatApp(mux, logger, cs, store, &config.Config{
		AllowedOrigins: []string{allowedOrigin},
	})
	return app, store
}

func newTestHTTPServer(t *testing.T, app *GoChatApp) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readMsg(t *testing.T, conn *websocket.Conn) *server.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg server.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func assertNothingReceived(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, raw, err := conn.ReadMessage()
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected no message, got %q (err %v)", raw, err)
	}
}

// connect dials with a bearer token and consumes the login acknowledgement.
func connect(t *testing.T, srv *httptest.Server, user types.User) *websocket.Conn {
	t.Helper()

	token, err := auth.CreateToken(testKey, user, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	ack := readMsg(t, conn)
	require.NotNil(t, ack.Response)
	require.Equal(t, http.StatusOK, ack.Response.ResponseCode)
	return conn
}

func join(t *testing.T, conn *websocket.Conn, id int, roomId string, limit int) *server.HistoryBatch {
	t.Helper()

	require.NoError(t, conn.WriteJSON(server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id},
		Join:        &server.Join{RoomId: roomId, Limit: limit},
	}))

	history := readMsg(t, conn)
	require.NotNil(t, history.History, "expected history, got %+v", history.Response)
	ack := readMsg(t, conn)
	require.NotNil(t, ack.Response)
	require.Equal(t, http.StatusOK, ack.Response.ResponseCode)
	return history.History
}

func publish(t *testing.T, conn *websocket.Conn, id int, roomId, content string) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id},
		Publish:     &server.Publish{RoomId: roomId, Content: content},
	}))
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store := &database.MockStore{}
			defer store.AssertExpectations(t)
			store.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			app := NewGoChatApp(http.NewServeMux(), testutil.TestLogger(t), nil, store, &config.Config{})
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_serveWs_Upgrade(t *testing.T) {
	app, _ := newTestApp(t)
	srv := newTestHTTPServer(t, app)

	t.Run("invalid token is rejected before upgrade", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer not-a-jwt")

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		if conn != nil {
			conn.Close()
		}
		assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var apiErr ApiError
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
		assert.Equal(t, *NewUnauthorizedError(), apiErr)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "http://evil.example.com")

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		if conn != nil {
			conn.Close()
		}
		assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allowed origin with cookie token", func(t *testing.T) {
		token, err := auth.CreateToken(testKey, userA, time.Hour)
		require.NoError(t, err)

		header := http.Header{}
		header.Set("Origin", allowedOrigin)
		header.Set("Cookie", fmt.Sprintf("%s=%s", tokenCookieKey, token))

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		require.NoError(t, err)
		defer conn.Close()

		ack := readMsg(t, conn)
		require.NotNil(t, ack.Response)
		assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)
	})

	t.Run("query token", func(t *testing.T) {
		token, err := auth.CreateToken(testKey, userA, time.Hour)
		require.NoError(t, err)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
		require.NoError(t, err)
		defer conn.Close()

		ack := readMsg(t, conn)
		require.NotNil(t, ack.Response)
		assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)
	})
}

func Test_serveWs_RoomFanOut(t *testing.T) {
	app, store := newTestApp(t)
	store.AddMember("r1", userA.Id)
	store.AddMember("r1", userB.Id)
	store.AddMember("r2", userC.Id)
	srv := newTestHTTPServer(t, app)

	a := connect(t, srv, userA)
	b := connect(t, srv, userB)
	c := connect(t, srv, userC)
	join(t, a, 1, "r1", 0)
	join(t, b, 1, "r1", 0)
	join(t, c, 1, "r2", 0)

	publish(t, a, 2, "r1", "hi")

	delivery := readMsg(t, a)
	require.NotNil(t, delivery.Message)
	assert.Equal(t, "hi", delivery.Message.Content)
	ack := readMsg(t, a)
	require.NotNil(t, ack.Response)
	assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)
	assert.Equal(t, 2, ack.Id)

	delivery = readMsg(t, b)
	require.NotNil(t, delivery.Message)
	assert.Equal(t, "hi", delivery.Message.Content)
	assert.Equal(t, "r1", delivery.Message.RoomId)
	assert.Equal(t, userA.Id, delivery.Message.Sender.Id)

	assertNothingReceived(t, b)
	assertNothingReceived(t, c)
}

func Test_serveWs_JoinForbidden(t *testing.T) {
	app, store := newTestApp(t)
	store.AddMember("r1", userA.Id)
	srv := newTestHTTPServer(t, app)

	conn := connect(t, srv, userC)
	require.NoError(t, conn.WriteJSON(server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: 4},
		Join:        &server.Join{RoomId: "r1"},
	}))

	resp := readMsg(t, conn)
	require.NotNil(t, resp.Response)
	assert.Nil(t, resp.History)
	assert.Equal(t, "forbidden", resp.Response.Code)
	assert.Equal(t, http.StatusForbidden, resp.Response.ResponseCode)
}

func Test_serveWs_UnauthenticatedFrames(t *testing.T) {
	app, store := newTestApp(t)
	store.AddMember("r1", userA.Id)
	srv := newTestHTTPServer(t, app)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	publish(t, conn, 1, "r1", "hello")
	resp := readMsg(t, conn)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "authentication_failed", resp.Response.Code)

	recent, err := store.Recent(context.Background(), "r1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent, "expected nothing persisted")

	token, err := auth.CreateToken(testKey, userA, time.Hour)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: 2},
		Auth:        &server.Auth{Token: token},
	}))
	resp = readMsg(t, conn)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)

	join(t, conn, 3, "r1", 0)
}

func Test_serveWs_HistoryReplay(t *testing.T) {
	app, store := newTestApp(t)
	store.AddMember("r1", userA.Id)
	store.AddMember("r1", userB.Id)
	srv := newTestHTTPServer(t, app)

	b := connect(t, srv, userB)
	join(t, b, 1, "r1", 0)
	for i := range 5 {
		publish(t, b, i+2, "r1", fmt.Sprintf("m%d", i))
		readMsg(t, b)
		readMsg(t, b)
	}

	a := connect(t, srv, userA)
	history := join(t, a, 1, "r1", 20)
	require.Len(t, history.Messages, 5)
	for i, msg := range history.Messages {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Content)
		assert.Equal(t, int64(i+1), msg.SeqId)
	}
}

func Test_statsEndpoint(t *testing.T) {
	app, _ := newTestApp(t)
	srv := newTestHTTPServer(t, app)

	resp, err := http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var vars map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
	assert.Contains(t, vars, stats.NumActiveClients)
	assert.Contains(t, vars, stats.MessagesIngested)
}
