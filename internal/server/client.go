package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendQueueLen = 256
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger

	user          types.User
	authenticated bool

	send      chan *ServerMessage
	rooms     map[string]*Room
	roomsLock sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once

	createdAt    time.Time
	lastActivity atomic.Int64
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) (*Client, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("conn_id", id).Logger(),
		send:       make(chan *ServerMessage, sendQueueLen),
		rooms:      make(map[string]*Room),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		createdAt:  time.Now().UTC(),
	}
	c.touch()

	return c, nil
}

// Login binds the connection to user and registers it. The identity cannot
// change afterwards.
func (c *Client) Login(user types.User) error {
	if c.authenticated {
		return fmt.Errorf("%w: connection is already authenticated", ErrAuthenticationFailed)
	}

	c.user = user
	if err := c.chatServer.Register(c); err != nil {
		return err
	}

	c.authenticated = true
	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		case <-c.stop:
			c.drain()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// drain flushes whatever is still queued so final errors reach the peer.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeServerMessage(msg *ServerMessage) bool {
	bytes, err := c.serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) Read() {
	defer func() {
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(c.chatServer.opts.maxFrameSize())

	if !c.authenticated && !c.awaitAuth() {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msg, ok := c.readMessage()
		if !ok {
			return
		}

		if !c.handle(msg) {
			return
		}
	}
}

// awaitAuth waits for an auth frame. It reports whether the connection
// authenticated.
func (c *Client) awaitAuth() bool {
	c.conn.SetReadDeadline(time.Now().Add(c.chatServer.opts.AuthTimeout))

	for {
		msg, ok := c.readMessage()
		if !ok {
			return false
		}

		if msg.Auth == nil {
			c.queueMessage(ErrorMessage(msg.Id, fmt.Errorf("%w: authenticate first", ErrAuthenticationFailed)))
			continue
		}

		user, err := c.chatServer.Authenticate(msg.Auth.Token)
		if err != nil {
			c.log.Info().Err(err).Msg("authentication failed")
			c.queueMessage(ErrorMessage(msg.Id, err))
			return false
		}

		if err := c.Login(user); err != nil {
			c.log.Error().Err(err).Msg("login")
			c.queueMessage(ErrorMessage(msg.Id, err))
			return false
		}

		c.queueMessage(NoErrOK(msg.Id, user))
		return true
	}
}

// readMessage reads and decodes the next frame. Malformed frames are
// answered with an error and end the connection.
func (c *Client) readMessage() (*ClientMessage, bool) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if !c.authenticated && errors.As(err, &netErr) && netErr.Timeout() {
			c.log.Info().Msg("authentication timed out")
			c.queueMessage(ErrorMessage(0, ErrAuthenticationTimeout))
			return nil, false
		}

		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("ws: read")
		}
		return nil, false
	}

	c.touch()

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Info().Err(err).Msg("error parsing message")
		c.queueMessage(ErrorMessage(0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)))
		return nil, false
	}

	msg.Timestamp = Now()
	return &msg, true
}

func (c *Client) handle(msg *ClientMessage) bool {
	cs := c.chatServer

	switch {
	case msg.Auth != nil:
		c.queueMessage(ErrorMessage(msg.Id, fmt.Errorf("%w: connection is already authenticated", ErrAuthenticationFailed)))
	case msg.Join != nil:
		if err := cs.Join(c.ctx, c, msg.Join.RoomId, msg.Join.Limit); err != nil {
			c.log.Debug().Err(err).Str("room_id", msg.Join.RoomId).Msg("join")
			c.queueMessage(ErrorMessage(msg.Id, err))
			return true
		}
		c.queueMessage(NoErrOK(msg.Id, map[string]string{"room_id": msg.Join.RoomId}))
	case msg.Leave != nil:
		cs.Leave(c, msg.Leave.RoomId)
		c.queueMessage(NoErrOK(msg.Id, map[string]string{"room_id": msg.Leave.RoomId}))
	case msg.Publish != nil:
		stored, err := cs.Ingest(c.ctx, c, msg.Publish.RoomId, msg.Publish.Content, msg.Publish.Type)
		if err != nil {
			c.log.Debug().Err(err).Str("room_id", msg.Publish.RoomId).Msg("publish")
			c.queueMessage(ErrorMessage(msg.Id, err))
			return true
		}
		c.queueMessage(NoErrAccepted(msg.Id, stored))
	default:
		c.queueMessage(ErrorMessage(msg.Id, fmt.Errorf("%w: no operation", ErrInvalidMessage)))
		return false
	}

	return true
}

func (c *Client) QueueMessage(msg *ServerMessage) bool {
	return c.queueMessage(msg)
}

// queueMessage enqueues msg without blocking. A full queue means the peer
// is not keeping up, so the connection is stopped.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
	}

	c.log.Warn().Err(ErrTransport).Msg("send queue full, disconnecting")
	c.stopClient()
	return false
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	if c.authenticated {
		if err := c.chatServer.Unregister(c.id); err != nil && !errors.Is(err, ErrNotFound) {
			c.log.Error().Err(err).Msg("unregister")
		}
	}
	c.stopClient()
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UTC().UnixNano())
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}

func (c *Client) roomList() []*Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Client) info() types.Connection {
	c.roomsLock.RLock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.roomsLock.RUnlock()
	slices.Sort(ids)

	return types.Connection{
		Id:           c.id,
		User:         c.user,
		Rooms:        ids,
		CreatedAt:    c.createdAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()).UTC(),
	}
}
