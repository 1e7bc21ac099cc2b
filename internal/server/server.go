package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/gochat-relay/internal/auth"
	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/stats"
	"github.com/npezzotti/gochat-relay/internal/types"
	"github.com/rs/zerolog"
)

const (
	maxHistoryLimit = 200
	// frameOverhead covers the JSON envelope around a publish's content.
	frameOverhead = 4096
)

type Options struct {
	HistoryLimit     int
	MaxContentLength int
	AuthTimeout      time.Duration
	PersistTimeout   time.Duration
	IdleRoomTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = 4096
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.IdleRoomTimeout <= 0 {
		o.IdleRoomTimeout = 5 * time.Second
	}
	return o
}

// maxFrameSize bounds inbound frames. Content may arrive fully escaped, and
// an escaped surrogate pair takes 12 bytes for one character, so content
// within MaxContentLength always fits and is length-checked after decoding.
func (o Options) maxFrameSize() int64 {
	return int64(o.MaxContentLength)*12 + frameOverhead
}

// ChatServer owns the connection registry and the loaded rooms.
//
// Lock order is ChatServer.mu, then Room.mu, then Client.roomsLock.
type ChatServer struct {
	log      zerolog.Logger
	store    database.Store
	verifier auth.Verifier
	stats    stats.StatsProvider
	opts     Options

	mu       sync.RWMutex
	clients  map[string]*Client
	rooms    map[string]*Room
	shutdown bool
	roomsWg  sync.WaitGroup
}

func NewChatServer(logger zerolog.Logger, store database.Store, verifier auth.Verifier, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}

	for _, name := range []string{
		stats.NumActiveClients,
		stats.NumActiveRooms,
		stats.MessagesIngested,
		stats.MessagesDelivered,
		stats.DeliveryFailures,
		stats.PersistenceErrors,
		stats.HistoryReplays,
		stats.AuthFailures,
	} {
		su.RegisterMetric(name)
	}

	return &ChatServer{
		log:      logger,
		store:    store,
		verifier: verifier,
		stats:    su,
		opts:     opts.withDefaults(),
		clients:  make(map[string]*Client),
		rooms:    make(map[string]*Room),
	}, nil
}

// Authenticate resolves a bearer token to a user identity.
func (cs *ChatServer) Authenticate(token string) (types.User, error) {
	user, err := cs.verifier.Verify(token)
	if err != nil {
		cs.stats.Incr(stats.AuthFailures)
		return types.User{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	return user, nil
}

func (cs *ChatServer) Register(c *Client) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.shutdown {
		return ErrShuttingDown
	}

	if _, ok := cs.clients[c.id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateConnection, c.id)
	}

	cs.clients[c.id] = c
	cs.stats.Incr(stats.NumActiveClients)
	cs.log.Info().Str("conn_id", c.id).Str("user_id", c.user.Id).Msg("connection registered")
	return nil
}

// Unregister removes the connection and every subscription it holds. Once
// it returns no dispatch can target the connection.
func (cs *ChatServer) Unregister(connId string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.clients[connId]
	if !ok {
		return fmt.Errorf("%w: connection %q", ErrNotFound, connId)
	}

	delete(cs.clients, connId)
	for _, r := range c.roomList() {
		r.removeSubscriber(c)
	}

	cs.stats.Decr(stats.NumActiveClients)
	cs.log.Info().Str("conn_id", c.id).Str("user_id", c.user.Id).Msg("connection unregistered")
	return nil
}

func (cs *ChatServer) Lookup(connId string) (types.Connection, error) {
	cs.mu.RLock()
	c, ok := cs.clients[connId]
	cs.mu.RUnlock()

	if !ok {
		return types.Connection{}, fmt.Errorf("%w: connection %q", ErrNotFound, connId)
	}

	return c.info(), nil
}

func (cs *ChatServer) isRegistered(c *Client) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return cs.clients[c.id] == c
}

// SubscribersOf returns the ids of the connections currently subscribed to
// roomId.
func (cs *ChatServer) SubscribersOf(roomId string) []string {
	cs.mu.RLock()
	r, ok := cs.rooms[roomId]
	cs.mu.RUnlock()

	if !ok {
		return []string{}
	}

	return r.subscriberIds()
}

// Join subscribes c to roomId and replays the newest limit messages to it.
// Joining a room c is already subscribed to only replays history again.
func (cs *ChatServer) Join(ctx context.Context, c *Client, roomId string, limit int) error {
	if roomId == "" {
		return fmt.Errorf("%w: missing room id", ErrInvalidMessage)
	}

	if !cs.isRegistered(c) {
		return fmt.Errorf("%w: connection %q", ErrNotFound, c.id)
	}

	limit = cs.historyLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, cs.opts.PersistTimeout)
	defer cancel()

	ok, err := cs.store.IsMember(ctx, c.user.Id, roomId)
	if err != nil {
		cs.log.Error().Err(err).Str("room_id", roomId).Msg("membership lookup")
		return fmt.Errorf("%w: membership lookup: %v", ErrPersistence, err)
	}

	if !ok {
		return fmt.Errorf("%w: user %q may not join room %q", ErrForbidden, c.user.Id, roomId)
	}

	r, sub, fresh, err := cs.subscribe(c, roomId)
	if err != nil {
		return err
	}

	history, err := cs.store.Recent(ctx, roomId, limit)
	if err != nil {
		cs.log.Error().Err(err).Str("room_id", roomId).Msg("fetch history")
		if fresh {
			r.dropSubscription(sub)
		} else {
			r.resumeLive(sub)
		}
		return fmt.Errorf("%w: fetch history: %v", ErrPersistence, err)
	}

	if !r.completeReplay(sub, toWireMessages(history)) {
		return fmt.Errorf("%w: connection %q", ErrNotFound, c.id)
	}

	cs.stats.Incr(stats.HistoryReplays)
	return nil
}

// subscribe attaches c to the room in the replaying state, loading the room
// if needed. fresh is false when c was already subscribed.
func (cs *ChatServer) subscribe(c *Client, roomId string) (r *Room, sub *subscription, fresh bool, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.shutdown {
		return nil, nil, false, ErrShuttingDown
	}

	if cs.clients[c.id] != c {
		return nil, nil, false, fmt.Errorf("%w: connection %q", ErrNotFound, c.id)
	}

	r, ok := cs.rooms[roomId]
	if !ok {
		r = newRoom(cs, roomId)
		cs.rooms[roomId] = r
		cs.roomsWg.Add(1)
		go r.start()
		cs.stats.Incr(stats.NumActiveRooms)
	}

	sub, fresh = r.addSubscriber(c)
	return r, sub, fresh, nil
}

// Leave removes c's subscription to roomId if it has one.
func (cs *ChatServer) Leave(c *Client, roomId string) {
	if r := c.getRoom(roomId); r != nil {
		r.removeSubscriber(c)
	}
}

// Ingest persists a message from c and fans it out to roomId. Nothing is
// delivered unless the store accepted the message.
func (cs *ChatServer) Ingest(ctx context.Context, c *Client, roomId, content, msgType string) (types.Message, error) {
	if !cs.isRegistered(c) {
		return types.Message{}, fmt.Errorf("%w: connection %q is not registered", ErrNotMember, c.id)
	}

	r := c.getRoom(roomId)
	if r == nil {
		return types.Message{}, fmt.Errorf("%w: %q", ErrNotMember, roomId)
	}

	content, mt, err := cs.validateContent(content, msgType)
	if err != nil {
		return types.Message{}, err
	}

	req := &publishReq{
		ctx: ctx,
		params: database.AppendParams{
			RoomId:     roomId,
			SenderId:   c.user.Id,
			SenderName: c.user.Username,
			Content:    content,
			Type:       string(mt),
		},
		reply: make(chan publishResult, 1),
	}

	return r.publish(ctx, req)
}

func (cs *ChatServer) validateContent(content, msgType string) (string, types.MessageType, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}

	if n := utf8.RuneCountInString(content); n > cs.opts.MaxContentLength {
		return "", "", fmt.Errorf("%w: content is %d characters, limit is %d", ErrInvalidContent, n, cs.opts.MaxContentLength)
	}

	mt := types.MessageType(msgType)
	if mt == "" {
		mt = types.MessageTypeText
	}
	if !mt.Valid() {
		return "", "", fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, msgType)
	}

	return content, mt, nil
}

func (cs *ChatServer) historyLimit(limit int) int {
	if limit <= 0 {
		return cs.opts.HistoryLimit
	}
	return min(limit, maxHistoryLimit)
}

// unloadRoom removes an idle room. It reports false if the room gained a
// subscriber in the meantime.
func (cs *ChatServer) unloadRoom(r *Room) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.rooms[r.id] != r {
		return true
	}

	if r.subscriberCount() > 0 {
		return false
	}

	delete(cs.rooms, r.id)
	cs.stats.Decr(stats.NumActiveRooms)
	cs.log.Info().Str("room_id", r.id).Msg("room unloaded")
	return true
}

// Shutdown disconnects every client and stops every room.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("shutting down chat server")

	cs.mu.Lock()
	cs.shutdown = true
	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	cs.rooms = make(map[string]*Room)
	cs.mu.Unlock()

	for _, c := range clients {
		c.stopClient()
	}

	for _, r := range rooms {
		r.stop()
	}
	cs.stats.Add(stats.NumActiveRooms, -len(rooms))

	done := make(chan struct{})
	go func() {
		cs.roomsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
