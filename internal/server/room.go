package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/stats"
	"github.com/npezzotti/gochat-relay/internal/types"
	"github.com/rs/zerolog"
)

const publishQueueSize = 64

type publishReq struct {
	ctx    context.Context
	params database.AppendParams
	reply  chan publishResult
}

type publishResult struct {
	msg types.Message
	err error
}

// subscription is a connection attached to a room. While replaying, live
// messages are held in pending until the history snapshot has been queued.
type subscription struct {
	client    *Client
	replaying bool
	pending   []types.Message
	// floor is the last seq id delivered as history.
	floor int64
}

type Room struct {
	id  string
	cs  *ChatServer
	log zerolog.Logger

	mu          sync.Mutex
	subscribers map[string]*subscription

	publishChan chan *publishReq
	// wake is signalled whenever the subscriber count changes.
	wake chan struct{}
	// killTimer unloads the room once it has been empty for IdleRoomTimeout.
	killTimer *time.Timer
	exit      chan struct{}
	exitOnce  sync.Once
	done      chan struct{}
}

func newRoom(cs *ChatServer, id string) *Room {
	return &Room{
		id:          id,
		cs:          cs,
		log:         cs.log.With().Str("room_id", id).Logger(),
		subscribers: make(map[string]*subscription),
		publishChan: make(chan *publishReq, publishQueueSize),
		wake:        make(chan struct{}, 1),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (r *Room) start() {
	defer r.cs.roomsWg.Done()
	defer close(r.done)

	r.log.Debug().Msg("starting room")
	r.killTimer = time.NewTimer(r.cs.opts.IdleRoomTimeout)
	r.killTimer.Stop()
	defer r.killTimer.Stop()

	for {
		select {
		case req := <-r.publishChan:
			r.saveAndBroadcast(req)
		case <-r.wake:
			if r.subscriberCount() == 0 {
				r.log.Debug().Msg("no subscribers, starting kill timer")
				r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
			} else {
				r.killTimer.Stop()
			}
		case <-r.killTimer.C:
			if r.cs.unloadRoom(r) {
				return
			}
		case <-r.exit:
			r.log.Debug().Msg("room exiting")
			return
		}
	}
}

func (r *Room) stop() {
	r.exitOnce.Do(func() { close(r.exit) })
}

func (r *Room) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// publish hands req to the room's loop and waits for the outcome.
func (r *Room) publish(ctx context.Context, req *publishReq) (types.Message, error) {
	select {
	case r.publishChan <- req:
	case <-r.done:
		return types.Message{}, r.closedErr()
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-r.done:
		select {
		case res := <-req.reply:
			return res.msg, res.err
		default:
			return types.Message{}, r.closedErr()
		}
	}
}

func (r *Room) closedErr() error {
	r.cs.mu.RLock()
	shutdown := r.cs.shutdown
	r.cs.mu.RUnlock()

	if shutdown {
		return ErrShuttingDown
	}
	return fmt.Errorf("%w: room %q is closed", ErrNotMember, r.id)
}

func (r *Room) saveAndBroadcast(req *publishReq) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- publishResult{err: err}
		return
	}

	ctx, cancel := context.WithTimeout(req.ctx, r.cs.opts.PersistTimeout)
	defer cancel()

	stored, err := r.cs.store.Append(ctx, req.params)
	if err != nil {
		r.cs.stats.Incr(stats.PersistenceErrors)
		r.log.Error().Err(err).Str("sender_id", req.params.SenderId).Msg("append message")
		if errors.Is(err, database.ErrRoomNotFound) {
			req.reply <- publishResult{err: fmt.Errorf("%w: room %q", ErrNotFound, r.id)}
			return
		}
		req.reply <- publishResult{err: fmt.Errorf("%w: append: %v", ErrPersistence, err)}
		return
	}

	msg := toWireMessage(stored)
	r.cs.stats.Incr(stats.MessagesIngested)
	r.dispatch(msg)

	req.reply <- publishResult{msg: msg}
}

// dispatch enqueues msg once on every subscriber's outbound queue.
func (r *Room) dispatch(msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var delivered, failed int
	for _, sub := range r.subscribers {
		if sub.replaying {
			sub.pending = append(sub.pending, msg)
			continue
		}

		if msg.SeqId <= sub.floor {
			continue
		}

		if sub.client.queueMessage(DeliveryMessage(msg)) {
			delivered++
		} else {
			failed++
		}
	}

	r.cs.stats.Add(stats.MessagesDelivered, delivered)
	if failed > 0 {
		r.cs.stats.Add(stats.DeliveryFailures, failed)
	}

	r.log.Debug().
		Int64("seq_id", msg.SeqId).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("dispatched message")
}

// addSubscriber attaches c in the replaying state. Callers hold cs.mu. The
// returned bool is false if c was already subscribed, in which case the
// existing subscription replays again.
func (r *Room) addSubscriber(c *Client) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subscribers[c.id]; ok {
		sub.replaying = true
		return sub, false
	}

	sub := &subscription{client: c, replaying: true}
	r.subscribers[c.id] = sub
	c.addRoom(r)
	r.signal()

	r.log.Debug().Str("conn_id", c.id).Msg("added subscriber")
	return sub, true
}

func (r *Room) removeSubscriber(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[c.id]; !ok {
		return
	}

	delete(r.subscribers, c.id)
	c.delRoom(r.id)
	r.signal()

	r.log.Debug().Str("conn_id", c.id).Msg("removed subscriber")
}

// dropSubscription rolls back a subscription whose history could not be
// read.
func (r *Room) dropSubscription(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := sub.client
	if r.subscribers[c.id] != sub {
		return
	}

	delete(r.subscribers, c.id)
	c.delRoom(r.id)
	r.signal()
}

// completeReplay queues history followed by any live messages buffered
// since the subscription was created, then turns the subscription live. It
// reports false if the subscription was removed in the meantime.
func (r *Room) completeReplay(sub *subscription, history []types.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := sub.client
	if r.subscribers[c.id] != sub {
		return false
	}

	if n := len(history); n > 0 {
		sub.floor = max(sub.floor, history[n-1].SeqId)
	}

	c.queueMessage(HistoryMessage(r.id, history))
	r.flushPending(sub)
	return true
}

// resumeLive turns a replaying subscription live without sending history.
func (r *Room) resumeLive(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribers[sub.client.id] != sub {
		return
	}
	r.flushPending(sub)
}

// flushPending delivers buffered messages above the floor. Callers hold r.mu.
func (r *Room) flushPending(sub *subscription) {
	c := sub.client
	for _, msg := range sub.pending {
		if msg.SeqId <= sub.floor {
			continue
		}
		if !c.queueMessage(DeliveryMessage(msg)) {
			r.cs.stats.Incr(stats.DeliveryFailures)
			break
		}
		r.cs.stats.Incr(stats.MessagesDelivered)
	}

	sub.pending = nil
	sub.replaying = false
}

func (r *Room) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subscribers)
}

func (r *Room) subscriberIds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	return ids
}
