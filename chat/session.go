package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/ws"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateLeft
	StateError
)

var stateNames = [...]string{"Idle", "Joining", "Joined", "Leaving", "Left", "Error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrEmptyMessage = errors.New("chat: empty message")

	errPlaceholderRoom = errors.New("backend answered placeholder room id")
)

type sendPayload struct {
	Body string `json:"body"`
}

// Session is the state machine of one conversation:
//
//	Idle -> Joining -> Joined -> Leaving -> Left
//	           \-> Error (retryable or fatal, Join may be called again)
//
// All room-scoped work (subscriptions, history, timers) is bound to one join
// generation and dropped as soon as the generation ends.
type Session struct {
	sync.Mutex

	c    *Client
	kind chatstore.RoomKind
	key  string // logical key
	mkey string // kind:logicalKey, key of the mapping and markers

	state State
	err   *Error
	room  *chatstore.Room

	gen    int
	ctx    context.Context // room lifetime
	cancel context.CancelFunc

	msgs       *chatstore.MsgSet
	hasNext    bool
	loading    bool
	watermarks map[string]int64

	muted        bool
	muteInFlight int

	subs      []*ws.Subscription
	settle    *time.Timer
	readTimer *time.Timer
	fromCache bool
}

func newSession(c *Client, kind chatstore.RoomKind, key string) *Session {
	return &Session{
		c:          c,
		kind:       kind,
		key:        key,
		mkey:       mappingKey(kind, key),
		msgs:       chatstore.NewMsgSet(),
		watermarks: make(map[string]int64),
	}
}

func (s *Session) Key() string { return s.mkey }

func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Err returns the error of the Error state.
func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// Room returns the joined room, nil before the first successful join.
func (s *Session) Room() *chatstore.Room {
	s.Lock()
	defer s.Unlock()
	if s.room == nil {
		return nil
	}
	r := *s.room
	return &r
}

// Messages returns copies of the held messages in id order.
func (s *Session) Messages() []*chatstore.Msg {
	s.Lock()
	defer s.Unlock()
	return s.msgs.Snapshot()
}

func (s *Session) emit(e Event) {
	e.Key = s.mkey
	s.c.emit(e)
}

// must hold lock.
func (s *Session) setStateLocked(st State) Event {
	glog.V(5).Infof("chat: session %s: %s -> %s", s.mkey, s.state, st)
	s.state = st
	if st != StateError {
		s.err = nil
	}
	return Event{Type: EventStateChanged, State: st, Room: s.room}
}

// must hold lock.
func (s *Session) liveLocked(gen int) bool {
	return s.gen == gen && (s.state == StateJoined || s.state == StateLeaving)
}

// Join enters the conversation. Concurrent calls for the same logical key share one
// attempt; a joined session returns at once.
func (s *Session) Join(ctx context.Context) error {
	if s.State() == StateJoined {
		return nil
	}
	ch := s.c.joins.DoChan(s.mkey, func() (interface{}, error) {
		return nil, s.join(s.c.ctx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return newError(CodeCanceled, "join", ctx.Err())
	}
}

func (s *Session) join(ctx context.Context) error {
	s.Lock()
	switch s.state {
	case StateJoined:
		s.Unlock()
		return nil
	case StateLeaving, StateLeft:
		st := s.state
		s.Unlock()
		return newError(CodeNotJoined, "join", fmt.Errorf("session is %s", st))
	}
	ev := s.setStateLocked(StateJoining)
	s.Unlock()
	s.emit(ev)

	self, err := s.c.Resolver.ResolveSelf(ctx)
	if err != nil {
		return s.fail(translate("join", err))
	}
	if s.kind == chatstore.RoomKind_DM && s.key == self.ID {
		return s.fail(newError(CodeInvalidTarget, "join", errors.New("self chat")))
	}

	hasLeft := s.c.Markers.HasLeft(s.mkey)
	if !hasLeft {
		if roomID, ok := s.c.Mapping.Get(s.mkey); ok {
			glog.V(5).Infof("chat: session %s: cached room %d", s.mkey, roomID)
			joinsCounter.WithLabelValues("cached").Inc()
			s.onJoined(roomID, true, false)
			return nil
		}
	}

	// a placeholder id is retried like contention: the room is not resolved yet.
	var res *api.JoinResult
	var roomID int64
	err = s.c.conf.retry(ctx, "join", s.c.conf.JoinAttempts, func() error {
		r, err := s.c.Backend.JoinOrCreateRoom(ctx, s.kind, s.key)
		if err != nil {
			if !api.IsContention(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !s.c.Mapping.IsInvalid(r.RoomID) {
			res, roomID = r, r.RoomID
			return nil
		}
		if cached, ok := s.c.Mapping.Get(s.mkey); ok && r.AlreadyJoined {
			res, roomID = r, cached
			return nil
		}
		return fmt.Errorf("%w %d", errPlaceholderRoom, r.RoomID)
	})
	if err != nil {
		joinsCounter.WithLabelValues("error").Inc()
		if errors.Is(err, errPlaceholderRoom) {
			return s.fail(newError(CodeTransientContention, "join", err))
		}
		return s.fail(translate("join", err))
	}

	if err := s.c.Mapping.Put(s.mkey, roomID); err != nil {
		glog.Errorf("chat: session %s: store mapping error: %v", s.mkey, err)
	}
	if hasLeft {
		if err := s.c.Markers.ClearLeft(s.mkey); err != nil {
			glog.Errorf("chat: session %s: clear left marker error: %v", s.mkey, err)
		}
	}
	if res.AlreadyJoined {
		joinsCounter.WithLabelValues("already").Inc()
	} else {
		joinsCounter.WithLabelValues("ok").Inc()
	}
	s.onJoined(roomID, false, hasLeft)
	return nil
}

func (s *Session) fail(e error) error {
	ce, _ := e.(*Error)
	s.Lock()
	s.err = ce
	ev := s.setStateLocked(StateError)
	s.Unlock()
	ev.Err = e
	glog.Errorf("chat: session %s: %v", s.mkey, e)
	s.emit(ev)
	return e
}

// onJoined enters Joined with roomID and starts the room-scoped work.
func (s *Session) onJoined(roomID int64, fromCache, skipBackfill bool) {
	muted, _ := s.c.Markers.Muted(roomID)

	s.Lock()
	s.gen++
	gen := s.gen
	s.room = &chatstore.Room{ID: roomID, Kind: s.kind, LogicalKey: s.key}
	s.ctx, s.cancel = context.WithCancel(s.c.ctx)
	s.msgs.Reset()
	s.watermarks = make(map[string]int64)
	s.hasNext = !skipBackfill
	s.fromCache = fromCache
	s.muted = muted
	ctx := s.ctx
	s.settle = time.AfterFunc(s.c.conf.SettleDelay, func() { s.markLatestRead(gen) })
	ev := s.setStateLocked(StateJoined)
	s.Unlock()

	glog.Infof("chat: session %s joined room %d, cached: %v, backfill: %v", s.mkey, roomID, fromCache, !skipBackfill)
	s.emit(ev)

	go s.watchLink(ctx, gen, roomID)
	if !skipBackfill {
		go s.backfill(ctx, gen)
	}
	go s.reconcileMute(ctx, gen, roomID)
}

// teardownLocked ends the current generation, returns its subscriptions to be
// released outside the lock. must hold lock.
func (s *Session) teardownLocked() []*ws.Subscription {
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	subs := s.subs
	s.subs = nil
	s.loading = false
	return subs
}

func unsubscribeAll(subs []*ws.Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			glog.Errorf("chat: unsubscribe %s error: %v", sub.Topic, err)
		}
	}
}

// dropCachedRoom is called when the backend rejects a cached room id: the mapping
// is removed and a network join follows.
func (s *Session) dropCachedRoom(gen int) {
	s.Lock()
	if s.gen != gen || s.state != StateJoined {
		s.Unlock()
		return
	}
	roomID := s.room.ID
	subs := s.teardownLocked()
	s.room = nil
	s.msgs.Reset()
	ev := s.setStateLocked(StateIdle)
	s.Unlock()

	unsubscribeAll(subs)
	glog.Warningf("chat: session %s: cached room %d rejected, re-join", s.mkey, roomID)
	if err := s.c.Mapping.RemoveIf(s.mkey, roomID); err != nil {
		glog.Errorf("chat: session %s: remove mapping error: %v", s.mkey, err)
	}
	s.emit(ev)

	// the join that produced the rejected room may still be in flight.
	s.c.joins.Forget(s.mkey)
	if err := s.Join(s.c.ctx); err != nil {
		glog.Errorf("chat: session %s: re-join error: %v", s.mkey, err)
	}
}

// watchLink subscribes the room topics whenever the link is up. The transport
// forgets subscriptions on link loss, so they are made again each time the
// connected flag returns to true.
func (s *Session) watchLink(ctx context.Context, gen int, roomID int64) {
	ch, cancel := s.c.Transport.Watch()
	defer cancel()

	connected := s.c.Transport.Connected()
	for {
		if connected {
			s.subscribe(gen, roomID)
		}
		select {
		case <-ctx.Done():
			return
		case connected = <-ch:
		}
	}
}

func (s *Session) subscribe(gen int, roomID int64) {
	s.Lock()
	if !s.liveLocked(gen) {
		s.Unlock()
		return
	}
	stale := false
	for _, sub := range s.subs {
		if !sub.Active() {
			stale = true
		}
	}
	if len(s.subs) > 0 && !stale {
		s.Unlock()
		return
	}
	old := s.subs
	s.subs = nil
	s.Unlock()

	unsubscribeAll(old)

	msgSub, err := s.c.Transport.Subscribe(ws.MessagesTopic(roomID), func(f *ws.Frame) {
		s.onMessageFrame(gen, roomID, f.Body)
	})
	if err != nil {
		s.subscribeFailed(err)
		return
	}
	rcptSub, err := s.c.Transport.Subscribe(ws.ReadReceiptsTopic(roomID), func(f *ws.Frame) {
		s.onReceiptFrame(gen, f.Body)
	})
	if err != nil {
		unsubscribeAll([]*ws.Subscription{msgSub})
		s.subscribeFailed(err)
		return
	}

	s.Lock()
	if !s.liveLocked(gen) {
		s.Unlock()
		unsubscribeAll([]*ws.Subscription{msgSub, rcptSub})
		return
	}
	s.subs = []*ws.Subscription{msgSub, rcptSub}
	s.Unlock()
	glog.V(5).Infof("chat: session %s subscribed room %d", s.mkey, roomID)
}

func (s *Session) subscribeFailed(err error) {
	if errors.Is(err, ws.ErrNotConnected) {
		// retried on the next connected notification.
		return
	}
	glog.Errorf("chat: session %s: subscribe error: %v", s.mkey, err)
	s.emit(Event{Type: EventError, Err: translate("subscribe", err)})
}

func (s *Session) onMessageFrame(gen int, roomID int64, body []byte) {
	var m chatstore.Msg
	if err := json.Unmarshal(body, &m); err != nil {
		glog.Errorf("chat: session %s: bad message event: %s, err: %v", s.mkey, string(body), err)
		inboundCounter.WithLabelValues("stream", "bad").Inc()
		return
	}
	if m.RoomID != 0 && m.RoomID != roomID {
		glog.Errorf("chat: session %s: message %d of room %d on room %d topic", s.mkey, m.ID, m.RoomID, roomID)
		inboundCounter.WithLabelValues("stream", "bad").Inc()
		return
	}
	m.RoomID = roomID
	// identity may become known after the subscription started.
	m.Mine = m.Countable() && s.c.Resolver.IsMine(s.c.ctx, m.SenderID, m.SenderName)

	s.Lock()
	if !s.liveLocked(gen) {
		s.Unlock()
		return
	}
	added := s.msgs.Put(&m)
	if len(added) == 0 {
		s.Unlock()
		glog.V(5).Infof("chat: session %s: drop duplicate message %d", s.mkey, m.ID)
		inboundCounter.WithLabelValues("stream", "duplicate").Inc()
		return
	}
	s.scheduleReadLocked(gen)
	ev := Event{Type: EventMessagesAdded, Room: s.room, Msgs: []*chatstore.Msg{copyMsg(&m)}}
	s.Unlock()

	inboundCounter.WithLabelValues("stream", "added").Inc()
	s.emit(ev)
}

func copyMsg(m *chatstore.Msg) *chatstore.Msg {
	c := *m
	return &c
}

// Send publishes body to the room inbox. Nothing is inserted locally: the message
// shows up when the stream echoes it.
func (s *Session) Send(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if _, err := s.c.Resolver.ResolveSelf(ctx); err != nil {
		return translate("send", err)
	}

	s.Lock()
	if s.state != StateJoined {
		s.Unlock()
		return newError(CodeNotJoined, "send", nil)
	}
	roomID := s.room.ID
	s.Unlock()

	payload, err := json.Marshal(&sendPayload{Body: body})
	if err != nil {
		return newError(CodeRequestFailed, "send", err)
	}

	conf := &s.c.conf
	err = conf.retry(ctx, "send", conf.SendAttempts, func() error {
		wctx, cancel := context.WithTimeout(ctx, conf.SendWait)
		err := s.c.Transport.WaitConnected(wctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(ws.ErrNotConnected)
		}
		err = s.c.Transport.Publish(ctx, ws.InboxDest(roomID), payload)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case ws.IsNotSent(err):
			// nothing reached the broker, safe to publish again once the link is back.
			return err
		}
		return backoff.Permanent(err)
	})
	return translate("send", err)
}

// Leave leaves the room. The session turns Left, and the has-left marker is set,
// only once the backend confirms; on failure it stays Joined with its subscriptions.
func (s *Session) Leave(ctx context.Context) error {
	s.Lock()
	if s.state != StateJoined {
		s.Unlock()
		return newError(CodeNotJoined, "leave", nil)
	}
	roomID := s.room.ID
	gen := s.gen
	ev := s.setStateLocked(StateLeaving)
	s.Unlock()
	s.emit(ev)

	if err := s.c.Backend.LeaveRoom(ctx, roomID); err != nil {
		e := newError(CodeLeaveFailed, "leave", err)
		glog.Errorf("chat: session %s: %v", s.mkey, e)
		s.Lock()
		reverted := s.gen == gen && s.state == StateLeaving
		if reverted {
			ev = s.setStateLocked(StateJoined)
		}
		s.Unlock()
		if reverted {
			ev.Err = e
			s.emit(ev)
		}
		return e
	}

	if err := s.c.Markers.SetLeft(s.mkey); err != nil {
		glog.Errorf("chat: session %s: set left marker error: %v", s.mkey, err)
	}
	if err := s.c.Mapping.RemoveIf(s.mkey, roomID); err != nil {
		glog.Errorf("chat: session %s: remove mapping error: %v", s.mkey, err)
	}

	s.Lock()
	subs := s.teardownLocked()
	ev = s.setStateLocked(StateLeft)
	s.Unlock()

	unsubscribeAll(subs)
	glog.Infof("chat: session %s left room %d", s.mkey, roomID)
	s.emit(ev)
	return nil
}

// close stops the session locally.
func (s *Session) close() {
	s.Lock()
	subs := s.teardownLocked()
	s.Unlock()
	unsubscribeAll(subs)
}
