package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/api"
	mock_api "github.com/mqy/minichat/api/mock"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
	"github.com/mqy/minichat/ws/wstest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConf() Config {
	return Config{
		SettleDelay:  20 * time.Millisecond,
		ReadDebounce: 10 * time.Millisecond,
		SendWait:     50 * time.Millisecond,
		RetryBase:    5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		CallTimeout:  time.Second,
	}
}

type eventLog struct {
	sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.Lock()
	l.events = append(l.events, e)
	l.Unlock()
}

func (l *eventLog) count(fn func(e Event) bool) int {
	l.Lock()
	defer l.Unlock()
	n := 0
	for _, e := range l.events {
		if fn(e) {
			n++
		}
	}
	return n
}

func (l *eventLog) addedMsgs() int {
	l.Lock()
	defer l.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == EventMessagesAdded {
			n += len(e.Msgs)
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	backend *mock_api.MockIBackend
	lb      *wstest.Loopback
	link    *ws.Manager
	kv      store.IKV
	events  *eventLog
	client  *Client
}

func newHarness(t *testing.T) *harness {
	mockCtrl := gomock.NewController(t)
	h := &harness{
		t:       t,
		backend: mock_api.NewMockIBackend(mockCtrl),
		lb:      wstest.NewLoopback(),
		kv:      store.NewMemKV(),
		events:  &eventLog{},
	}
	h.link = ws.NewManager(h.lb, ws.Config{BackoffMin: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond})
	require.NoError(t, h.link.Connect(context.Background(), "tok"))
	h.client = h.newClient()
	t.Cleanup(func() {
		h.client.Close()
		_ = h.link.Disconnect()
	})
	return h
}

func (h *harness) newClient() *Client {
	return h.newClientWith(h.link)
}

func (h *harness) newClientWith(tr Transport) *Client {
	resolver := auth.NewResolver(nil, &auth.MockSource{ID: &auth.Identity{ID: "u1", DisplayName: "alice"}})
	return NewClient(testConf(), Deps{
		Backend:   h.backend,
		Transport: tr,
		Resolver:  resolver,
		Mapping:   store.NewMappingCache(h.kv),
		Markers:   store.NewMarkers(h.kv),
		OnEvent:   h.events.add,
	})
}

// background expects the calls every joined session makes on its own.
func (h *harness) background() {
	h.backend.EXPECT().MarkLatestRead(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.backend.EXPECT().ListParticipants(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
}

func (h *harness) expectJoin(key string, roomID int64) *gomock.Call {
	return h.backend.EXPECT().JoinOrCreateRoom(gomock.Any(), chatstore.RoomKind_Group, key).
		Return(&api.JoinResult{RoomID: roomID}, nil)
}

func (h *harness) expectHistory(roomID, before int64, page *api.HistoryPage) *gomock.Call {
	return h.backend.EXPECT().FetchHistory(gomock.Any(), roomID, before, DefaultPageSize, true).Return(page, nil)
}

// enter joins group key and waits until the room topics are subscribed.
func (h *harness) enter(key string) *Session {
	s, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, key)
	require.NoError(h.t, err)
	roomID := s.Room().ID
	require.Eventually(h.t, func() bool {
		return h.lb.Subscribed(ws.MessagesTopic(roomID)) && h.lb.Subscribed(ws.ReadReceiptsTopic(roomID))
	}, waitFor, tick)
	return s
}

func (h *harness) inject(topic string, v interface{}) {
	b, err := json.Marshal(v)
	require.NoError(h.t, err)
	require.True(h.t, h.lb.Inject(topic, b), "no subscriber on %s", topic)
}

// flakyTransport fails the first publishes with the queued errors.
type flakyTransport struct {
	Transport

	sync.Mutex
	errs  []error
	calls int
}

func (f *flakyTransport) Publish(ctx context.Context, dest string, payload []byte) error {
	f.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.Unlock()
	if err != nil {
		return err
	}
	return f.Transport.Publish(ctx, dest, payload)
}

func (f *flakyTransport) publishes() int {
	f.Lock()
	defer f.Unlock()
	return f.calls
}

// useFlakyTransport replaces the client by one publishing through a flakyTransport.
func (h *harness) useFlakyTransport(errs ...error) *flakyTransport {
	f := &flakyTransport{Transport: h.link, errs: errs}
	h.client.Close()
	h.client = h.newClientWith(f)
	return f
}

func textMsg(id int64, sender string, unread int) *chatstore.Msg {
	return &chatstore.Msg{ID: id, SenderID: sender, Body: "hi", Type: chatstore.MsgType_Text, UnreadByOthers: unread}
}

func msgIDs(msgs []*chatstore.Msg) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestJoinConcurrent(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, "42")
			assert.NoError(t, err)
			assert.Equal(t, StateJoined, s.State())
		}()
	}
	wg.Wait()

	s, err := h.client.Session(chatstore.RoomKind_Group, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Room().ID)
	assert.Len(t, h.client.Sessions(), 1)

	id, ok := h.client.Mapping.Get("group:42")
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	assert.Equal(t, 1, h.events.count(func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateJoined
	}))
	require.Eventually(t, func() bool { return h.lb.Subscribed(ws.MessagesTopic(7)) }, waitFor, tick)
}

func TestJoinCachedMapping(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).Times(2)
	h.background()

	s := h.enter("42")
	require.Eventually(t, func() bool { return !s.HasNext() }, waitFor, tick)
	h.client.Close()

	// a fresh process over the same storage resolves the room without the join call.
	h.client = h.newClient()
	s = h.enter("42")
	assert.Equal(t, int64(7), s.Room().ID)
	require.Eventually(t, func() bool { return !s.HasNext() }, waitFor, tick)
}

func TestJoinPurgesSentinelMapping(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.kv.Put(store.BucketRoomMapping, "group:42", []byte("-1")))
	require.NoError(t, h.kv.Put(store.BucketRoomMapping, "group:43", []byte("0")))
	h.client.Close()
	h.client = h.newClient()

	_, err := h.kv.Get(store.BucketRoomMapping, "group:42")
	assert.Equal(t, store.ErrNotFound, err)

	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).AnyTimes()
	h.background()

	s := h.enter("42")
	assert.Equal(t, int64(7), s.Room().ID)
	id, ok := h.client.Mapping.Get("group:42")
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestJoinPlaceholderRoomIDRetried(t *testing.T) {
	h := newHarness(t)
	gomock.InOrder(
		h.backend.EXPECT().JoinOrCreateRoom(gomock.Any(), chatstore.RoomKind_Group, "42").
			Return(&api.JoinResult{RoomID: 0, AlreadyJoined: true}, nil).Times(1),
		h.expectJoin("42", 7).Times(1),
	)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s := h.enter("42")
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, int64(7), s.Room().ID)
	id, ok := h.client.Mapping.Get("group:42")
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Zero(t, h.events.count(func(e Event) bool { return e.Err != nil }))
}

func TestJoinPlaceholderRoomIDGivesUp(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", -1).Times(DefaultJoinAttempts)

	_, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientContention))

	s, _ := h.client.Session(chatstore.RoomKind_Group, "42")
	assert.Equal(t, StateError, s.State())
	assert.True(t, s.Err().(*Error).Retryable())
	_, ok := h.client.Mapping.Get("group:42")
	assert.False(t, ok)
}

func TestJoinAlreadyMemberPlaceholderUsesCache(t *testing.T) {
	h := newHarness(t)
	// left before, so the cached mapping is not used as a short-cut.
	require.NoError(t, h.client.Mapping.Put("group:42", 7))
	require.NoError(t, h.client.Markers.SetLeft("group:42"))

	h.backend.EXPECT().JoinOrCreateRoom(gomock.Any(), chatstore.RoomKind_Group, "42").
		Return(&api.JoinResult{RoomID: -1, AlreadyJoined: true}, nil).Times(1)
	h.background()

	s := h.enter("42")
	assert.Equal(t, int64(7), s.Room().ID)
	assert.False(t, h.client.Markers.HasLeft("group:42"))
	assert.False(t, s.HasNext())
}

func TestJoinContentionRetry(t *testing.T) {
	h := newHarness(t)
	contention := &api.Error{Status: 409, Code: api.CodeLockTimeout}
	h.backend.EXPECT().JoinOrCreateRoom(gomock.Any(), chatstore.RoomKind_Group, "42").
		Return(nil, contention).Times(2)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).AnyTimes()
	h.background()

	s := h.enter("42")
	assert.Equal(t, int64(7), s.Room().ID)
}

func TestJoinContentionGivesUp(t *testing.T) {
	h := newHarness(t)
	contention := &api.Error{Status: 500, Message: "Deadlock found when trying to get lock"}
	h.backend.EXPECT().JoinOrCreateRoom(gomock.Any(), chatstore.RoomKind_Group, "42").
		Return(nil, contention).Times(DefaultJoinAttempts)

	_, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientContention))

	// a retryable error leaves the session ready for another attempt.
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).AnyTimes()
	h.background()
	s := h.enter("42")
	assert.Equal(t, StateJoined, s.State())
}

func TestJoinPermanentError(t *testing.T) {
	h := newHarness(t)
	h.backend.EXPECT().JoinOrCreateRoom(gomock.Any(), chatstore.RoomKind_Group, "42").
		Return(nil, &api.Error{Status: 500, Message: "internal error"}).Times(1)

	_, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
	assert.Equal(t, 1, h.events.count(func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateError && e.Err != nil
	}))
}

func TestInvalidTargets(t *testing.T) {
	h := newHarness(t)

	for _, key := range []string{"", " ", "a/b", "a:b"} {
		_, err := h.client.Session(chatstore.RoomKind_Group, key)
		assert.True(t, errors.Is(err, ErrInvalidTarget), "key %q", key)
	}
	_, err := h.client.Session("channel", "1")
	assert.True(t, errors.Is(err, ErrInvalidTarget))

	// a DM with oneself.
	_, err = h.client.Enter(context.Background(), chatstore.RoomKind_DM, "u1")
	assert.True(t, errors.Is(err, ErrInvalidTarget))
}

func TestIdentityUnavailable(t *testing.T) {
	h := newHarness(t)
	h.client.Resolver = auth.NewResolver(nil, &auth.MockSource{})

	_, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIdentityUnavailable))
	assert.Equal(t, "Please sign in again.", err.(*Error).UserMessage())
}

func TestHistoryPages(t *testing.T) {
	h := newHarness(t)
	page := func(from, to int64, hasNext bool) *api.HistoryPage {
		p := &api.HistoryPage{HasNext: hasNext}
		for id := to; id >= from; id-- {
			p.Items = append(p.Items, textMsg(id, "u2", 0))
		}
		return p
	}
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, page(51, 100, true)).Times(1)
	h.expectHistory(7, 51, page(1, 50, false)).Times(1)
	h.background()

	s := h.enter("42")
	require.Eventually(t, func() bool { return len(s.Messages()) == 50 }, waitFor, tick)
	assert.True(t, s.HasNext())

	added, hasNext, err := s.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, hasNext)
	assert.Len(t, added, 50)

	msgs := s.Messages()
	require.Len(t, msgs, 100)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.ID)
		assert.Equal(t, int64(7), m.RoomID)
	}

	// nothing older, no call.
	added, hasNext, err = s.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, hasNext)
	assert.Empty(t, added)
}

func TestHistoryAndStreamDedup(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{Items: []*chatstore.Msg{
		textMsg(3, "u2", 1), textMsg(2, "u2", 1), textMsg(1, "u2", 1),
	}}).Times(1)
	h.background()

	s := h.enter("42")
	h.inject(ws.MessagesTopic(7), textMsg(3, "u2", 1))
	h.inject(ws.MessagesTopic(7), textMsg(4, "u2", 1))
	h.inject(ws.MessagesTopic(7), textMsg(4, "u2", 1))

	require.Eventually(t, func() bool { return h.events.addedMsgs() == 4 }, waitFor, tick)
	assert.Equal(t, []int64{1, 2, 3, 4}, msgIDs(s.Messages()))

	// no further additions once settled.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, h.events.addedMsgs())
}

func TestStreamIgnoresOtherRoom(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s := h.enter("42")
	m := textMsg(5, "u2", 1)
	m.RoomID = 8
	h.inject(ws.MessagesTopic(7), m)
	h.inject(ws.MessagesTopic(7), textMsg(6, "u1", 1))

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	msgs := s.Messages()
	assert.Equal(t, int64(6), msgs[0].ID)
	assert.True(t, msgs[0].Mine)
}

func TestReadReceipts(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s := h.enter("42")
	for id := int64(1); id <= 4; id++ {
		h.inject(ws.MessagesTopic(7), textMsg(id, "u2", 2))
	}
	h.inject(ws.MessagesTopic(7), textMsg(5, "u1", 2))
	require.Eventually(t, func() bool { return len(s.Messages()) == 5 }, waitFor, tick)

	unread := func() []int {
		var out []int
		for _, m := range s.Messages() {
			out = append(out, m.UnreadByOthers)
		}
		return out
	}
	receipt := func(reader string, last int64) {
		h.inject(ws.ReadReceiptsTopic(7), &readReceipt{ReaderID: reader, LastReadMessageID: last})
	}

	receipt("u3", 5)
	require.Eventually(t, func() bool { return s.Watermark("u3").LastReadMessageID == 5 }, waitFor, tick)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, unread())

	// stale receipt.
	receipt("u3", 3)
	// the reader's own messages are untouched.
	receipt("u2", 5)
	require.Eventually(t, func() bool { return s.Watermark("u2").LastReadMessageID == 5 }, waitFor, tick)
	assert.Equal(t, int64(5), s.Watermark("u3").LastReadMessageID)
	assert.Equal(t, []int{1, 1, 1, 1, 0}, unread())

	// clamped at zero.
	receipt("u4", 5)
	require.Eventually(t, func() bool { return s.Watermark("u4").LastReadMessageID == 5 }, waitFor, tick)
	assert.Equal(t, []int{0, 0, 0, 0, 0}, unread())
	receipt("u5", 5)
	require.Eventually(t, func() bool { return s.Watermark("u5").LastReadMessageID == 5 }, waitFor, tick)
	assert.Equal(t, []int{0, 0, 0, 0, 0}, unread())
}

func TestReceiptOrderIndependent(t *testing.T) {
	type rcpt struct {
		reader string
		last   int64
	}
	receipts := []rcpt{{"u2", 3}, {"u3", 5}, {"u2", 6}, {"u3", 2}, {"u4", 4}}
	orders := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 3, 4, 1}, {1, 3, 0, 4, 2}}

	var want []int
	for _, order := range orders {
		s := newSession(&Client{}, chatstore.RoomKind_Group, "1")
		s.room = &chatstore.Room{ID: 1}
		for id := int64(1); id <= 6; id++ {
			sender := "u2"
			if id%2 == 0 {
				sender = "u3"
			}
			s.msgs.Put(textMsg(id, sender, 3))
		}
		for _, i := range order {
			s.applyReceiptLocked(receipts[i].reader, receipts[i].last, "")
		}

		var got []int
		for _, m := range s.msgs.Snapshot() {
			got = append(got, m.UnreadByOthers)
		}
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %v", order)
	}
	// u2 read up to 6, u3 up to 5, u4 up to 4; nobody's own messages count.
	assert.Equal(t, []int{1, 1, 1, 1, 2, 2}, want)
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()
	h.backend.EXPECT().MarkRead(gomock.Any(), int64(7), int64(3)).Return(&api.Error{Status: 500}).Times(1)
	h.backend.EXPECT().MarkRead(gomock.Any(), int64(7), int64(3)).Return(nil).Times(1)

	s := h.enter("42")
	for id := int64(1); id <= 3; id++ {
		h.inject(ws.MessagesTopic(7), textMsg(id, "u2", 1))
	}
	h.inject(ws.MessagesTopic(7), textMsg(4, "u1", 1))
	require.Eventually(t, func() bool { return len(s.Messages()) == 4 }, waitFor, tick)

	// the optimistic update stays when the backend fails.
	err := s.MarkRead(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
	assert.Equal(t, int64(3), s.Watermark("u1").LastReadMessageID)
	for _, m := range s.Messages()[:3] {
		assert.Equal(t, 0, m.UnreadByOthers)
	}
	assert.Equal(t, 1, s.Messages()[3].UnreadByOthers)

	require.NoError(t, s.MarkRead(context.Background()))
	assert.Equal(t, int64(3), s.Watermark("u1").LastReadMessageID)
}

func TestMarkReadNothingToRead(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{Items: []*chatstore.Msg{textMsg(1, "u1", 1)}}).Times(1)
	h.background()

	s := h.enter("42")
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.NoError(t, s.MarkRead(context.Background()))
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(2)
	h.expectHistory(7, 0, &api.HistoryPage{}).Times(1)
	h.background()
	h.backend.EXPECT().LeaveRoom(gomock.Any(), int64(7)).Return(&api.Error{Status: 500}).Times(1)
	h.backend.EXPECT().LeaveRoom(gomock.Any(), int64(7)).Return(nil).Times(1)

	s := h.enter("42")
	require.Eventually(t, func() bool { return !s.HasNext() }, waitFor, tick)

	err := s.Leave(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaveFailed))
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, 1, h.events.count(func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateJoined && e.Err != nil
	}))
	assert.False(t, h.client.Markers.HasLeft("group:42"))
	assert.True(t, h.lb.Subscribed(ws.MessagesTopic(7)))
	_, ok := h.client.Mapping.Get("group:42")
	assert.True(t, ok)

	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, StateLeft, s.State())
	assert.True(t, h.client.Markers.HasLeft("group:42"))
	assert.False(t, h.lb.Subscribed(ws.MessagesTopic(7)))
	_, ok = h.client.Mapping.Get("group:42")
	assert.False(t, ok)

	assert.True(t, errors.Is(s.Send(context.Background(), "hi"), ErrNotJoined))
	assert.True(t, errors.Is(s.Leave(context.Background()), ErrNotJoined))

	// re-entry goes through the network and starts with an empty conversation.
	s2 := h.enter("42")
	assert.NotSame(t, s, s2)
	assert.False(t, s2.HasNext())
	assert.Empty(t, s2.Messages())
	assert.False(t, h.client.Markers.HasLeft("group:42"))
}

func TestLeaveFailsAfterClose(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()
	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.EXPECT().LeaveRoom(gomock.Any(), int64(7)).DoAndReturn(func(ctx context.Context, roomID int64) error {
		close(started)
		<-release
		return &api.Error{Status: 500}
	}).Times(1)

	s := h.enter("42")
	errC := make(chan error, 1)
	go func() { errC <- s.Leave(context.Background()) }()
	<-started
	h.client.Close()
	close(release)

	err := <-errC
	assert.True(t, errors.Is(err, ErrLeaveFailed))
	assert.Equal(t, 1, h.events.count(func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateLeaving
	}))
	assert.Zero(t, h.events.count(func(e Event) bool {
		return e.Type == EventStateChanged && e.Err != nil
	}))
}

func TestCachedRoomRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Mapping.Put("group:42", 7))

	h.backend.EXPECT().FetchHistory(gomock.Any(), int64(7), int64(0), DefaultPageSize, true).
		Return(nil, &api.Error{Status: 404}).Times(1)
	h.expectJoin("42", 8).Times(1)
	h.expectHistory(8, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s, err := h.client.Enter(context.Background(), chatstore.RoomKind_Group, "42")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r := s.Room()
		return s.State() == StateJoined && r != nil && r.ID == 8
	}, waitFor, tick)
	id, ok := h.client.Mapping.Get("group:42")
	require.True(t, ok)
	assert.Equal(t, int64(8), id)
	require.Eventually(t, func() bool {
		return h.lb.Subscribed(ws.MessagesTopic(8)) && !h.lb.Subscribed(ws.MessagesTopic(7))
	}, waitFor, tick)
}

func TestSendEcho(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s := h.enter("42")
	h.lb.OnPublish(func(dest string, payload []byte) {
		var p sendPayload
		if dest != ws.InboxDest(7) || json.Unmarshal(payload, &p) != nil {
			return
		}
		echo, _ := json.Marshal(&chatstore.Msg{ID: 10, SenderID: "u1", Body: p.Body, Type: chatstore.MsgType_Text})
		h.lb.Inject(ws.MessagesTopic(7), echo)
		h.lb.Inject(ws.MessagesTopic(7), echo)
	})

	assert.Equal(t, ErrEmptyMessage, s.Send(context.Background(), "  "))
	require.NoError(t, s.Send(context.Background(), "hello"))

	pub := h.lb.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, "room-inbox.7", pub[0].Dest)
	assert.JSONEq(t, `{"body":"hello"}`, string(pub[0].Payload))

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	m := s.Messages()[0]
	assert.Equal(t, "hello", m.Body)
	assert.True(t, m.Mine)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages(), 1)
}

func TestSendDisconnected(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s := h.enter("42")
	require.NoError(t, h.link.Disconnect())

	err := s.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportDisconnected))
	assert.Empty(t, h.lb.Published())
	assert.Equal(t, StateJoined, s.State())
}

func TestSendRetriesUnsent(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()
	f := h.useFlakyTransport(ws.ErrNotConnected, fmt.Errorf("nats: %w", ws.ErrNotConnected))

	s := h.enter("42")
	require.NoError(t, s.Send(context.Background(), "hello"))
	assert.Equal(t, 3, f.publishes())
	assert.Len(t, h.lb.Published(), 1)
}

func TestSendGivesUpUnsent(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()
	errs := make([]error, DefaultSendAttempts+1)
	for i := range errs {
		errs[i] = ws.ErrNotConnected
	}
	f := h.useFlakyTransport(errs...)

	s := h.enter("42")
	err := s.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportDisconnected))
	assert.Equal(t, DefaultSendAttempts, f.publishes())
	assert.Empty(t, h.lb.Published())
}

func TestSendNotRetriedOnceHandedOver(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want error
	}{
		{"rejected", errors.New("nats: maximum payload exceeded"), ErrRequestFailed},
		{"link closed after hand-off", ws.ErrLinkClosed, ErrTransportDisconnected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.expectJoin("42", 7).Times(1)
			h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
			h.background()
			f := h.useFlakyTransport(tc.err)

			s := h.enter("42")
			err := s.Send(context.Background(), "hello")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want))
			assert.Equal(t, 1, f.publishes())
			assert.Empty(t, h.lb.Published())
			assert.Equal(t, StateJoined, s.State())
		})
	}
}

func TestResubscribeAfterLinkLoss(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()

	s := h.enter("42")
	h.lb.Drop()

	require.Eventually(t, func() bool {
		return h.lb.Dials() == 2 && h.lb.Subscribed(ws.MessagesTopic(7)) && h.lb.Subscribed(ws.ReadReceiptsTopic(7))
	}, waitFor, tick)
	h.inject(ws.MessagesTopic(7), textMsg(1, "u2", 1))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.Equal(t, StateJoined, s.State())
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.background()
	h.backend.EXPECT().SetMuted(gomock.Any(), int64(7), true).Return(&api.Error{Status: 500}).Times(1)
	synced := make(chan struct{})
	h.backend.EXPECT().SetMuted(gomock.Any(), int64(7), false).DoAndReturn(func(ctx context.Context, roomID int64, muted bool) error {
		close(synced)
		return nil
	}).Times(1)

	s := h.enter("42")
	assert.False(t, s.Muted())

	muted, err := s.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, s.Muted())

	require.Eventually(t, func() bool {
		return h.events.count(func(e Event) bool { return e.Type == EventError }) == 1
	}, waitFor, tick)
	// the local value survives the failed sync.
	assert.True(t, s.Muted())
	v, ok := h.client.Markers.Muted(7)
	assert.True(t, ok)
	assert.True(t, v)

	muted, err = s.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.False(t, muted)
	select {
	case <-synced:
	case <-time.After(waitFor):
		t.Fatal("mute not synced")
	}
	assert.Equal(t, 2, h.events.count(func(e Event) bool { return e.Type == EventMuteChanged }))
}

func TestMuteFromServer(t *testing.T) {
	h := newHarness(t)
	muted := true
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.backend.EXPECT().MarkLatestRead(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.backend.EXPECT().ListParticipants(gomock.Any(), int64(7)).Return([]*api.Participant{
		{UserID: "u2", DisplayName: "bob"},
		{UserID: "u1", DisplayName: "alice", IsSelf: true, Muted: &muted},
	}, nil).AnyTimes()

	s := h.enter("42")
	require.Eventually(t, s.Muted, waitFor, tick)
	v, ok := h.client.Markers.Muted(7)
	assert.True(t, ok)
	assert.True(t, v)

	ps, err := s.Participants(context.Background())
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestMarkLatestReadAfterSettle(t *testing.T) {
	h := newHarness(t)
	h.expectJoin("42", 7).Times(1)
	h.expectHistory(7, 0, &api.HistoryPage{}).MaxTimes(1)
	h.backend.EXPECT().ListParticipants(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	var mu sync.Mutex
	calls := 0
	h.backend.EXPECT().MarkLatestRead(gomock.Any(), int64(7)).DoAndReturn(func(ctx context.Context, roomID int64) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}).AnyTimes()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	h.client.conf.ReadDebounce = 30 * time.Millisecond
	h.enter("42")
	require.Eventually(t, func() bool { return count() == 1 }, waitFor, tick)

	// a burst of messages is acknowledged once.
	for id := int64(1); id <= 5; id++ {
		h.inject(ws.MessagesTopic(7), textMsg(id, "u2", 1))
	}
	require.Eventually(t, func() bool { return count() == 2 }, waitFor, tick)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, count())
}
