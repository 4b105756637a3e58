package chat

import (
	"context"

	"github.com/golang/glog"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/chatstore"
)

// HasNext reports whether older history may exist. It is false after a re-join of a
// room the actor had left: the conversation resumes empty.
func (s *Session) HasNext() bool {
	s.Lock()
	defer s.Unlock()
	return s.hasNext
}

// LoadMore fetches the page of history older than the oldest message held and merges
// it. It returns the messages actually added and whether more history exists.
func (s *Session) LoadMore(ctx context.Context) ([]*chatstore.Msg, bool, error) {
	s.Lock()
	if s.state != StateJoined {
		s.Unlock()
		return nil, false, newError(CodeNotJoined, "load more", nil)
	}
	gen := s.gen
	s.Unlock()

	added, hasNext, err := s.loadPage(ctx, gen, s.msgs.MinID())
	return added, hasNext, translate("load more", err)
}

func (s *Session) backfill(ctx context.Context, gen int) {
	_, _, err := s.loadPage(ctx, gen, 0)
	if err == nil || ctx.Err() != nil {
		return
	}

	s.Lock()
	fromCache := s.fromCache && s.gen == gen
	s.Unlock()
	if fromCache && api.IsNotFound(err) {
		s.dropCachedRoom(gen)
		return
	}
	glog.Errorf("chat: session %s: backfill error: %v", s.mkey, err)
	s.emit(Event{Type: EventError, Err: translate("backfill", err)})
}

// loadPage fetches one page before `before`, 0 meaning the most recent page. The
// result is dropped if the generation ended meanwhile.
func (s *Session) loadPage(ctx context.Context, gen int, before int64) ([]*chatstore.Msg, bool, error) {
	s.Lock()
	if !s.liveLocked(gen) {
		s.Unlock()
		return nil, false, newError(CodeNotJoined, "load more", nil)
	}
	if !s.hasNext || s.loading {
		hasNext := s.hasNext
		s.Unlock()
		return nil, hasNext, nil
	}
	s.loading = true
	roomID := s.room.ID
	roomCtx := s.ctx
	s.Unlock()

	// leaving the room cancels the fetch.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(roomCtx, cancel)
	defer stop()

	page, err := s.c.Backend.FetchHistory(ctx, roomID, before, s.c.conf.PageSize, true)

	var items []*chatstore.Msg
	if err == nil {
		for _, m := range page.Items {
			if m == nil {
				continue
			}
			m.RoomID = roomID
			m.Mine = m.Countable() && s.c.Resolver.IsMine(ctx, m.SenderID, m.SenderName)
			items = append(items, m)
		}
	}

	s.Lock()
	if s.gen != gen {
		s.Unlock()
		glog.V(5).Infof("chat: session %s: discard history of ended room %d", s.mkey, roomID)
		return nil, false, newError(CodeNotJoined, "load more", nil)
	}
	s.loading = false
	if err != nil {
		s.Unlock()
		return nil, s.hasNext, err
	}
	if !s.liveLocked(gen) {
		s.Unlock()
		return nil, false, newError(CodeNotJoined, "load more", nil)
	}

	added := s.msgs.Put(items...)
	s.hasNext = page.HasNext
	hasNext := s.hasNext
	var ev *Event
	if len(added) > 0 {
		msgs := make([]*chatstore.Msg, 0, len(added))
		for _, m := range added {
			msgs = append(msgs, copyMsg(m))
		}
		ev = &Event{Type: EventMessagesAdded, Room: s.room, Msgs: msgs}
	}
	s.Unlock()

	inboundCounter.WithLabelValues("history", "added").Add(float64(len(added)))
	if dup := len(items) - len(added); dup > 0 {
		inboundCounter.WithLabelValues("history", "duplicate").Add(float64(dup))
	}
	glog.V(5).Infof("chat: session %s: history before %d: %d items, %d added, hasNext: %v",
		s.mkey, before, len(items), len(added), hasNext)

	if ev != nil {
		s.emit(*ev)
		return ev.Msgs, hasNext, nil
	}
	return nil, hasNext, nil
}
