package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

type readReceipt struct {
	ReaderID          string `json:"readerId"`
	LastReadMessageID int64  `json:"lastReadMessageId"`
}

// Watermark returns the highest message id known as read by readerID.
func (s *Session) Watermark(readerID string) chatstore.ReadWatermark {
	s.Lock()
	defer s.Unlock()
	w := chatstore.ReadWatermark{ReaderID: readerID, LastReadMessageID: s.watermarks[readerID]}
	if s.room != nil {
		w.RoomID = s.room.ID
	}
	return w
}

func (s *Session) onReceiptFrame(gen int, body []byte) {
	var r readReceipt
	if err := json.Unmarshal(body, &r); err != nil || r.ReaderID == "" {
		glog.Errorf("chat: session %s: bad read receipt: %s, err: %v", s.mkey, string(body), err)
		receiptsCounter.WithLabelValues("bad").Inc()
		return
	}

	s.Lock()
	if !s.liveLocked(gen) {
		s.Unlock()
		return
	}
	ev := s.applyReceiptLocked(r.ReaderID, r.LastReadMessageID, "")
	s.Unlock()

	if ev != nil {
		s.emit(*ev)
	}
}

// applyReceiptLocked advances the watermark of readerID to last. Every held message
// in (previous watermark, last] that the reader did not author loses one unread
// count, never going below zero. A receipt at or below the watermark changes nothing.
// selfID, when not empty, is the local actor id, used to attribute messages whose
// sender id is unknown. must hold lock.
func (s *Session) applyReceiptLocked(readerID string, last int64, selfID string) *Event {
	prev := s.watermarks[readerID]
	if last <= prev {
		receiptsCounter.WithLabelValues("ignored").Inc()
		glog.V(5).Infof("chat: session %s: ignore receipt %s@%d, watermark %d", s.mkey, readerID, last, prev)
		return nil
	}
	s.watermarks[readerID] = last
	receiptsCounter.WithLabelValues("applied").Inc()

	var updated []*chatstore.Msg
	s.msgs.Range(prev, last, func(m *chatstore.Msg) {
		if !m.Countable() || m.UnreadByOthers <= 0 {
			return
		}
		if m.SenderID != "" {
			if m.SenderID == readerID {
				return
			}
		} else if selfID != "" && readerID == selfID && m.Mine {
			return
		}
		m.UnreadByOthers--
		updated = append(updated, copyMsg(m))
	})
	if len(updated) == 0 {
		return nil
	}
	return &Event{Type: EventMessagesUpdated, Room: s.room, Msgs: updated}
}

// MarkRead marks everything up to the newest message from others as read. The
// local decrement is applied at once and kept even if the backend call fails; the
// watermark rule reconciles on the next successful read.
func (s *Session) MarkRead(ctx context.Context) error {
	self, err := s.c.Resolver.ResolveSelf(ctx)
	if err != nil {
		return translate("mark read", err)
	}

	s.Lock()
	if s.state != StateJoined {
		s.Unlock()
		return newError(CodeNotJoined, "mark read", nil)
	}
	target := s.msgs.Last(func(m *chatstore.Msg) bool { return m.Countable() && !m.Mine })
	if target == nil {
		s.Unlock()
		return nil
	}
	roomID, targetID := s.room.ID, target.ID
	ev := s.applyReceiptLocked(self.ID, targetID, self.ID)
	s.Unlock()

	if ev != nil {
		s.emit(*ev)
	}

	if err := s.c.Backend.MarkRead(ctx, roomID, targetID); err != nil {
		glog.Errorf("chat: session %s: mark read %d error: %v", s.mkey, targetID, err)
		return translate("mark read", err)
	}
	return nil
}

// scheduleReadLocked (re)arms the debounced "mark latest as read". must hold lock.
func (s *Session) scheduleReadLocked(gen int) {
	if s.readTimer != nil {
		s.readTimer.Stop()
	}
	s.readTimer = time.AfterFunc(s.c.conf.ReadDebounce, func() { s.markLatestRead(gen) })
}

func (s *Session) markLatestRead(gen int) {
	s.Lock()
	if s.gen != gen || s.state != StateJoined {
		s.Unlock()
		return
	}
	roomID := s.room.ID
	roomCtx := s.ctx
	s.Unlock()

	ctx, cancel := context.WithTimeout(roomCtx, s.c.conf.CallTimeout)
	defer cancel()
	if err := s.c.Backend.MarkLatestRead(ctx, roomID); err != nil {
		glog.Errorf("chat: session %s: mark latest read error: %v", s.mkey, err)
		return
	}
	glog.V(5).Infof("chat: session %s: marked latest read", s.mkey)
}
