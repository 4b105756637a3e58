package chat

import (
	"context"

	"github.com/golang/glog"

	"github.com/mqy/minichat/api"
)

// Muted reports the local muted flag of the joined room.
func (s *Session) Muted() bool {
	s.Lock()
	defer s.Unlock()
	return s.muted
}

// ToggleMute flips the muted flag. The new value is persisted and reported at once;
// the backend is told in the background. A failed backend call is reported as an
// EventError but the local value stays.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, newError(CodeCanceled, "mute", err)
	}
	s.Lock()
	if s.state != StateJoined {
		s.Unlock()
		return false, newError(CodeNotJoined, "mute", nil)
	}
	s.muted = !s.muted
	s.muteInFlight++
	muted := s.muted
	roomID := s.room.ID
	roomCtx := s.ctx
	ev := Event{Type: EventMuteChanged, Room: s.room, Muted: muted}
	s.Unlock()

	if err := s.c.Markers.SetMuted(roomID, muted); err != nil {
		glog.Errorf("chat: session %s: persist muted error: %v", s.mkey, err)
	}
	s.emit(ev)

	go func() {
		defer func() {
			s.Lock()
			s.muteInFlight--
			s.Unlock()
		}()

		ctx, cancel := context.WithTimeout(roomCtx, s.c.conf.CallTimeout)
		defer cancel()
		if err := s.c.Backend.SetMuted(ctx, roomID, muted); err != nil {
			glog.Errorf("chat: session %s: set muted %v error: %v", s.mkey, muted, err)
			s.emit(Event{Type: EventError, Room: ev.Room, Err: translate("mute", err)})
			return
		}
		glog.V(5).Infof("chat: session %s: muted %v synced", s.mkey, muted)
	}()
	return muted, nil
}

// reconcileMute adopts the server side muted flag of the local actor, unless a
// toggle is still on its way.
func (s *Session) reconcileMute(ctx context.Context, gen int, roomID int64) {
	cctx, cancel := context.WithTimeout(ctx, s.c.conf.CallTimeout)
	defer cancel()
	ps, err := s.c.Backend.ListParticipants(cctx, roomID)
	if err != nil {
		if ctx.Err() == nil {
			glog.Errorf("chat: session %s: list participants error: %v", s.mkey, err)
		}
		return
	}

	var self *api.Participant
	for _, p := range ps {
		if p != nil && p.IsSelf {
			self = p
			break
		}
	}
	if self == nil || self.Muted == nil {
		return
	}

	s.Lock()
	if s.gen != gen || s.state != StateJoined || s.muteInFlight > 0 || s.muted == *self.Muted {
		s.Unlock()
		return
	}
	s.muted = *self.Muted
	ev := Event{Type: EventMuteChanged, Room: s.room, Muted: s.muted}
	s.Unlock()

	if err := s.c.Markers.SetMuted(roomID, ev.Muted); err != nil {
		glog.Errorf("chat: session %s: persist muted error: %v", s.mkey, err)
	}
	glog.V(5).Infof("chat: session %s: muted %v from server", s.mkey, ev.Muted)
	s.emit(ev)
}

// Participants lists the members of the joined room.
func (s *Session) Participants(ctx context.Context) ([]*api.Participant, error) {
	s.Lock()
	if s.state != StateJoined {
		s.Unlock()
		return nil, newError(CodeNotJoined, "participants", nil)
	}
	roomID := s.room.ID
	s.Unlock()

	ps, err := s.c.Backend.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, translate("participants", err)
	}
	return ps, nil
}
