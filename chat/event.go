package chat

import (
	"github.com/mqy/minichat/chatstore"
)

type EventType int

const (
	EventStateChanged EventType = iota + 1
	EventMessagesAdded
	EventMessagesUpdated // unread counters changed
	EventMuteChanged
	EventError
)

// Event is reported to `Deps.OnEvent`, always outside any session lock. Msgs are
// copies owned by the receiver.
type Event struct {
	Type  EventType
	Key   string // kind:logicalKey
	Room  *chatstore.Room
	State State
	Msgs  []*chatstore.Msg
	Muted bool
	Err   error
}
