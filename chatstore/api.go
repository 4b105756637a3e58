package chatstore

import (
	"fmt"
	"time"
)

type RoomKind string

const (
	RoomKind_Group RoomKind = "group" // cafe group chat, keyed by cafe id
	RoomKind_DM    RoomKind = "dm"    // one-on-one, keyed by counterpart user id
)

type MsgType string

const (
	MsgType_Text       MsgType = "TEXT"
	MsgType_System     MsgType = "SYSTEM"
	MsgType_DateMarker MsgType = "DATE_MARKER"
)

// Room is immutable once a join succeeds.
type Room struct {
	ID         int64
	Kind       RoomKind
	LogicalKey string
}

func (r *Room) String() string {
	return fmt.Sprintf("%s:%s->%d", r.Kind, r.LogicalKey, r.ID)
}

// Msg is a chat message. ID is assigned by server and totally orders messages of a room.
type Msg struct {
	ID             int64     `json:"id"`
	RoomID         int64     `json:"roomId"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderName     string    `json:"senderName,omitempty"`
	Body           string    `json:"body"`
	Type           MsgType   `json:"type"`
	CreateTime     time.Time `json:"createdAt"`
	UnreadByOthers int       `json:"unreadCount"`

	// Mine is derived locally, never taken from the wire.
	Mine bool `json:"-"`
}

// Countable reports whether the message takes part in unread accounting and
// mine/not-mine attribution. SYSTEM and DATE_MARKER messages only take part in ordering.
func (m *Msg) Countable() bool {
	return m.Type == "" || m.Type == MsgType_Text
}

func (m *Msg) clone() *Msg {
	c := *m
	return &c
}

// ReadWatermark is the highest message id known to be read by a reader.
type ReadWatermark struct {
	RoomID            int64
	ReaderID          string
	LastReadMessageID int64
}
