// Package api is the HTTP client of the chat backend.
package api

import (
	"context"

	"github.com/mqy/minichat/chatstore"
)

// JoinResult of a join-or-create call. AlreadyJoined tells the actor was already a
// member; both outcomes are success.
type JoinResult struct {
	RoomID        int64 `json:"roomId"`
	AlreadyJoined bool  `json:"alreadyJoined"`
}

type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsSelf      bool   `json:"isSelf"`
	Muted       *bool  `json:"muted,omitempty"`
}

type HistoryPage struct {
	Items   []*chatstore.Msg `json:"items"`
	HasNext bool             `json:"hasNext"`
}

// IBackend is the set of backend operations the chat engine consumes.
type IBackend interface {
	JoinOrCreateRoom(ctx context.Context, kind chatstore.RoomKind, logicalKey string) (*JoinResult, error)
	// LeaveRoom treats "not a member" (404) as success.
	LeaveRoom(ctx context.Context, roomID int64) error
	ListParticipants(ctx context.Context, roomID int64) ([]*Participant, error)
	// FetchHistory returns a page of messages older than beforeID, newest first. A
	// zero beforeID fetches the most recent page.
	FetchHistory(ctx context.Context, roomID, beforeID int64, pageSize int, includeSystem bool) (*HistoryPage, error)
	MarkRead(ctx context.Context, roomID, lastReadMessageID int64) error
	MarkLatestRead(ctx context.Context, roomID int64) error
	SetMuted(ctx context.Context, roomID int64, muted bool) error
}
