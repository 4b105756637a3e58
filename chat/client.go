// Package chat is the real-time chat session engine: room sessions with join, live
// stream, history merge, unread reconciliation, mute and leave.
package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

// Transport is the shared publish/subscribe link, see `ws.Manager`.
type Transport interface {
	Subscribe(topic string, handler ws.Handler) (*ws.Subscription, error)
	Publish(ctx context.Context, dest string, payload []byte) error
	Connected() bool
	Watch() (<-chan bool, func())
	WaitConnected(ctx context.Context) error
}

// Deps are the process-wide collaborators shared by all sessions.
type Deps struct {
	Backend   api.IBackend
	Transport Transport
	Resolver  *auth.Resolver
	Mapping   *store.MappingCache
	Markers   *store.Markers

	// OnEvent, optional, receives session events.
	OnEvent func(Event)
}

// Client hosts the room sessions of the process, at most one per logical key.
type Client struct {
	sync.Mutex

	conf Config
	Deps

	ctx    context.Context
	cancel context.CancelFunc

	joins    singleflight.Group
	sessions map[string]*Session
}

func NewClient(conf Config, deps Deps) *Client {
	conf.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conf:     conf,
		Deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	if n, err := c.Mapping.PurgeInvalid(); err != nil {
		glog.Errorf("chat: purge invalid mappings error: %v", err)
	} else if n > 0 {
		glog.Infof("chat: purged %d invalid mappings", n)
	}
	return c
}

func mappingKey(kind chatstore.RoomKind, logicalKey string) string {
	return string(kind) + ":" + logicalKey
}

func validTarget(kind chatstore.RoomKind, logicalKey string) bool {
	if kind != chatstore.RoomKind_Group && kind != chatstore.RoomKind_DM {
		return false
	}
	return strings.TrimSpace(logicalKey) != "" && !strings.ContainsAny(logicalKey, "/:")
}

// Session returns the session of a conversation, creating it Idle on first use. A
// session that has left is replaced by a fresh one.
func (c *Client) Session(kind chatstore.RoomKind, logicalKey string) (*Session, error) {
	if !validTarget(kind, logicalKey) {
		return nil, newError(CodeInvalidTarget, "session", nil)
	}
	key := mappingKey(kind, logicalKey)

	c.Lock()
	defer c.Unlock()
	s := c.sessions[key]
	if s == nil || s.State() == StateLeft {
		s = newSession(c, kind, logicalKey)
		c.sessions[key] = s
	}
	return s, nil
}

// Enter returns the joined session of a conversation.
func (c *Client) Enter(ctx context.Context, kind chatstore.RoomKind, logicalKey string) (*Session, error) {
	s, err := c.Session(kind, logicalKey)
	if err != nil {
		return nil, err
	}
	return s, s.Join(ctx)
}

// Sessions returns a snapshot of the live sessions.
func (c *Client) Sessions() []*Session {
	c.Lock()
	defer c.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Close stops every session locally. It does not leave any room.
func (c *Client) Close() {
	c.cancel()
	for _, s := range c.Sessions() {
		s.close()
	}
}

func (c *Client) emit(e Event) {
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}
