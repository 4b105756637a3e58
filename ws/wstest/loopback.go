package wstest

import (
	"context"
	"errors"
	"sync"

	"github.com/mqy/minichat/ws"
)

var ErrDropped = errors.New("wstest: link dropped")

// Published is a payload handed to the loopback link.
type Published struct {
	Dest    string
	Payload []byte
}

// Loopback is an in-memory `ws.IDialer`. Each Dial creates a fresh link, Drop kills
// the current one as a network failure would.
type Loopback struct {
	sync.Mutex

	dialErr   error
	onPublish func(dest string, payload []byte)

	dials     int
	conn      *loopConn
	published []*Published
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// SetDialErr makes every following Dial fail with err, nil restores.
func (l *Loopback) SetDialErr(err error) {
	l.Lock()
	l.dialErr = err
	l.Unlock()
}

// OnPublish installs a hook called after every publish, outside any lock.
func (l *Loopback) OnPublish(fn func(dest string, payload []byte)) {
	l.Lock()
	l.onPublish = fn
	l.Unlock()
}

func (l *Loopback) Dial(ctx context.Context, credential string) (ws.Conn, error) {
	l.Lock()
	defer l.Unlock()
	l.dials++
	if l.dialErr != nil {
		return nil, l.dialErr
	}
	l.conn = &loopConn{
		lb:     l,
		frames: make(chan *ws.Frame, 1024),
		subs:   make(map[string]string),
	}
	return l.conn, nil
}

// Dials counts Dial calls.
func (l *Loopback) Dials() int {
	l.Lock()
	defer l.Unlock()
	return l.dials
}

func (l *Loopback) current() *loopConn {
	l.Lock()
	defer l.Unlock()
	return l.conn
}

// Inject delivers body on topic through the current link. It reports whether any
// subscription received it.
func (l *Loopback) Inject(topic string, body []byte) bool {
	c := l.current()
	if c == nil {
		return false
	}
	return c.inject(topic, body)
}

// Drop kills the current link.
func (l *Loopback) Drop() {
	if c := l.current(); c != nil {
		c.shutdown(ErrDropped)
	}
}

// Subscribed reports whether the current link holds a subscription on topic.
func (l *Loopback) Subscribed(topic string) bool {
	c := l.current()
	if c == nil {
		return false
	}
	return c.subscribed(topic)
}

// Published returns a copy of every payload published so far.
func (l *Loopback) Published() []*Published {
	l.Lock()
	defer l.Unlock()
	return append([]*Published(nil), l.published...)
}

type loopConn struct {
	sync.Mutex

	lb     *Loopback
	frames chan *ws.Frame
	subs   map[string]string
	closed bool
	err    error
}

func (c *loopConn) inject(topic string, body []byte) bool {
	c.Lock()
	defer c.Unlock()
	if c.closed || !c.hasTopic(topic) {
		return false
	}
	c.frames <- &ws.Frame{Topic: topic, Body: append([]byte(nil), body...)}
	return true
}

// must hold lock.
func (c *loopConn) hasTopic(topic string) bool {
	for _, t := range c.subs {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *loopConn) subscribed(topic string) bool {
	c.Lock()
	defer c.Unlock()
	return !c.closed && c.hasTopic(topic)
}

func (c *loopConn) shutdown(err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.frames)
}

func (c *loopConn) Subscribe(id, topic string) error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return ws.ErrNotConnected
	}
	c.subs[id] = topic
	return nil
}

func (c *loopConn) Unsubscribe(id, topic string) error {
	c.Lock()
	defer c.Unlock()
	delete(c.subs, id)
	return nil
}

func (c *loopConn) Publish(ctx context.Context, dest string, payload []byte) error {
	c.Lock()
	closed := c.closed
	c.Unlock()
	if closed {
		return ws.ErrNotConnected
	}

	c.lb.Lock()
	c.lb.published = append(c.lb.published, &Published{Dest: dest, Payload: append([]byte(nil), payload...)})
	hook := c.lb.onPublish
	c.lb.Unlock()

	if hook != nil {
		hook(dest, payload)
	}
	return nil
}

func (c *loopConn) Frames() <-chan *ws.Frame { return c.frames }

func (c *loopConn) Err() error {
	c.Lock()
	defer c.Unlock()
	return c.err
}

func (c *loopConn) Close() error {
	c.shutdown(ws.ErrLinkClosed)
	return nil
}
