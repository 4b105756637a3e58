package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 64 * 1024
)

// Envelope commands.
const (
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
)

// Envelope is the text frame exchanged with the websocket broker.
type Envelope struct {
	Cmd   string          `json:"cmd"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// WebsocketDialer dials the broker websocket endpoint, sending the credential as a
// bearer token.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", d.URL, err)
	}

	l := &wsLink{
		conn:   conn,
		sendC:  make(chan *sendReq),
		frames: make(chan *Frame, 64),
		stopC:  make(chan struct{}),
	}
	go l.recvLoop()
	go l.sendLoop()
	return l, nil
}

type sendReq struct {
	env  *Envelope
	errC chan error
}

type wsLink struct {
	conn   *websocket.Conn
	sendC  chan *sendReq
	frames chan *Frame

	stopC chan struct{}
	once  sync.Once

	errMu sync.Mutex
	err   error
}

func (l *wsLink) Frames() <-chan *Frame { return l.frames }

func (l *wsLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *wsLink) setErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

func (l *wsLink) Close() error {
	l.once.Do(func() {
		l.setErr(ErrLinkClosed)
		close(l.stopC)
		_ = l.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
		_ = l.conn.Close()
	})
	return nil
}

func (l *wsLink) Subscribe(id, topic string) error {
	return l.send(context.Background(), &Envelope{Cmd: CmdSubscribe, ID: id, Topic: topic})
}

func (l *wsLink) Unsubscribe(id, topic string) error {
	return l.send(context.Background(), &Envelope{Cmd: CmdUnsubscribe, ID: id, Topic: topic})
}

func (l *wsLink) Publish(ctx context.Context, dest string, payload []byte) error {
	return l.send(ctx, &Envelope{Cmd: CmdSend, Topic: dest, Body: payload})
}

func (l *wsLink) send(ctx context.Context, env *Envelope) error {
	req := &sendReq{env: env, errC: make(chan error, 1)}
	select {
	case l.sendC <- req:
	case <-l.stopC:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	// handed to sendLoop, the frame may be on the wire already.
	select {
	case err := <-req.errC:
		return err
	case <-l.stopC:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *wsLink) recvLoop() {
	defer func() {
		close(l.frames)
		glog.V(5).Infof("ws: recvLoop() exited")
	}()

	l.conn.SetReadLimit(readLimit)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stopC:
			default:
				glog.Errorf("ws: recvLoop(): read error: %v", err)
			}
			l.setErr(err)
			l.Close()
			return
		}
		if msgType != websocket.TextMessage {
			glog.Errorf("ws: recvLoop(): unexpected message type: %d", msgType)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			glog.Errorf("ws: recvLoop(): bad frame: %s, err: %v", string(msg), err)
			continue
		}

		switch env.Cmd {
		case CmdMessage:
			select {
			case l.frames <- &Frame{Topic: env.Topic, Sub: env.ID, Body: env.Body}:
			case <-l.stopC:
				l.setErr(ErrLinkClosed)
				return
			}
		case CmdError:
			glog.Errorf("ws: broker error, topic: %s, body: %s", env.Topic, string(env.Body))
		default:
			glog.V(5).Infof("ws: recvLoop(): ignore cmd %s", env.Cmd)
		}
	}
}

func (l *wsLink) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("ws: sendLoop() exited")
	}()

	for {
		select {
		case <-l.stopC:
			return
		case req := <-l.sendC:
			data, err := json.Marshal(req.env)
			if err != nil {
				req.errC <- err
				continue
			}
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = l.conn.WriteMessage(websocket.TextMessage, data)
			req.errC <- err
			if err != nil {
				glog.Errorf("ws: sendLoop(): write error: %v", err)
				l.setErr(err)
				l.Close()
				return
			}
		case <-pingTicker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("ws: sendLoop(): write ping error: %v", err)
				l.setErr(err)
				l.Close()
				return
			}
		}
	}
}
