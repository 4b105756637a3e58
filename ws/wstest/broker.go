// Package wstest provides in-process brokers for tests: a websocket broker served by
// httptest, and an in-memory loopback link.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/ws"
)

const writeWait = 3 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Sent is a SEND frame received by the broker.
type Sent struct {
	Dest string
	Body []byte
}

// Broker is a websocket pub/sub broker speaking the `ws.Envelope` protocol.
type Broker struct {
	sync.RWMutex

	// Token, when not empty, is the bearer credential required to connect.
	Token string

	// Transform, when set, maps a SEND to a topic publication, the way the backend
	// turns an inbox post into a room message.
	Transform func(dest string, body []byte) (topic string, out []byte, ok bool)

	srv      *httptest.Server
	sessions map[string]*session
	sends    []*Sent
}

func NewBroker() *Broker {
	b := &Broker{sessions: make(map[string]*session)}
	b.srv = httptest.NewServer(b)
	return b
}

// URL returns the ws:// endpoint.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *Broker) Close() {
	b.KickAll()
	b.srv.Close()
}

// Publish delivers body to every subscription on topic, returns the number of
// deliveries.
func (b *Broker) Publish(topic string, body []byte) int {
	b.RLock()
	defer b.RUnlock()
	var n int
	for _, s := range b.sessions {
		n += s.deliver(topic, body)
	}
	return n
}

// Subscribers counts live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.RLock()
	defer b.RUnlock()
	var n int
	for _, s := range b.sessions {
		n += s.count(topic)
	}
	return n
}

// Sends returns a copy of every SEND received so far.
func (b *Broker) Sends() []*Sent {
	b.RLock()
	defer b.RUnlock()
	return append([]*Sent(nil), b.sends...)
}

// Sessions counts open connections.
func (b *Broker) Sessions() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.sessions)
}

// KickAll drops every connection, as a broker restart would.
func (b *Broker) KickAll() {
	b.RLock()
	var all []*session
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.RUnlock()
	for _, s := range all {
		s.close()
	}
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.Token != "" && r.Header.Get("Authorization") != "Bearer "+b.Token {
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("wstest: upgrade error: %v", err)
		return
	}

	s := &session{
		id:     uuid.New(),
		broker: b,
		conn:   conn,
		dataC:  make(chan *ws.Envelope, 64),
		subs:   make(map[string]string),
	}

	b.Lock()
	b.sessions[s.id] = s
	b.Unlock()

	go s.recvLoop()
	go s.sendLoop()
}

func (b *Broker) del(id string) {
	b.Lock()
	delete(b.sessions, id)
	b.Unlock()
}

func (b *Broker) received(dest string, body []byte) {
	b.Lock()
	b.sends = append(b.sends, &Sent{Dest: dest, Body: append([]byte(nil), body...)})
	transform := b.Transform
	b.Unlock()

	if transform != nil {
		if topic, out, ok := transform(dest, body); ok {
			b.Publish(topic, out)
		}
	}
}

type session struct {
	sync.Mutex

	id     string
	broker *Broker
	conn   *websocket.Conn
	dataC  chan *ws.Envelope
	subs   map[string]string // subscription id -> topic

	closing bool
}

func (s *session) append(env *ws.Envelope) {
	s.Lock()
	defer s.Unlock()
	if !s.closing {
		s.dataC <- env
	}
}

func (s *session) deliver(topic string, body []byte) int {
	s.Lock()
	defer s.Unlock()
	if s.closing {
		return 0
	}
	var n int
	for id, t := range s.subs {
		if t == topic {
			s.dataC <- &ws.Envelope{Cmd: ws.CmdMessage, ID: id, Topic: topic, Body: body}
			n++
		}
	}
	return n
}

func (s *session) count(topic string) int {
	s.Lock()
	defer s.Unlock()
	var n int
	for _, t := range s.subs {
		if t == topic {
			n++
		}
	}
	return n
}

func (s *session) close() {
	s.Lock()
	if s.closing {
		s.Unlock()
		return
	}
	s.closing = true

	_ = s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
	s.conn.Close()
	close(s.dataC)
	s.Unlock()

	s.broker.del(s.id)
}

func (s *session) recvLoop() {
	defer s.close()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.append(&ws.Envelope{Cmd: ws.CmdError, Body: json.RawMessage(`"bad frame"`)})
			continue
		}

		switch env.Cmd {
		case ws.CmdSubscribe:
			s.Lock()
			s.subs[env.ID] = env.Topic
			s.Unlock()
		case ws.CmdUnsubscribe:
			s.Lock()
			delete(s.subs, env.ID)
			s.Unlock()
		case ws.CmdSend:
			s.broker.received(env.Topic, env.Body)
		default:
			s.append(&ws.Envelope{Cmd: ws.CmdError, Topic: env.Topic, Body: json.RawMessage(`"unsupported command"`)})
		}
	}
}

func (s *session) sendLoop() {
	for env := range s.dataC {
		data, _ := json.Marshal(env)
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			glog.Errorf("wstest: write error: %v", err)
			go s.close()
			return
		}
	}
}
