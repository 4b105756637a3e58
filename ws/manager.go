package ws

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Config of the connection manager. Zero values take defaults.
type Config struct {
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	// MaxReconnectAttempts bounds one reconnect episode, 0 means unlimited.
	MaxReconnectAttempts int

	// DisableReconnect turns reconnection off, the connected flag just stays false.
	DisableReconnect bool
}

func (c *Config) defaults() {
	if c.BackoffMin == 0 {
		c.BackoffMin = BackoffMinInterval
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = BackoffMaxInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = BackoffMultiplier
	}
}

// Handler is called for every frame of a subscribed topic. Frames are dispatched
// one at a time, in arrival order.
type Handler func(f *Frame)

// Subscription is a live topic subscription. It does not survive a link loss: once
// the connected flag falls, the owner subscribes again after it rises.
type Subscription struct {
	ID    string
	Topic string

	m       *Manager
	conn    Conn
	handler Handler
}

// Unsubscribe is idempotent and never affects other subscriptions on the same topic.
func (s *Subscription) Unsubscribe() error {
	return s.m.unsubscribe(s)
}

// Active reports whether the subscription is still served by the current link. It
// turns false for good once the link it was made on goes down.
func (s *Subscription) Active() bool {
	s.m.Lock()
	defer s.m.Unlock()
	_, ok := s.m.subs[s.ID]
	return ok && s.m.conn == s.conn
}

// Manager owns one logical publish/subscribe connection shared by every room
// session of the process.
//
// On unexpected link loss the manager flips the connected flag to false, forgets all
// subscriptions and reconnects per its backoff policy. It never re-subscribes on its
// own: consumers watch the flag and re-subscribe when it returns to true.
type Manager struct {
	sync.Mutex

	dialer IDialer
	conf   Config

	credential string
	conn       Conn
	connected  bool
	dialing    chan struct{} // closed when the in-flight dial finishes
	dialErr    error
	stopped    bool // Disconnect was called
	stopC      chan struct{}

	subs      map[string]*Subscription
	watchers  map[int]chan bool
	nextWatch int
}

func NewManager(dialer IDialer, conf Config) *Manager {
	conf.defaults()
	return &Manager{
		dialer:   dialer,
		conf:     conf,
		subs:     make(map[string]*Subscription),
		watchers: make(map[int]chan bool),
	}
}

// Connected reports the observable connected flag.
func (m *Manager) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}

// Watch returns a channel receiving the connected flag on every change. The channel
// holds only the latest value. Call cancel to stop watching.
func (m *Manager) Watch() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	m.Unlock()

	return ch, func() {
		m.Lock()
		delete(m.watchers, id)
		m.Unlock()
	}
}

// must hold lock.
func (m *Manager) notify(v bool) {
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Connect opens the link. It is a no-op when already connected, and joins an
// in-flight dial instead of starting a second one.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.Lock()
	if m.connected {
		m.Unlock()
		return nil
	}
	if ch := m.dialing; ch != nil {
		m.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.Lock()
		err := m.dialErr
		m.Unlock()
		return err
	}
	m.credential = credential
	m.stopped = false
	if m.stopC == nil {
		m.stopC = make(chan struct{})
	}
	m.dialing = make(chan struct{})
	m.Unlock()

	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.Lock()
	credential := m.credential
	m.Unlock()

	conn, err := m.dialer.Dial(ctx, credential)

	m.Lock()
	defer m.Unlock()

	ch := m.dialing
	m.dialing = nil
	m.dialErr = err
	if ch != nil {
		close(ch)
	}

	if err != nil {
		glog.Errorf("ws: dial error: %v", err)
		return err
	}
	if m.stopped {
		_ = conn.Close()
		return ErrLinkClosed
	}

	m.conn = conn
	m.connected = true
	connectedGauge.Set(1)
	m.notify(true)
	glog.Infof("ws: connected")

	go m.recvLoop(conn)
	return nil
}

// Disconnect closes the link on purpose. No reconnect follows.
func (m *Manager) Disconnect() error {
	m.Lock()
	m.stopped = true
	if m.stopC != nil {
		close(m.stopC)
		m.stopC = nil
	}
	conn := m.conn
	m.conn = nil
	wasConnected := m.connected
	m.connected = false
	m.subs = make(map[string]*Subscription)
	if wasConnected {
		connectedGauge.Set(0)
		m.notify(false)
	}
	m.Unlock()

	glog.Infof("ws: disconnect")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe registers handler on topic. It fails with ErrNotConnected when there is
// no live link; the caller retries once the connected flag rises.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	m.Lock()
	if !m.connected {
		m.Unlock()
		return nil, ErrNotConnected
	}
	sub := &Subscription{
		ID:      uuid.New(),
		Topic:   topic,
		m:       m,
		conn:    m.conn,
		handler: handler,
	}
	// registered before the link call, so no early frame is missed.
	m.subs[sub.ID] = sub
	conn := m.conn
	m.Unlock()

	if err := conn.Subscribe(sub.ID, topic); err != nil {
		m.Lock()
		delete(m.subs, sub.ID)
		m.Unlock()
		return nil, err
	}
	glog.V(5).Infof("ws: subscribed %s, id: %s", topic, sub.ID)
	return sub, nil
}

func (m *Manager) unsubscribe(s *Subscription) error {
	m.Lock()
	_, ok := m.subs[s.ID]
	delete(m.subs, s.ID)
	live := ok && m.connected && m.conn == s.conn
	m.Unlock()

	if !live {
		return nil
	}
	glog.V(5).Infof("ws: unsubscribe %s, id: %s", s.Topic, s.ID)
	return s.conn.Unsubscribe(s.ID, s.Topic)
}

// Publish sends payload to dest, failing with ErrNotConnected when there is no link.
func (m *Manager) Publish(ctx context.Context, dest string, payload []byte) error {
	m.Lock()
	conn := m.conn
	connected := m.connected
	m.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(ctx, dest, payload)
}

// WaitConnected blocks until the connected flag is true or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	ch, cancel := m.Watch()
	defer cancel()
	for {
		if m.Connected() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) recvLoop(conn Conn) {
	for f := range conn.Frames() {
		framesCounter.Inc()
		m.dispatch(conn, f)
	}
	m.linkDown(conn, conn.Err())
}

func (m *Manager) dispatch(conn Conn, f *Frame) {
	var handlers []Handler
	m.Lock()
	for _, s := range m.subs {
		if s.conn == conn && s.Topic == f.Topic && (f.Sub == "" || f.Sub == s.ID) {
			handlers = append(handlers, s.handler)
		}
	}
	m.Unlock()

	if len(handlers) == 0 {
		glog.V(5).Infof("ws: drop frame on %s, no subscriber", f.Topic)
		return
	}
	for _, h := range handlers {
		h(f)
	}
}

func (m *Manager) linkDown(conn Conn, cause error) {
	m.Lock()
	if m.conn != conn {
		// replaced or closed on purpose.
		m.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	m.subs = make(map[string]*Subscription)
	connectedGauge.Set(0)
	m.notify(false)
	stopC := m.stopC
	reconnect := !m.conf.DisableReconnect && !m.stopped
	m.Unlock()

	glog.Errorf("ws: link down: %v", cause)
	if reconnect {
		go m.reconnectLoop(stopC)
	}
}

func (m *Manager) reconnectLoop(stopC <-chan struct{}) {
	var sleep time.Duration
	for attempt := 1; m.conf.MaxReconnectAttempts == 0 || attempt <= m.conf.MaxReconnectAttempts; attempt++ {
		m.backoff(&sleep)
		glog.Infof("ws: reconnect attempt %d in %s", attempt, sleep)
		select {
		case <-time.After(sleep):
		case <-stopC:
			return
		}

		m.Lock()
		if m.stopped || m.connected || m.dialing != nil {
			m.Unlock()
			return
		}
		m.dialing = make(chan struct{})
		m.Unlock()

		reconnectsCounter.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), m.conf.BackoffMax)
		err := m.dial(ctx)
		cancel()
		if err == nil || err == ErrLinkClosed {
			return
		}
	}
	glog.Errorf("ws: give up reconnecting after %d attempts", m.conf.MaxReconnectAttempts)
}

func (m *Manager) backoff(d *time.Duration) {
	if *d == 0 {
		*d = m.conf.BackoffMin
	} else {
		*d = time.Duration(float64(*d) * m.conf.BackoffMultiplier)
		if *d < m.conf.BackoffMax {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = m.conf.BackoffMax
		}
	}
}
