package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"

	"github.com/mqy/minichat/ws"
)

const natsFlushTimeout = 3 * time.Second

// NatsDialer links to a NATS server. Topics map to subjects one to one. The library's
// own reconnect is off: a lost connection ends the link and `ws.Manager` dials again.
type NatsDialer struct {
	URL     string
	Name    string
	Options []nats.Option
}

func (d *NatsDialer) Dial(ctx context.Context, credential string) (ws.Conn, error) {
	l := &natsLink{
		frameSink: newFrameSink(),
		subs:      make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(d.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			glog.Errorf("broker: nats disconnected: %v", err)
			if err == nil {
				err = ws.ErrLinkClosed
			}
			l.shutdown(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			l.shutdown(ws.ErrLinkClosed)
		}),
	}
	if credential != "" {
		opts = append(opts, nats.Token(credential))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, d.Options...)

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, err
	}
	l.nc = nc
	glog.V(5).Infof("broker: nats connected to %s", nc.ConnectedUrl())
	return l, nil
}

type natsLink struct {
	*frameSink

	nc *nats.Conn

	sync.Mutex
	subs map[string]*nats.Subscription
}

func (l *natsLink) Subscribe(id, topic string) error {
	sub, err := l.nc.Subscribe(topic, func(m *nats.Msg) {
		l.push(&ws.Frame{Topic: m.Subject, Sub: id, Body: m.Data})
	})
	if err != nil {
		return err
	}
	l.Lock()
	l.subs[id] = sub
	l.Unlock()
	return nil
}

func (l *natsLink) Unsubscribe(id, topic string) error {
	l.Lock()
	sub, ok := l.subs[id]
	delete(l.subs, id)
	l.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (l *natsLink) Publish(ctx context.Context, dest string, payload []byte) error {
	if l.done() {
		return ws.ErrNotConnected
	}
	if err := l.nc.Publish(dest, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ws.ErrNotConnected
		}
		return err
	}
	return l.nc.FlushTimeout(natsFlushTimeout)
}

func (l *natsLink) Close() error {
	l.nc.Close()
	l.shutdown(ws.ErrLinkClosed)
	return nil
}
