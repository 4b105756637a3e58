package ws

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means nothing was handed to the broker.
	ErrNotConnected = errors.New("ws: not connected")
	ErrLinkClosed   = errors.New("ws: link closed")
)

// IsNotSent reports whether a Publish failed before the payload left the client,
// so publishing it again cannot duplicate it.
func IsNotSent(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// Per-room topics and destination on the broker.
func MessagesTopic(roomID int64) string     { return fmt.Sprintf("room-messages.%d", roomID) }
func ReadReceiptsTopic(roomID int64) string { return fmt.Sprintf("room-read-receipts.%d", roomID) }
func InboxDest(roomID int64) string         { return fmt.Sprintf("room-inbox.%d", roomID) }

// Frame is an inbound payload delivered on a subscribed topic.
type Frame struct {
	Topic string
	Sub   string // subscription id, empty if the link does not echo it
	Body  []byte
}

// Conn is one live publish/subscribe link to the broker. Implementations: the
// websocket link in this package, NATS and Kafka links in package `broker`.
type Conn interface {
	Subscribe(id, topic string) error
	Unsubscribe(id, topic string) error

	// Publish returns once the payload has been handed to the broker. It fails
	// with ErrNotConnected only when the payload was not handed over.
	Publish(ctx context.Context, dest string, payload []byte) error

	// Frames is closed when the link goes down, Err tells why.
	Frames() <-chan *Frame
	Err() error

	Close() error
}

// IDialer opens a `Conn` authenticated with the given credential.
type IDialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}
