package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/ws"
)

// The demo mocks the chat backend fan-out: it publishes message events and read
// receipts of one room to kafka, for clients started with a kafka:// broker url.

var (
	kafkaEndpoints = flag.String("kafka-endpoints", "127.0.0.1:9092", "kafka endpoints, ',' delimitted.")
	roomID         = flag.Int64("room-id", 1, "room id")
	senders        = flag.String("senders", "u2:bob,u3:carol", "comma separated senderId:senderName")
	firstID        = flag.Int64("first-id", time.Now().Unix(), "id of the first message, ids increase by one")
	tickerDuration = flag.Duration("ticker-duration", 3*time.Second, "ticker duration")
)

type receipt struct {
	ReaderID          string `json:"readerId"`
	LastReadMessageID int64  `json:"lastReadMessageId"`
}

func main() {
	flag.Parse()

	if len(*kafkaEndpoints) == 0 {
		panic("--kafka-endpoints is required.")
	}

	type sender struct{ id, name string }
	var users []sender
	for _, s := range strings.Split(*senders, ",") {
		id, name, _ := strings.Cut(s, ":")
		if id == "" {
			continue
		}
		users = append(users, sender{id: id, name: name})
	}
	if len(users) == 0 {
		panic("--senders is required.")
	}

	// kafka-topics.sh --bootstrap-server localhost:9092 --topic room-messages.1 --create
	// kafka-topics.sh --bootstrap-server localhost:9092 --topic room-read-receipts.1 --create
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(*kafkaEndpoints, ",")...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
	}
	defer w.Close()

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	key := []byte(fmt.Sprintf("%d", *roomID))
	id := *firstID
	for range ticker.C {
		from := users[rand.Intn(len(users))]
		value, err := json.Marshal(&chatstore.Msg{
			ID:             id,
			RoomID:         *roomID,
			SenderID:       from.id,
			SenderName:     from.name,
			Body:           fmt.Sprintf("hello #%d", id),
			Type:           chatstore.MsgType_Text,
			CreateTime:     time.Now(),
			UnreadByOthers: len(users),
		})
		if err != nil {
			panic(err)
		}
		msgs := []kafka.Message{{Topic: ws.MessagesTopic(*roomID), Key: key, Value: value}}

		// someone else catches up on every other message.
		if id%2 == 0 {
			reader := users[rand.Intn(len(users))]
			value, err := json.Marshal(&receipt{ReaderID: reader.id, LastReadMessageID: id})
			if err != nil {
				panic(err)
			}
			msgs = append(msgs, kafka.Message{Topic: ws.ReadReceiptsTopic(*roomID), Key: key, Value: value})
		}

		if err := w.WriteMessages(context.Background(), msgs...); err != nil {
			panic(err)
		}
		id++
	}
}
