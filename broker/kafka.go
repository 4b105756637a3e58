package broker

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/ws"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second
)

// KafkaDialer links to Kafka. Every subscription gets a reader in a consumer group
// private to the link, starting at the newest offset; publications go through one
// shared writer, the destination being the message topic.
//
// Kafka carries no per-user credential here, the one given to Dial is not used.
type KafkaDialer struct {
	Brokers []string

	// GroupPrefix names the private consumer groups, default "minichat".
	GroupPrefix string

	NewReader func(groupID, topic string) IKafkaReader
	NewWriter func() IKafkaWriter
}

func (d *KafkaDialer) newReader(groupID, topic string) IKafkaReader {
	if d.NewReader != nil {
		return d.NewReader(groupID, topic)
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     d.Brokers,
		GroupID:     groupID,
		Topic:       topic,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

func (d *KafkaDialer) newWriter() IKafkaWriter {
	if d.NewWriter != nil {
		return d.NewWriter()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(d.Brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: kafkaWriteTimeout,
	}
}

func (d *KafkaDialer) Dial(ctx context.Context, credential string) (ws.Conn, error) {
	prefix := d.GroupPrefix
	if prefix == "" {
		prefix = "minichat"
	}
	lctx, cancel := context.WithCancel(context.Background())
	return &kafkaLink{
		frameSink: newFrameSink(),
		dialer:    d,
		group:     prefix + "-" + uuid.New(),
		ctx:       lctx,
		cancel:    cancel,
		writer:    d.newWriter(),
		readers:   make(map[string]*topicReader),
	}, nil
}

type topicReader struct {
	topic  string
	reader IKafkaReader
	cancel context.CancelFunc
}

type kafkaLink struct {
	*frameSink

	dialer *KafkaDialer
	group  string
	ctx    context.Context
	cancel context.CancelFunc
	writer IKafkaWriter
	wg     sync.WaitGroup

	sync.Mutex
	readers map[string]*topicReader
}

func (l *kafkaLink) Subscribe(id, topic string) error {
	if l.done() {
		return ws.ErrNotConnected
	}
	ctx, cancel := context.WithCancel(l.ctx)
	tr := &topicReader{
		topic:  topic,
		reader: l.dialer.newReader(l.group+"-"+id, topic),
		cancel: cancel,
	}

	l.Lock()
	l.readers[id] = tr
	l.Unlock()

	l.wg.Add(1)
	go l.consumeLoop(ctx, id, tr)
	return nil
}

func (l *kafkaLink) Unsubscribe(id, topic string) error {
	l.Lock()
	tr, ok := l.readers[id]
	delete(l.readers, id)
	l.Unlock()
	if ok {
		tr.cancel()
	}
	return nil
}

func (l *kafkaLink) Publish(ctx context.Context, dest string, payload []byte) error {
	if l.done() {
		return ws.ErrNotConnected
	}
	return l.writer.WriteMessages(ctx, kafka.Message{
		Topic: dest,
		Value: payload,
	})
}

func (l *kafkaLink) Close() error {
	l.cancel()
	l.shutdown(ws.ErrLinkClosed)
	l.wg.Wait()
	return l.writer.Close()
}

// consumeLoop fetches from one topic until the subscription or the link is gone.
// Fetch errors back off and retry; the reader is closed on exit.
func (l *kafkaLink) consumeLoop(ctx context.Context, id string, tr *topicReader) {
	glog.V(5).Infof("broker: consume loop enter, topic: %s", tr.topic)
	defer func() {
		// slow: may take seconds to leave the group.
		_ = tr.reader.Close()
		glog.V(5).Infof("broker: consume loop exited, topic: %s", tr.topic)
		l.wg.Done()
	}()

	var sleep time.Duration
	for {
		msg, err := tr.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("broker: fetch from kafka err: %v", err)
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		if !l.push(&ws.Frame{Topic: tr.topic, Sub: id, Body: msg.Value}) {
			return
		}
		if err := tr.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			// an uncommitted message is fetched again by a reader of the same group only.
			glog.Errorf("broker: commit to kafka err: %v", err)
		}
	}
}
