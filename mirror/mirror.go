// Package mirror optionally copies every stored message to a kafka
// topic for external archival and consumers. The mirror is strictly
// fire-and-forget: a broken broker must never slow down or fail the
// chat path.
package mirror

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/store"
)

const (
	DefaultTopic = "minichat-messages"

	writeTimeout = 3 * time.Second
	queueDepth   = 256
)

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Mirror publishes messages from a bounded queue on its own goroutine.
type Mirror struct {
	writer IKafkaWriter
	queue  chan *store.Message

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New starts a mirror over brokers. Call Stop to flush and close.
func New(brokers []string, topic string) *Mirror {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	return NewWithWriter(w)
}

// NewWithWriter wires an existing writer, used by tests.
func NewWithWriter(w IKafkaWriter) *Mirror {
	m := &Mirror{
		writer: w,
		queue:  make(chan *store.Message, queueDepth),
		stop:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// Publish enqueues msg without blocking. When the queue is full the
// message is dropped from the mirror only; the chat log already has it.
func (m *Mirror) Publish(msg *store.Message) {
	select {
	case m.queue <- msg:
	default:
		glog.Errorf("mirror: queue full, dropping message id=%d", msg.Id)
		metrics.MirrorErrors.Inc()
	}
}

// Stop drains the queue and closes the writer.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		if err := m.writer.Close(); err != nil {
			glog.Errorf("mirror: close writer: %v", err)
		}
	})
}

func (m *Mirror) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case msg := <-m.queue:
			m.write(msg)
		case <-m.stop:
			// drain what is already queued, then exit.
			for {
				select {
				case msg := <-m.queue:
					m.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) write(msg *store.Message) {
	value, err := json.Marshal(msg)
	if err != nil {
		glog.Errorf("mirror: marshal message id=%d: %v", msg.Id, err)
		metrics.MirrorErrors.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	km := kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.Id, 10)),
		Value: value,
	}
	if err := m.writer.WriteMessages(ctx, km); err != nil {
		glog.Errorf("mirror: write message id=%d: %v", msg.Id, err)
		metrics.MirrorErrors.Inc()
	}
}
