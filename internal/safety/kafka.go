package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	"cryptoguard/logger"
)

// MessageWriter is the subset of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards signals to a Kafka topic so an external executor
// can act on them. Signals are queued and written by one goroutine; a full
// queue drops the signal with an error log.
type KafkaPublisher struct {
	writer MessageWriter
	queue  chan Signal
	log    *logger.Log

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	p := NewKafkaPublisherWithWriter(w)
	p.log.WithComponent("kafka_dispatcher").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan Signal, 64),
		log:    logger.GetLogger(),
	}
}

// Handle is a Bus listener.
func (p *KafkaPublisher) Handle(sig Signal) {
	select {
	case p.queue <- sig:
	default:
		p.log.WithComponent("kafka_dispatcher").WithFields(logger.Fields{
			"signal_id": sig.ID.String(),
			"action":    string(sig.Action),
		}).Error("safety signal queue full, signal dropped")
	}
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("kafka publisher already running")
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

func (p *KafkaPublisher) run(ctx context.Context) {
	defer p.wg.Done()
	log := p.log.WithComponent("kafka_dispatcher")

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-p.queue:
			data, err := json.Marshal(sig)
			if err != nil {
				log.WithError(err).Warn("failed to marshal signal")
				continue
			}
			msg := kafka.Message{Key: []byte(sig.Endpoint), Value: data}
			if err := p.writer.WriteMessages(ctx, msg); err != nil {
				log.WithError(err).WithFields(logger.Fields{"signal_id": sig.ID.String()}).Error("failed to publish safety signal")
				continue
			}
			log.WithFields(logger.Fields{
				"signal_id": sig.ID.String(),
				"action":    string(sig.Action),
			}).Debug("safety signal published")
		}
	}
}

// Stop waits for the writer goroutine (its context must already be
// cancelled) and closes the Kafka writer.
func (p *KafkaPublisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("kafka_dispatcher").WithError(err).Warn("failed to close kafka writer")
	}
}
