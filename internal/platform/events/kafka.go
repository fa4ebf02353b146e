package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ErrQueueFull is returned when the publish buffer is full and the event
// was dropped.
var ErrQueueFull = errors.New("audit event queue full, event dropped")

// messageWriter is the subset of *kafka.Writer used here (allows mocking).
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Workers and QueueSize default to 4 and 1000.
	Workers   int
	QueueSize int
}

// KafkaPublisher queues events in memory and writes them to Kafka from a
// worker pool. Messages are keyed by tenant so each tenant's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer   messageWriter
	queue    chan AuditEvent
	workers  int
	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   zerolog.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newKafkaPublisher(writer, cfg, logger), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, logger zerolog.Logger) *KafkaPublisher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	p := &KafkaPublisher{
		writer:   w,
		queue:    make(chan AuditEvent, size),
		workers:  workers,
		shutdown: make(chan struct{}),
		logger:   logger.With().Str("component", "audit-publisher").Logger(),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Publish enqueues e without blocking.
func (p *KafkaPublisher) Publish(_ context.Context, e AuditEvent) error {
	select {
	case <-p.shutdown:
		return errors.New("audit publisher closed")
	default:
	}
	select {
	case p.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *KafkaPublisher) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.queue:
			p.send(id, e)
		case <-p.shutdown:
			// Drain what is already queued.
			for {
				select {
				case e := <-p.queue:
					p.send(id, e)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) send(worker int, e AuditEvent) {
	if err := p.write(e); err != nil {
		p.logger.Error().
			Err(err).
			Int("worker", worker).
			Str("audit_id", e.ID.String()).
			Str("tenant_id", e.TenantID.String()).
			Msg("publish audit event failed")
	}
}

func (p *KafkaPublisher) write(e AuditEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.TenantID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("audit." + e.Action)},
			{Key: "tenant_id", Value: []byte(e.TenantID.String())},
			{Key: "table_name", Value: []byte(e.TableName)},
		},
		Time: e.CreatedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close stops accepting events, flushes the queue and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.shutdown)
		p.wg.Wait()
		if cerr := p.writer.Close(); cerr != nil {
			err = fmt.Errorf("close kafka writer: %w", cerr)
		}
	})
	return err
}
