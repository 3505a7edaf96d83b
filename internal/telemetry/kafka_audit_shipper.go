package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	cfg "github.com/ComUnity/abuse-gateway/internal/config"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditShipper fans fraud, admin and request events out to their topics.
// Publish never blocks: when the queue is full the event is dropped and counted.
type KafkaAuditShipper struct {
	cfg       cfg.KafkaAuditRootConfig
	wFraud    messageWriter
	wAdmin    messageWriter
	wRequests messageWriter
	ch        chan any
	stop      chan struct{}
	done      chan struct{}

	dropped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

func NewKafkaAuditShipper(cfgIn cfg.KafkaAuditRootConfig) (*KafkaAuditShipper, error) {
	cfg := cfgIn
	if !cfg.Enabled {
		return &KafkaAuditShipper{cfg: cfg, ch: make(chan any), stop: make(chan struct{}), done: make(chan struct{})}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) messageWriter {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           cfg.FlushEvery,
			BatchSize:              cfg.BatchSize,
			WriteTimeout:           cfg.WriteTimeout,
		}
	}

	return newShipper(cfg, newWriter(cfg.TopicFraud), newWriter(cfg.TopicAdmin), newWriter(cfg.TopicRequests)), nil
}

func newShipper(c cfg.KafkaAuditRootConfig, fraud, admin, requests messageWriter) *KafkaAuditShipper {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	return &KafkaAuditShipper{
		cfg:       c,
		wFraud:    fraud,
		wAdmin:    admin,
		wRequests: requests,
		ch:        make(chan any, c.QueueCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *KafkaAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

// Stop drains what is queued (bounded by ctx) and closes the writers.
func (s *KafkaAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		logger.Warnw("kafka shipper stop timed out", "queued", len(s.ch))
	}
	for _, w := range []messageWriter{s.wFraud, s.wAdmin, s.wRequests} {
		if w != nil {
			_ = w.Close()
		}
	}
}

func (s *KafkaAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			logger.Warnw("kafka shipper queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped reports how many events were discarded on backpressure.
func (s *KafkaAuditShipper) Dropped() uint64 { return s.dropped.Load() }

func (s *KafkaAuditShipper) loop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.ch:
			s.send(ev)
		case <-s.stop:
			// drain remaining quickly
			for {
				select {
				case ev := <-s.ch:
					s.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaAuditShipper) send(ev any) {
	if err := s.dispatch(ev); err != nil {
		s.failed.Add(1)
		logger.Warnw("kafka publish failed", "error", err)
		return
	}
	s.published.Add(1)
}

func (s *KafkaAuditShipper) dispatch(ev any) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var (
		w   messageWriter
		key string
	)
	switch e := ev.(type) {
	case FraudDecisionEvent:
		w, key = s.wFraud, e.IP
	case AdminAuditEvent:
		w, key = s.wAdmin, e.PerformedBy
	case RequestAuditEvent:
		w, key = s.wRequests, e.IP
	default:
		return nil
	}
	if w == nil {
		return nil
	}
	msg := kafka.Message{Value: payload, Time: now}
	if key != "" {
		msg.Key = []byte(key)
	}
	return w.WriteMessages(context.Background(), msg)
}
