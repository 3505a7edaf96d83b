package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	cfg "github.com/ComUnity/abuse-gateway/internal/config"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// KafkaToES consumes the fraud and admin audit topics and forwards events to
// ESAuditShipper. One reader per topic in the same consumer group.
type KafkaToES struct {
	kcfg cfg.KafkaAuditRootConfig
	es   *ESAuditShipper
}

func NewKafkaToES(kcfg cfg.KafkaAuditRootConfig, esCfg cfg.ESAuditConfig) *KafkaToES {
	return &KafkaToES{
		kcfg: kcfg,
		es:   NewESAuditShipper(esCfg),
	}
}

// Enabled reports whether both ends of the bridge are configured.
func (k *KafkaToES) Enabled() bool {
	return k.kcfg.Enabled && k.es.cfg.Enabled
}

func (k *KafkaToES) Start(ctx context.Context) {
	if !k.Enabled() {
		return
	}
	k.es.Start()

	for _, topic := range []string{k.kcfg.TopicFraud, k.kcfg.TopicAdmin} {
		if topic != "" {
			go k.consume(ctx, topic)
		}
	}
}

// Stop flushes the ES shipper; readers exit when the Start context is cancelled.
func (k *KafkaToES) Stop(ctx context.Context) {
	k.es.Stop(ctx)
}

func (k *KafkaToES) consume(ctx context.Context, topic string) {
	reader := kafka.NewReader(k.readerConfig(topic))
	defer func() { _ = reader.Close() }()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("kafka: read error topic=%s err=%v", topic, err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		ev, ok := decodeAuditMessage(topic, m.Value)
		if !ok {
			logger.Warnf("kafka: bad json topic=%s offset=%d", topic, m.Offset)
			continue
		}
		k.es.Publish(ev)
	}
}

// decodeAuditMessage tags the event with its source topic so both streams can
// share one index.
func decodeAuditMessage(topic string, value []byte) (map[string]any, bool) {
	var ev map[string]any
	if err := json.Unmarshal(value, &ev); err != nil || ev == nil {
		return nil, false
	}
	if _, ok := ev["@timestamp"]; !ok {
		ev["@timestamp"] = time.Now().UTC()
	}
	ev["source_topic"] = topic
	return ev, true
}

func (k *KafkaToES) readerConfig(topic string) kafka.ReaderConfig {
	minBytes := k.kcfg.MinBytes
	if minBytes <= 0 {
		minBytes = 10_000
	}
	maxBytes := k.kcfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10_000_000
	}
	maxWait := k.kcfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	group := k.kcfg.GroupID
	if group == "" {
		group = "abuse-audit-sink-es"
	}
	return kafka.ReaderConfig{
		Brokers:  k.kcfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  maxWait,
	}
}
