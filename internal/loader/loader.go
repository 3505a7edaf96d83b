package loader

import (
	"context"
	"fmt"

	cfgpkg "github.com/ComUnity/abuse-gateway/internal/config"
	"github.com/ComUnity/abuse-gateway/internal/telemetry"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// Telemetry owns the analytics pipeline: the Kafka shipper that every audit
// entry is mirrored to, and the optional Kafka to Elasticsearch bridge.
type Telemetry struct {
	Shipper   *telemetry.KafkaAuditShipper
	Bridge    *telemetry.KafkaToES
	Publisher telemetry.Publisher

	cancel context.CancelFunc
}

// BuildTelemetry wires the pipeline from config. With Kafka disabled the
// publisher is a no-op and nothing is started.
func BuildTelemetry(cfg cfgpkg.Config) (*Telemetry, error) {
	t := &Telemetry{Publisher: telemetry.NopPublisher{}}
	kcfg := cfg.Telemetry.Kafka
	if !kcfg.Enabled {
		logger.Infof("Kafka telemetry disabled; audit entries go to Postgres only")
		return t, nil
	}

	shipper, err := telemetry.NewKafkaAuditShipper(kcfg)
	if err != nil {
		return nil, fmt.Errorf("kafka audit shipper: %w", err)
	}
	t.Shipper = shipper
	t.Publisher = shipper

	if bridge := telemetry.NewKafkaToES(kcfg, cfg.Telemetry.ES); bridge.Enabled() {
		t.Bridge = bridge
	}
	return t, nil
}

func (t *Telemetry) Start(ctx context.Context) {
	if t.Shipper != nil {
		t.Shipper.Start()
		logger.Infof("Kafka audit shipper started")
	}
	if t.Bridge != nil {
		ctx, t.cancel = context.WithCancel(ctx)
		t.Bridge.Start(ctx)
		logger.Infof("Kafka to Elasticsearch bridge started")
	}
}

// Stop drains the shipper first so the last events still reach Kafka, then
// stops the bridge consumers and flushes Elasticsearch.
func (t *Telemetry) Stop(ctx context.Context) {
	if t.Shipper != nil {
		t.Shipper.Stop(ctx)
		if n := t.Shipper.Dropped(); n > 0 {
			logger.Warnf("Kafka audit shipper dropped %d events during this run", n)
		}
	}
	if t.Bridge != nil {
		if t.cancel != nil {
			t.cancel()
		}
		t.Bridge.Stop(ctx)
	}
}
