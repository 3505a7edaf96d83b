package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	cfg "github.com/ComUnity/abuse-gateway/internal/config"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// ESAuditShipper batches events into the Elasticsearch _bulk API, one daily
// index per prefix, for the fraud dashboards.
type ESAuditShipper struct {
	cfg   cfg.ESAuditConfig
	http  *http.Client
	ch    chan any
	wg    sync.WaitGroup
	stop  chan struct{}
	index func(time.Time) string
	now   func() time.Time

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewESAuditShipper(c cfg.ESAuditConfig) *ESAuditShipper {
	if c.FlushSize <= 0 {
		c.FlushSize = 500
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.IndexPref == "" {
		c.IndexPref = "abuse-audit"
	}
	return &ESAuditShipper{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		ch:   make(chan any, c.FlushSize*4),
		stop: make(chan struct{}),
		index: func(t time.Time) string {
			return fmt.Sprintf("%s-%04d.%02d.%02d", c.IndexPref, t.Year(), int(t.Month()), t.Day())
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *ESAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

func (s *ESAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *ESAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// drop on backpressure to protect latency
		s.dropped.Add(1)
	}
}

func (s *ESAuditShipper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]any, 0, s.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.bulkIndex(context.Background(), batch); err != nil {
			s.failed.Add(uint64(len(batch)))
			logger.Warnw("es bulk index failed", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

func (s *ESAuditShipper) bulkIndex(ctx context.Context, batch []any) error {
	var buf bytes.Buffer
	now := s.now()
	idx := s.index(now)
	meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_index": idx}})

	for _, ev := range batch {
		evMap := map[string]any{}
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_ = json.Unmarshal(b, &evMap)
		if _, ok := evMap["@timestamp"]; !ok {
			evMap["@timestamp"] = now
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		db, _ := json.Marshal(evMap)
		buf.Write(db)
		buf.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint+"/_bulk", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+s.cfg.APIKey)
	} else if s.cfg.Username != "" || s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("es bulk: status %d", resp.StatusCode)
	}
	var br bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return fmt.Errorf("es bulk: decode response: %w", err)
	}
	if br.Errors {
		for _, item := range br.Items {
			for _, res := range item {
				if res.Error != nil {
					return fmt.Errorf("es bulk: item rejected: %s: %s", res.Error.Type, res.Error.Reason)
				}
			}
		}
		return fmt.Errorf("es bulk: partial failure")
	}
	return nil
}
