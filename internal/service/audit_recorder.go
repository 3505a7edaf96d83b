package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/ComUnity/abuse-gateway/internal/repository"
	"github.com/ComUnity/abuse-gateway/internal/telemetry"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// FraudRecorder accepts fraud log entries without blocking the decision path.
type FraudRecorder interface {
	RecordFraud(entry models.FraudLogEntry)
}

// AdminRecorder accepts admin audit entries without blocking the decision path.
type AdminRecorder interface {
	RecordAdmin(entry models.AdminAuditLogEntry)
}

type RecorderConfig struct {
	QueueSize    int
	BatchSize    int
	FlushEvery   time.Duration
	WriteTimeout time.Duration
}

type auditItem struct {
	fraud *models.FraudLogEntry
	admin *models.AdminAuditLogEntry
}

// AuditRecorder is the best-effort side-effect path for fraud and admin audit
// writes. Entries are queued, batched into the append-only tables and mirrored
// to the analytics publisher. A full queue or a failed write is logged and
// counted; callers never see it.
type AuditRecorder struct {
	fraud repository.FraudLogRepository
	admin repository.AdminAuditRepository
	pub   telemetry.Publisher
	cfg   RecorderConfig

	ch        chan auditItem
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	// fraud entries per IP that are queued or in a batch not yet written
	pendingMu sync.Mutex
	pending   map[string]int
}

func NewAuditRecorder(fraud repository.FraudLogRepository, admin repository.AdminAuditRepository, pub telemetry.Publisher, cfg RecorderConfig) *AuditRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if pub == nil {
		pub = telemetry.NopPublisher{}
	}
	return &AuditRecorder{
		fraud: fraud,
		admin: admin,
		pub:   pub,
		cfg:   cfg,
		ch:      make(chan auditItem, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]int),
	}
}

func (r *AuditRecorder) RecordFraud(e models.FraudLogEntry) {
	// Counted before the send so the writer can never settle it first.
	r.addPending(e.IP, 1)
	if !r.enqueue(auditItem{fraud: &e}) {
		r.addPending(e.IP, -1)
	}
	ev := telemetry.FraudDecisionEvent{
		Timestamp: e.OccurredAt,
		ID:        e.ID.String(),
		IP:        e.IP,
		Status:    string(e.Status),
		Reason:    string(e.Reason),
		UserAgent: e.UserAgent,
	}
	if e.DeviceID != nil {
		ev.DeviceID = *e.DeviceID
	}
	r.pub.Publish(ev)
}

func (r *AuditRecorder) RecordAdmin(e models.AdminAuditLogEntry) {
	r.enqueue(auditItem{admin: &e})
	ev := telemetry.AdminAuditEvent{
		Timestamp: e.Details.Timestamp,
		ID:        e.ID.String(),
		Action:    e.Action,
		IP:        e.IP,
		UserAgent: e.UserAgent,
		Success:   e.Details.Success,
		Error:     e.Details.Error,
	}
	if e.PerformedBy != nil {
		ev.PerformedBy = e.PerformedBy.String()
	}
	r.pub.Publish(ev)
}

func (r *AuditRecorder) enqueue(it auditItem) bool {
	select {
	case r.ch <- it:
		return true
	default:
		n := r.dropped.Add(1)
		logger.Warnw("audit queue full, entry dropped", "dropped_total", n, "entry_id", it.id())
		return false
	}
}

func (r *AuditRecorder) addPending(ip string, delta int) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	n := r.pending[ip] + delta
	if n <= 0 {
		delete(r.pending, ip)
		return
	}
	r.pending[ip] = n
}

// PendingFraud reports how many fraud entries for ip were accepted but have
// not been through a table write yet.
func (r *AuditRecorder) PendingFraud(ip string) int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.pending[ip]
}

func (it auditItem) id() string {
	if it.fraud != nil {
		return it.fraud.ID.String()
	}
	if it.admin != nil {
		return it.admin.ID.String()
	}
	return ""
}

// Start launches the writer goroutine.
func (r *AuditRecorder) Start() {
	r.startOnce.Do(func() { go r.loop() })
}

// Stop flushes queued entries, waiting at most until ctx is done.
func (r *AuditRecorder) Stop(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
	case <-ctx.Done():
		logger.Warnw("audit recorder stop timed out", "queued", len(r.ch))
	}
}

type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func (r *AuditRecorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Queued:  len(r.ch),
	}
}

func (r *AuditRecorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushEvery)
	defer ticker.Stop()

	var (
		fraud []models.FraudLogEntry
		admin []models.AdminAuditLogEntry
	)
	add := func(it auditItem) {
		if it.fraud != nil {
			fraud = append(fraud, *it.fraud)
		}
		if it.admin != nil {
			admin = append(admin, *it.admin)
		}
	}
	flush := func() {
		if len(fraud) > 0 {
			r.writeFraud(fraud)
			fraud = fraud[:0]
		}
		if len(admin) > 0 {
			r.writeAdmin(admin)
			admin = admin[:0]
		}
	}

	for {
		select {
		case it := <-r.ch:
			add(it)
			if len(fraud)+len(admin) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			for {
				select {
				case it := <-r.ch:
					add(it)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *AuditRecorder) writeFraud(batch []models.FraudLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	defer func() {
		for _, e := range batch {
			r.addPending(e.IP, -1)
		}
	}()
	if err := r.fraud.AppendBatch(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		logger.Warnw("fraud log write failed", "entries", len(batch), "first_id", batch[0].ID, "error", err)
		return
	}
	r.written.Add(uint64(len(batch)))
}

func (r *AuditRecorder) writeAdmin(batch []models.AdminAuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.admin.AppendBatch(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		logger.Warnw("admin audit write failed", "entries", len(batch), "first_id", batch[0].ID, "error", err)
		return
	}
	r.written.Add(uint64(len(batch)))
}

// PendingFraudCounter exposes fraud entries that are accepted but not yet
// visible to a RecentAttemptCounter.
type PendingFraudCounter interface {
	PendingFraud(ip string) int
}

type pendingAwareCounter struct {
	store   RecentAttemptCounter
	pending PendingFraudCounter
}

// CountWithPending adds entries still waiting in the recorder to the stored
// count, so a burst is seen before the next flush.
func CountWithPending(store RecentAttemptCounter, pending PendingFraudCounter) RecentAttemptCounter {
	if pending == nil {
		return store
	}
	return pendingAwareCounter{store: store, pending: pending}
}

func (c pendingAwareCounter) CountRecentByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	// Pending is read first: a flush landing between the two reads
	// can only make the total high, never low.
	queued := c.pending.PendingFraud(ip)
	stored, err := c.store.CountRecentByIP(ctx, ip, since)
	if err != nil {
		return 0, err
	}
	return stored + queued, nil
}
