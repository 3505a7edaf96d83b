package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ComUnity/abuse-gateway/internal/models"
)

type fakeAccounts struct {
	byDevice map[string]int
	byIP     map[string]int
	err      error
	delay    time.Duration
}

func (f *fakeAccounts) ActiveCounts(ctx context.Context, id models.ClientIdentity) (models.ActiveFreemiumAggregate, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.ActiveFreemiumAggregate{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.ActiveFreemiumAggregate{}, f.err
	}
	agg := models.ActiveFreemiumAggregate{ByIP: f.byIP[id.IP]}
	if id.DeviceID != nil {
		agg.ByDevice = f.byDevice[*id.DeviceID]
	}
	return agg, nil
}

// memoryFraudLog counts what has been recorded, like the real table would.
type memoryFraudLog struct {
	mu      sync.Mutex
	entries []models.FraudLogEntry
	err     error
}

func (m *memoryFraudLog) CountRecentByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, e := range m.entries {
		if e.IP == ip && !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryFraudLog) RecordFraud(e models.FraudLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memoryFraudLog) last() models.FraudLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *memoryFraudLog) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func strPtr(s string) *string { return &s }

func newEvaluator(acc *fakeAccounts, log *memoryFraudLog, now func() time.Time) *EligibilityEvaluator {
	return NewEligibilityEvaluator(acc, log, log, DefaultEligibilityPolicy()).WithClock(now)
}

func fixedNow() func() time.Time {
	t := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestScenarioDeviceLimit(t *testing.T) {
	acc := &fakeAccounts{byDevice: map[string]int{"d1": 1}}
	log := &memoryFraudLog{}
	res := newEvaluator(acc, log, fixedNow()).Evaluate(context.Background(),
		models.ClientIdentity{IP: "198.51.100.2", DeviceID: strPtr("d1")}, "ua")

	if res.Allowed || res.Reason != models.ReasonDeviceLimit {
		t.Fatalf("res = %+v", res)
	}
	if e := log.last(); e.Status != models.FraudStatusBlocked || e.Reason != models.ReasonDeviceLimit || *e.DeviceID != "d1" {
		t.Fatalf("logged = %+v", e)
	}
}

func TestDeviceLimitPrecedesIPLimit(t *testing.T) {
	acc := &fakeAccounts{
		byDevice: map[string]int{"d1": 1},
		byIP:     map[string]int{"203.0.113.5": 3},
	}
	res := newEvaluator(acc, &memoryFraudLog{}, fixedNow()).Evaluate(context.Background(),
		models.ClientIdentity{IP: "203.0.113.5", DeviceID: strPtr("d1")}, "")
	if res.Reason != models.ReasonDeviceLimit {
		t.Fatalf("reason = %s", res.Reason)
	}
}

func TestScenarioIPLimit(t *testing.T) {
	acc := &fakeAccounts{byIP: map[string]int{"203.0.113.5": 3}}
	log := &memoryFraudLog{}
	res := newEvaluator(acc, log, fixedNow()).Evaluate(context.Background(),
		models.ClientIdentity{IP: "203.0.113.5"}, "ua")

	if res.Allowed || res.Reason != models.ReasonIPLimit || res.ActiveCountByIP != 3 {
		t.Fatalf("res = %+v", res)
	}
	if log.last().Status != models.FraudStatusBlocked {
		t.Fatalf("logged = %+v", log.last())
	}
}

func TestScenarioWarningThenBurst(t *testing.T) {
	log := &memoryFraudLog{}
	ev := newEvaluator(&fakeAccounts{}, log, fixedNow())
	id := models.ClientIdentity{IP: "192.0.2.44"}

	res := ev.Evaluate(context.Background(), id, "ua")
	if !res.Allowed || res.Reason != models.ReasonEligible || res.RecentAttempts != 1 {
		t.Fatalf("first = %+v", res)
	}
	if e := log.last(); e.Status != models.FraudStatusAllowed || e.Reason != models.ReasonEligible {
		t.Fatalf("first logged = %+v", e)
	}

	res = ev.Evaluate(context.Background(), id, "ua")
	if !res.Allowed || res.Reason != models.ReasonEligible || res.RecentAttempts != 2 {
		t.Fatalf("second = %+v", res)
	}
	if e := log.last(); e.Status != models.FraudStatusWarning || e.Reason != models.ReasonMultipleAttempts {
		t.Fatalf("second logged = %+v", e)
	}

	// Attempts 3..5 stay allowed; the sixth exceeds the burst threshold.
	for i := 3; i <= 5; i++ {
		if res = ev.Evaluate(context.Background(), id, "ua"); !res.Allowed {
			t.Fatalf("attempt %d denied: %+v", i, res)
		}
	}
	res = ev.Evaluate(context.Background(), id, "ua")
	if res.Allowed || res.Reason != models.ReasonRateLimit || res.RecentAttempts != 6 {
		t.Fatalf("sixth = %+v", res)
	}
	if log.len() != 6 {
		t.Fatalf("entries = %d, want one per call", log.len())
	}
}

func TestRecentWindowExpires(t *testing.T) {
	log := &memoryFraudLog{}
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		log.RecordFraud(models.FraudLogEntry{IP: "192.0.2.1", OccurredAt: now.Add(-2 * time.Hour)})
	}
	res := newEvaluator(&fakeAccounts{}, log, func() time.Time { return now }).
		Evaluate(context.Background(), models.ClientIdentity{IP: "192.0.2.1"}, "")
	if !res.Allowed || res.RecentAttempts != 1 {
		t.Fatalf("res = %+v", res)
	}
}

func TestFailOpenOnLookupError(t *testing.T) {
	cases := map[string]struct {
		acc *fakeAccounts
		log *memoryFraudLog
	}{
		"aggregate error": {&fakeAccounts{err: errors.New("connection refused")}, &memoryFraudLog{}},
		"fraud log error": {&fakeAccounts{}, &memoryFraudLog{err: errors.New("timeout")}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := newEvaluator(tc.acc, tc.log, fixedNow()).Evaluate(context.Background(),
				models.ClientIdentity{IP: "198.51.100.9"}, "ua")
			if !res.Allowed || res.Reason != models.ReasonErrorFallback {
				t.Fatalf("res = %+v", res)
			}
			if tc.log.len() != 1 {
				t.Fatalf("entries = %d", tc.log.len())
			}
			if e := tc.log.last(); e.Status != models.FraudStatusAllowed || e.Reason != models.ReasonErrorFallback {
				t.Fatalf("logged = %+v", e)
			}
		})
	}
}

func TestFailOpenOnTimeout(t *testing.T) {
	policy := DefaultEligibilityPolicy()
	policy.Timeout = 20 * time.Millisecond
	log := &memoryFraudLog{}
	ev := NewEligibilityEvaluator(&fakeAccounts{delay: time.Second}, log, log, policy)

	start := time.Now()
	res := ev.Evaluate(context.Background(), models.ClientIdentity{IP: "198.51.100.9"}, "")
	if !res.Allowed || res.Reason != models.ReasonErrorFallback {
		t.Fatalf("res = %+v", res)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("timeout not enforced")
	}
}

func TestFraudLogOutcomeIsDeterministic(t *testing.T) {
	p := DefaultEligibilityPolicy()
	cases := []struct {
		res        models.EligibilityResult
		wantStatus models.FraudStatus
		wantReason models.FraudReason
	}{
		{models.EligibilityResult{Allowed: true, Reason: models.ReasonEligible, RecentAttempts: 1}, models.FraudStatusAllowed, models.ReasonEligible},
		{models.EligibilityResult{Allowed: true, Reason: models.ReasonEligible, RecentAttempts: 2}, models.FraudStatusWarning, models.ReasonMultipleAttempts},
		{models.EligibilityResult{Allowed: true, Reason: models.ReasonEligible, RecentAttempts: 5}, models.FraudStatusWarning, models.ReasonMultipleAttempts},
		{models.EligibilityResult{Allowed: false, Reason: models.ReasonRateLimit, RecentAttempts: 6}, models.FraudStatusBlocked, models.ReasonRateLimit},
		{models.EligibilityResult{Allowed: false, Reason: models.ReasonIPLimit, RecentAttempts: 1}, models.FraudStatusBlocked, models.ReasonIPLimit},
		{models.EligibilityResult{Allowed: true, Reason: models.ReasonErrorFallback}, models.FraudStatusAllowed, models.ReasonErrorFallback},
	}
	for _, tc := range cases {
		s, r := FraudLogOutcome(p, tc.res)
		if s != tc.wantStatus || r != tc.wantReason {
			t.Errorf("%+v -> %s/%s, want %s/%s", tc.res, s, r, tc.wantStatus, tc.wantReason)
		}
	}
}

type fakeSessions struct {
	session *models.Session
	err     error
}

func (f fakeSessions) Resolve(context.Context, string) (*models.Session, error) {
	return f.session, f.err
}

type fakeRoles struct {
	admin bool
	err   error
}

func (f fakeRoles) HasRole(context.Context, uuid.UUID, string) (bool, error) {
	return f.admin, f.err
}

type adminLog struct {
	mu      sync.Mutex
	entries []models.AdminAuditLogEntry
}

func (a *adminLog) RecordAdmin(e models.AdminAuditLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func TestRoleVerifier(t *testing.T) {
	uid := uuid.New()
	sess := &models.Session{UserID: uid, Email: "ops@example.com"}
	meta := models.RequestMeta{IP: "192.0.2.5", UserAgent: "curl"}

	cases := []struct {
		name      string
		sessions  fakeSessions
		roles     fakeRoles
		wantAdmin bool
		wantErr   error
		wantOK    bool
	}{
		{"admin", fakeSessions{session: sess}, fakeRoles{admin: true}, true, nil, true},
		{"not admin", fakeSessions{session: sess}, fakeRoles{}, false, nil, false},
		{"bad session", fakeSessions{err: errors.New("expired")}, fakeRoles{admin: true}, false, ErrUnauthenticated, false},
		{"no session", fakeSessions{}, fakeRoles{admin: true}, false, ErrUnauthenticated, false},
		{"lookup error", fakeSessions{session: sess}, fakeRoles{admin: true, err: errors.New("db down")}, false, ErrRoleLookup, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := &adminLog{}
			v := NewRoleVerifier(tc.sessions, tc.roles, log, RoleVerifierConfig{})
			res, err := v.Verify(context.Background(), "token", meta)

			if res.IsAdmin != tc.wantAdmin {
				t.Fatalf("IsAdmin = %v", res.IsAdmin)
			}
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected err %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if err != nil && strings.Contains(err.Error(), "<nil>") {
				t.Fatalf("err = %q", err)
			}
			if len(log.entries) != 1 {
				t.Fatalf("audit entries = %d", len(log.entries))
			}
			e := log.entries[0]
			if e.Action != models.ActionAdminVerify || e.IP != "192.0.2.5" || e.UserAgent != "curl" || e.Details.Success != tc.wantOK {
				t.Fatalf("audit = %+v", e)
			}
		})
	}
}

type sinkRepo struct {
	mu    sync.Mutex
	fraud []models.FraudLogEntry
	admin []models.AdminAuditLogEntry
	err   error
}

func (s *sinkRepo) Append(ctx context.Context, e models.FraudLogEntry) error {
	return s.AppendBatch(ctx, []models.FraudLogEntry{e})
}

func (s *sinkRepo) AppendBatch(_ context.Context, es []models.FraudLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.fraud = append(s.fraud, es...)
	return nil
}

// CountRecentByIP only sees rows that have been written, like the real table.
func (s *sinkRepo) CountRecentByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.fraud {
		if e.IP == ip && !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *sinkRepo) written() []models.FraudLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FraudLogEntry(nil), s.fraud...)
}

type adminSink struct{ sinkRepo }

func (s *adminSink) Append(ctx context.Context, e models.AdminAuditLogEntry) error {
	return s.AppendBatch(ctx, []models.AdminAuditLogEntry{e})
}

func (s *adminSink) AppendBatch(_ context.Context, es []models.AdminAuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = append(s.admin, es...)
	return nil
}

type countingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *countingPublisher) Publish(ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestAuditRecorderFlushesOnStop(t *testing.T) {
	fraud, admin, pub := &sinkRepo{}, &adminSink{}, &countingPublisher{}
	rec := NewAuditRecorder(fraud, admin, pub, RecorderConfig{BatchSize: 1000, FlushEvery: time.Hour})
	rec.Start()

	for i := 0; i < 5; i++ {
		rec.RecordFraud(models.FraudLogEntry{ID: uuid.New(), IP: "192.0.2.1"})
	}
	rec.RecordAdmin(models.AdminAuditLogEntry{ID: uuid.New(), Action: models.ActionAdminVerify})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec.Stop(ctx)

	if len(fraud.fraud) != 5 || len(admin.admin) != 1 {
		t.Fatalf("written fraud=%d admin=%d", len(fraud.fraud), len(admin.admin))
	}
	if st := rec.Stats(); st.Written != 6 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if len(pub.events) != 6 {
		t.Fatalf("published = %d", len(pub.events))
	}
}

func TestAuditRecorderDropsWhenQueueFull(t *testing.T) {
	rec := NewAuditRecorder(&sinkRepo{}, &adminSink{}, nil, RecorderConfig{QueueSize: 2})
	// Not started, so nothing drains the queue.
	for i := 0; i < 5; i++ {
		rec.RecordFraud(models.FraudLogEntry{ID: uuid.New()})
	}
	if st := rec.Stats(); st.Dropped != 3 || st.Queued != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if n := rec.PendingFraud(""); n != 2 {
		t.Fatalf("pending = %d, want only the queued entries", n)
	}
}

func TestAuditRecorderCountsFailedWrites(t *testing.T) {
	fraud := &sinkRepo{err: errors.New("insert failed")}
	rec := NewAuditRecorder(fraud, &adminSink{}, nil, RecorderConfig{})
	rec.Start()
	rec.RecordFraud(models.FraudLogEntry{ID: uuid.New(), IP: "192.0.2.9"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec.Stop(ctx)

	if st := rec.Stats(); st.Failed != 1 || st.Written != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if n := rec.PendingFraud("192.0.2.9"); n != 0 {
		t.Fatalf("pending = %d after a failed write", n)
	}
}

func newRecordedEvaluator(table *sinkRepo, rec *AuditRecorder) *EligibilityEvaluator {
	return NewEligibilityEvaluator(&fakeAccounts{}, CountWithPending(table, rec), rec, DefaultEligibilityPolicy()).
		WithClock(fixedNow())
}

func TestBurstCountedBeforeRecorderFlush(t *testing.T) {
	table := &sinkRepo{}
	rec := NewAuditRecorder(table, &adminSink{}, nil, RecorderConfig{BatchSize: 1000, FlushEvery: time.Hour})
	rec.Start()
	ev := newRecordedEvaluator(table, rec)
	id := models.ClientIdentity{IP: "192.0.2.44"}

	var results []models.EligibilityResult
	for i := 0; i < 6; i++ {
		results = append(results, ev.Evaluate(context.Background(), id, "ua"))
	}
	if n := len(table.written()); n != 0 {
		t.Fatalf("table rows = %d before flush", n)
	}
	for i, res := range results[:5] {
		if !res.Allowed || res.RecentAttempts != i+1 {
			t.Fatalf("attempt %d = %+v", i+1, res)
		}
	}
	if res := results[5]; res.Allowed || res.Reason != models.ReasonRateLimit || res.RecentAttempts != 6 {
		t.Fatalf("attempt 6 = %+v", res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec.Stop(ctx)

	rows := table.written()
	if len(rows) != 6 {
		t.Fatalf("table rows = %d", len(rows))
	}
	if rows[0].Status != models.FraudStatusAllowed {
		t.Fatalf("first = %+v", rows[0])
	}
	if rows[1].Status != models.FraudStatusWarning || rows[1].Reason != models.ReasonMultipleAttempts {
		t.Fatalf("second = %+v", rows[1])
	}
	if rows[5].Status != models.FraudStatusBlocked || rows[5].Reason != models.ReasonRateLimit {
		t.Fatalf("sixth = %+v", rows[5])
	}
	if n := rec.PendingFraud(id.IP); n != 0 {
		t.Fatalf("pending = %d after stop", n)
	}
}

func TestBurstAddsPendingToStoredAttempts(t *testing.T) {
	now := fixedNow()()
	table := &sinkRepo{}
	for i := 0; i < 4; i++ {
		table.fraud = append(table.fraud, models.FraudLogEntry{ID: uuid.New(), IP: "192.0.2.45", OccurredAt: now.Add(-time.Minute)})
	}
	rec := NewAuditRecorder(table, &adminSink{}, nil, RecorderConfig{BatchSize: 1000, FlushEvery: time.Hour})
	rec.Start()
	defer rec.Stop(context.Background())
	ev := newRecordedEvaluator(table, rec)
	id := models.ClientIdentity{IP: "192.0.2.45"}

	if res := ev.Evaluate(context.Background(), id, "ua"); !res.Allowed || res.RecentAttempts != 5 {
		t.Fatalf("fifth = %+v", res)
	}
	if res := ev.Evaluate(context.Background(), id, "ua"); res.Allowed || res.Reason != models.ReasonRateLimit {
		t.Fatalf("sixth = %+v", res)
	}
}
