package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/client"
	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func strPtr(s string) *string { return &s }

func TestFraudLogAppendBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []models.FraudLogEntry{
		{ID: uuid.New(), IP: "203.0.113.7", DeviceID: strPtr("dev-1"), Status: models.FraudStatusAllowed, Reason: models.ReasonEligible, UserAgent: "ua", OccurredAt: now},
		{ID: uuid.New(), IP: "203.0.113.7", Status: models.FraudStatusBlocked, Reason: models.ReasonIPLimit, UserAgent: "ua", OccurredAt: now},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO freemium_fraud_logs (id, ip_address, device_id, status, reason, user_agent, created_at)") +
		`\s+VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7\),\(\$8,.*\$14\)`).
		WithArgs(entries[0].ID, "203.0.113.7", entries[0].DeviceID, "allowed", "eligible", "ua", now,
			entries[1].ID, "203.0.113.7", nil, "blocked", "ip_limit", "ua", now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := NewFraudLogRepository(db)
	if err := repo.AppendBatch(context.Background(), entries); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if err := repo.AppendBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFraudLogCountRecentByIP(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM freemium_fraud_logs")).
		WithArgs("198.51.100.1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := NewFraudLogRepository(db).CountRecentByIP(context.Background(), "198.51.100.1", since)
	if err != nil || n != 4 {
		t.Fatalf("CountRecentByIP = %d, %v", n, err)
	}
}

func TestAdminAuditAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	uid := uuid.New()
	entry := models.AdminAuditLogEntry{
		ID: uuid.New(), Action: models.ActionAdminVerify, PerformedBy: &uid,
		IP: "192.0.2.1", UserAgent: "ua",
		Details: models.AdminAuditDetails{Success: true, Email: "a@example.com", Timestamp: time.Unix(0, 0).UTC()},
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO admin_audit_logs")).
		WithArgs(entry.ID, "admin_verify", entry.PerformedBy, "192.0.2.1", "ua", sqlmock.AnyArg()).
		WillReturnError(errors.New("permission denied"))

	err = NewAdminAuditRepository(db).Append(context.Background(), entry)
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestRoleRepositoryHasRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	uid := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(uid, "admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(uid, "admin").
		WillReturnError(context.DeadlineExceeded)

	repo := NewRoleRepository(db)
	ok, err := repo.HasRole(context.Background(), uid, "admin")
	if err != nil || !ok {
		t.Fatalf("HasRole = %v, %v", ok, err)
	}
	if _, err := repo.HasRole(context.Background(), uid, "admin"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want wrapped deadline", err)
	}
}

func TestAccountAggregatesAreCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr := miniredis.RunT(t)
	rc := client.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), client.CircuitBreakerConfig{})

	id := models.ClientIdentity{IP: "203.0.113.9", DeviceID: strPtr("dev-9")}
	mock.ExpectQuery(regexp.QuoteMeta("FROM active_freemium_accounts")).
		WithArgs(sqlmock.AnyArg(), "203.0.113.9").
		WillReturnRows(sqlmock.NewRows([]string{"by_device", "by_ip"}).AddRow(1, 2))

	repo := NewCachedAccountAggregateRepository(NewAccountAggregateRepository(db), rc,
		AggregateCacheConfig{TTL: time.Minute, DeviceCap: 1, IPCap: 3})
	for i := 0; i < 2; i++ {
		agg, err := repo.ActiveCounts(context.Background(), id)
		if err != nil {
			t.Fatalf("ActiveCounts: %v", err)
		}
		if agg.ByDevice != 1 || agg.ByIP != 2 {
			t.Fatalf("agg = %+v", agg)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("second call should hit cache: %v", err)
	}
	if !mr.Exists(aggregateCacheKey(id)) {
		t.Fatal("aggregate not cached")
	}
}

func TestAccountAggregatesBelowCapAreNotCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr := miniredis.RunT(t)
	rc := client.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), client.CircuitBreakerConfig{})

	id := models.ClientIdentity{IP: "203.0.113.10", DeviceID: strPtr("dev-10")}
	// The device signs up between the two checks.
	mock.ExpectQuery(regexp.QuoteMeta("FROM active_freemium_accounts")).
		WithArgs(sqlmock.AnyArg(), "203.0.113.10").
		WillReturnRows(sqlmock.NewRows([]string{"by_device", "by_ip"}).AddRow(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM active_freemium_accounts")).
		WithArgs(sqlmock.AnyArg(), "203.0.113.10").
		WillReturnRows(sqlmock.NewRows([]string{"by_device", "by_ip"}).AddRow(1, 1))

	repo := NewCachedAccountAggregateRepository(NewAccountAggregateRepository(db), rc,
		AggregateCacheConfig{TTL: 30 * time.Second, DeviceCap: 1, IPCap: 3})

	before, err := repo.ActiveCounts(context.Background(), id)
	if err != nil {
		t.Fatalf("ActiveCounts: %v", err)
	}
	if before.ByDevice != 0 {
		t.Fatalf("before = %+v", before)
	}
	if mr.Exists(aggregateCacheKey(id)) {
		t.Fatal("below-cap aggregate must not be cached")
	}

	after, err := repo.ActiveCounts(context.Background(), id)
	if err != nil {
		t.Fatalf("ActiveCounts: %v", err)
	}
	if after.ByDevice != 1 || after.ByIP != 1 {
		t.Fatalf("after = %+v, want the fresh count", after)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("both calls should reach the database: %v", err)
	}
	if !mr.Exists(aggregateCacheKey(id)) {
		t.Fatal("device at cap should be cached")
	}
}

func TestAccountAggregateIPCapWithoutDevice(t *testing.T) {
	cfg := AggregateCacheConfig{TTL: time.Minute, DeviceCap: 1, IPCap: 3}
	noDevice := models.ClientIdentity{IP: "198.51.100.1"}
	if cfg.atCap(noDevice, models.ActiveFreemiumAggregate{ByDevice: 5, ByIP: 2}) {
		t.Fatal("device count must be ignored without a device id")
	}
	if !cfg.atCap(noDevice, models.ActiveFreemiumAggregate{ByIP: 3}) {
		t.Fatal("ip at cap should be cacheable")
	}
}

func TestValuesPlaceholders(t *testing.T) {
	if got := valuesPlaceholders(2, 3); got != "($1,$2,$3),($4,$5,$6)" {
		t.Fatalf("got %q", got)
	}
}
