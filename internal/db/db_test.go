package db

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm/logger"

	"horse.fit/trawl/internal/dedup"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/engagement"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/orchestrator"
	"horse.fit/trawl/internal/pipeline"
	"horse.fit/trawl/internal/queue"
)

var (
	_ dedup.Cache                = (*Pool)(nil)
	_ queue.Store                = (*Pool)(nil)
	_ engagement.Store           = (*Pool)(nil)
	_ pipeline.ResultStore       = (*Pool)(nil)
	_ orchestrator.ScheduleStore = (*Pool)(nil)
	_ orchestrator.Archive       = (*Pool)(nil)
)

func TestClassifyPostgresErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code string
		want fault.Kind
	}{
		{sqlStateSerializationFailure, fault.KindTransient},
		{sqlStateDeadlockDetected, fault.KindTransient},
		{"08006", fault.KindInvariantViolation},
		{sqlStateAdminShutdown, fault.KindInvariantViolation},
		{"23505", fault.KindUnknown},
	}
	for _, tc := range cases {
		err := classify(fmt.Errorf("query: %w", &pgconn.PgError{Code: tc.code}))
		if got := fault.KindOf(err); got != tc.want {
			t.Fatalf("code %s: expected %q, got %q", tc.code, tc.want, got)
		}
	}

	notFound := fmt.Errorf("job x: %w", domain.ErrNotFound)
	if got := classify(notFound); !errors.Is(got, domain.ErrNotFound) || fault.KindOf(got) != fault.KindUnknown {
		t.Fatalf("expected domain errors to pass through, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}

func TestJobListQuery(t *testing.T) {
	t.Parallel()

	query, args, err := jobListQuery(domain.JobFilter{Kind: domain.JobEngagement, State: domain.JobDead, Limit: 5}).ToSql()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(query, "WHERE kind = $1 AND state = $2") || !strings.Contains(query, "LIMIT 5") {
		t.Fatalf("unexpected query %s", query)
	}
	if len(args) != 2 || args[0] != "engagement" || args[1] != "dead" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestFinalListQueryHidesMembersUnlessClusterSelected(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	query, args, err := finalListQuery(domain.ResultFilter{CompetitorID: 4, Since: &since, Limit: 20, Offset: 40}).ToSql()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"competitor_id = $1", "cluster_member = $2", "last_captured_at >= $3", "ORDER BY last_captured_at DESC, result_id", "LIMIT 20", "OFFSET 40"} {
		if !strings.Contains(query, want) {
			t.Fatalf("expected %q in %s", want, query)
		}
	}
	if len(args) != 3 || args[1] != false {
		t.Fatalf("unexpected args %v", args)
	}

	query, args, err = finalListQuery(domain.ResultFilter{CanonicalURL: " https://example.com/a "}).ToSql()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(query, "cluster_member =") || len(args) != 1 || args[0] != "https://example.com/a" {
		t.Fatalf("expected cluster listing without member filter, got %s %v", query, args)
	}
}

func TestEncodeAndDecodeStrings(t *testing.T) {
	t.Parallel()

	if got := encodeStrings(nil); got != "[]" {
		t.Fatalf("expected empty array, got %s", got)
	}
	var tags []string
	if err := decodeStrings([]byte(encodeStrings([]string{"#farmfirst", "#rally"})), &tags); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(tags, ",") != "#farmfirst,#rally" {
		t.Fatalf("unexpected tags %v", tags)
	}
	var empty []string
	if err := decodeStrings([]byte(`[]`), &empty); err != nil || empty != nil {
		t.Fatalf("expected nil slice for empty array, got %v err=%v", empty, err)
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	if resolveGormLogLevel("debug", "production") != logger.Info {
		t.Fatalf("expected debug to log queries")
	}
	if resolveGormLogLevel("info", "production") != logger.Warn {
		t.Fatalf("expected info to map to warn")
	}
	if resolveGormLogLevel("bogus", "production") != logger.Error {
		t.Fatalf("expected unknown levels outside local to map to error")
	}
}

// valueRow feeds fixed values to Scan in column order.
type valueRow []any

func (r valueRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan %d destinations from %d values", len(dest), len(r))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(r[i]))
	}
	return nil
}

func TestScanFinalReadsEveryColumn(t *testing.T) {
	t.Parallel()

	columns := strings.Split(finalColumns, ",")
	captured := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	views := int64(1000)
	row := valueRow{
		"r1", "https://example.com/a", int64(1), int64(2), "manual", "Title",
		nil, nil, nil,
		[]byte(`["#tag"]`), []byte(`[]`),
		&views, nil, nil, nil,
		0.15, 0.22, 1.82, []byte(`["https://cdn.example.com/a.jpg"]`),
		1, "https://example.com/a", false, 0.0, captured, captured,
	}
	if len(row) != len(columns) {
		t.Fatalf("test row has %d values for %d columns", len(row), len(columns))
	}

	fr, err := scanFinal(row)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fr.ImportanceScore != 1.82 || len(fr.MediaURLs) != 1 || fr.MediaURLs[0] != "https://cdn.example.com/a.jpg" {
		t.Fatalf("unexpected importance or media: %+v", fr)
	}
	if fr.ViralScore != 0.22 || len(fr.Hashtags) != 1 || fr.Metrics.Views == nil || *fr.Metrics.Views != 1000 {
		t.Fatalf("unexpected result %+v", fr)
	}
}
