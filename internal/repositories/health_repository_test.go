package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

func TestDependencyHealthRepositoryCollectSuccess(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	}, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK || len(report.Checks) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || check.CheckedAt != now {
			t.Fatalf("unexpected check %s: %+v", name, check)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryCollectDegraded(t *testing.T) {
	boom := errors.New("payos unreachable")
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "payments", Check: func(context.Context) error { return boom }},
		{Name: "firestore", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if check := report.Checks["payments"]; check.Status != domain.HealthStatusDegraded || check.Error != boom.Error() {
		t.Fatalf("unexpected payments check %+v", check)
	}
}

func TestDependencyHealthRepositoryCollectTimeout(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{{
		Name:    "firestore",
		Timeout: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if check := report.Checks["firestore"]; check.Detail != "timeout" {
		t.Fatalf("expected timeout detail, got %+v", check)
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatalf("expected error without checks")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: " ", Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatalf("expected error for blank name")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "redis"}}); err == nil {
		t.Fatalf("expected error for missing check func")
	}
}
