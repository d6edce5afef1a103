package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"payos":     {Status: domain.HealthStatusDegraded},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            fixedClock(now),
		Build: BuildInfo{
			Version:     "1.2.3",
			CommitSHA:   "abc123",
			Environment: "staging",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if report.Version != "1.2.3" || report.CommitSHA != "abc123" || report.Environment != "staging" {
		t.Fatalf("expected build metadata, got %+v", report)
	}
	if report.Uptime != 5*time.Minute {
		t.Fatalf("expected 5m uptime, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated at %v, got %v", now, report.GeneratedAt)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportPropagatesErrors(t *testing.T) {
	repo := &stubHealthRepository{err: errors.New("collect failed")}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if repo.calls != 1 {
		t.Fatalf("expected one collect call, got %d", repo.calls)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := map[string]struct {
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		"empty":    {want: domain.HealthStatusOK},
		"all ok":   {checks: map[string]domain.SystemHealthCheck{"a": {Status: "ok"}}, want: domain.HealthStatusOK},
		"degraded": {checks: map[string]domain.SystemHealthCheck{"a": {Status: "ok"}, "b": {Status: "slow"}}, want: domain.HealthStatusDegraded},
		"error":    {checks: map[string]domain.SystemHealthCheck{"a": {Status: "degraded"}, "b": {Status: "error"}}, want: domain.HealthStatusError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := deriveStatus(tc.checks); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSystemServiceReportsPaymentProvider(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
	}}

	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, PaymentProvider: "payos", Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	check, ok := report.Checks["payments"]
	if !ok || check.Detail != "provider payos" || check.Status != domain.HealthStatusOK {
		t.Fatalf("unexpected payments check %+v", check)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok status, got %s", report.Status)
	}

	repo.report = domain.SystemHealthReport{}
	offline, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err = offline.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if got := report.Checks["payments"].Detail; got != "payment links disabled" {
		t.Fatalf("unexpected detail %q", got)
	}
}
