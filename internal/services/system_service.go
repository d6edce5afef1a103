package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const paymentsCheckName = "payments"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
// PaymentProvider names the default payment gateway; empty means payment links
// are disabled and only offline methods can be ordered.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	PaymentProvider  string
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health   repositories.HealthRepository
	provider string
	now      func() time.Time
	build    BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind /healthz and /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		health:   deps.HealthRepository,
		provider: strings.TrimSpace(deps.PaymentProvider),
		now:      func() time.Time { return clock().UTC() },
		build:    build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck, 1)
	}
	if _, exists := report.Checks[paymentsCheckName]; !exists {
		report.Checks[paymentsCheckName] = s.paymentsCheck(now)
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}
	return report, nil
}

// paymentsCheck reports which gateway issues payment links. A deployment
// without one still serves offline orders, so it is not degraded.
func (s *systemService) paymentsCheck(now time.Time) domain.SystemHealthCheck {
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, CheckedAt: now}
	if s.provider == "" {
		check.Detail = "payment links disabled"
		return check
	}
	check.Detail = "provider " + s.provider
	return check
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
