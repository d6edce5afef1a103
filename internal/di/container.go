package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/platform/config"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

// Infrastructure carries the concrete adapters the service layer is built on.
// Payments, Events and the metric sinks are optional.
type Infrastructure struct {
	Catalog  repositories.CatalogReader
	Orders   repositories.OrderRepository
	Stats    repositories.OrderStatsRepository
	Counters repositories.CounterRepository
	Health   repositories.HealthRepository
	Payments services.PaymentGateway
	Events   services.OrderEventPublisher

	ReconcileMetrics services.ReconcileMetrics
	LinkMetrics      services.PaymentLinkMetrics
	SweepMetrics     services.SweepMetrics

	Build  services.BuildInfo
	Clock  func() time.Time
	Logger func(component string) func(context.Context, string, map[string]any)
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Pricing    services.PricingEngine
	Orders     services.OrderService
	Reconciler services.OrderReconciler
	Sweeper    services.PaymentSweeper
	System     services.SystemService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config   config.Config
	Infra    Infrastructure
	Services Services
}

// NewContainer constructs the service graph. The sweeper is only built when a
// payment gateway is configured and the system service only when a health
// repository is supplied.
func NewContainer(cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Orders == nil {
		return nil, errors.New("di: order repository is required")
	}
	if infra.Catalog == nil {
		return nil, errors.New("di: catalog reader is required")
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}
	if infra.Logger == nil {
		infra.Logger = func(string) func(context.Context, string, map[string]any) { return nil }
	}

	svc, err := buildServices(cfg, infra)
	if err != nil {
		return nil, err
	}
	return &Container{Config: cfg, Infra: infra, Services: svc}, nil
}

func buildServices(cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Catalog:      infra.Catalog,
		EnforceStock: cfg.Orders.EnforceStock,
		Logger:       infra.Logger("pricing"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	reconciler, err := services.NewOrderReconciler(services.OrderReconcilerDeps{
		Orders:  infra.Orders,
		Events:  infra.Events,
		Metrics: infra.ReconcileMetrics,
		Clock:   infra.Clock,
		Logger:  infra.Logger("reconciler"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:         infra.Orders,
		Stats:          infra.Stats,
		Catalog:        infra.Catalog,
		Counters:       infra.Counters,
		Pricing:        pricing,
		Payments:       infra.Payments,
		Reconciler:     reconciler,
		Events:         infra.Events,
		Metrics:        infra.LinkMetrics,
		Currency:       cfg.Payments.Currency,
		ReturnURL:      cfg.Payments.ReturnURL,
		CancelURL:      cfg.Payments.CancelURL,
		OfflinePayment: cfg.Orders.OfflinePayment,
		PaymentTimeout: cfg.Payments.Timeout,
		Clock:          infra.Clock,
		Logger:         infra.Logger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if infra.Payments != nil {
		sweeper, err := services.NewPaymentSweeper(services.PaymentSweeperDeps{
			Orders:     infra.Orders,
			Payments:   infra.Payments,
			Reconciler: reconciler,
			Metrics:    infra.SweepMetrics,
			BatchSize:  cfg.Orders.SweepBatchSize,
			Clock:      infra.Clock,
			Logger:     infra.Logger("sweeper"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment sweeper: %w", err)
		}
		svc.Sweeper = sweeper
	}

	if infra.Health != nil {
		var provider string
		if infra.Payments != nil {
			provider = infra.Payments.DefaultProvider()
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: infra.Health,
			PaymentProvider:  provider,
			Clock:            infra.Clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
