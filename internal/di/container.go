package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/payments"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/config"
	pfirestore "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/firestore"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/idempotency"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/observability"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
	firestoreRepo "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories/firestore"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories/memory"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Stock    services.StockLedger
	Orders   services.OrderService
	Payments services.PaymentService
	Receipts services.ReceiptService
}

// Collaborators are the outbound adapters built by the caller from its own clients. Only
// Gateway is required; nil publishers and archive disable those side effects.
type Collaborators struct {
	Gateway  payments.Gateway
	Receipts services.ReceiptPublisher
	Events   services.EventPublisher
	Archive  services.WebhookArchiver
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Container wires repositories, services, and the idempotency store for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Idempotency  idempotency.Store

	closers []func(context.Context) error
}

// NewContainer constructs the runtime dependencies around reg. Tests pass a memory
// registry; production passes the result of NewRegistry.
func NewContainer(cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	svc, err := buildServices(reg, cfg, collab)
	if err != nil {
		return nil, err
	}
	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the idempotency backend and repository clients, in reverse order of
// acquisition.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddCloser registers fn to run on Close.
func (c *Container) AddCloser(fn func(context.Context) error) {
	if c != nil && fn != nil {
		c.closers = append(c.closers, fn)
	}
}

// NewRegistry selects the persistence backend named by cfg.Persistence. The Firestore
// provider is returned so the idempotency store can share its client; it is nil for the
// memory backend.
func NewRegistry(cfg config.Config, clock func() time.Time, probes ...repositories.DependencyProbe) (repositories.Registry, *pfirestore.Provider, error) {
	switch cfg.Persistence {
	case config.PersistenceMemory:
		return memory.NewRegistry(), nil, nil
	case config.PersistenceFirestore, "":
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider, clock, probes...)
		if err != nil {
			return nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, provider, nil
	default:
		return nil, nil, fmt.Errorf("unsupported persistence backend %q", cfg.Persistence)
	}
}

// NewIdempotencyStore selects the store named by cfg.Idempotency.Backend. The returned
// probe is non-nil for backends with their own connection. The closer is always safe to call.
func NewIdempotencyStore(cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, *repositories.DependencyProbe, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendMemory:
		return idempotency.NewMemoryStore(), nil, noop, nil
	case config.IdempotencyBackendRedis:
		store, closeFn := idempotency.NewRedisStore(idempotency.RedisOptions{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
			DB:       cfg.Idempotency.RedisDB,
		})
		probe := &repositories.DependencyProbe{Name: "redis", Check: store.Ping}
		return store, probe, func(context.Context) error { return closeFn() }, nil
	case config.IdempotencyBackendFirestore, "":
		if provider == nil {
			return nil, nil, nil, errors.New("firestore idempotency store requires firestore persistence")
		}
		return idempotency.NewFirestoreStore(provider), nil, noop, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency backend %q", cfg.Idempotency.Backend)
	}
}

// NewStores builds the idempotency store and the registry together. Backends with their
// own connection are created first so their probe joins the registry's readiness report;
// the Firestore store is created last because it shares the registry's provider.
func NewStores(cfg config.Config, clock func() time.Time, probes ...repositories.DependencyProbe) (repositories.Registry, idempotency.Store, func(context.Context) error, error) {
	var (
		store   idempotency.Store
		closeFn = func(context.Context) error { return nil }
	)
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendFirestore, "":
	default:
		s, probe, c, err := NewIdempotencyStore(cfg, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		store, closeFn = s, c
		if probe != nil {
			probes = append(probes, *probe)
		}
	}

	reg, provider, err := NewRegistry(cfg, clock, probes...)
	if err != nil {
		_ = closeFn(context.Background())
		return nil, nil, nil, err
	}
	if store == nil {
		s, _, _, err := NewIdempotencyStore(cfg, provider)
		if err != nil {
			_ = reg.Close(context.Background())
			return nil, nil, nil, err
		}
		store = s
	}
	return reg, store, closeFn, nil
}

func buildServices(reg repositories.Registry, cfg config.Config, collab Collaborators) (Services, error) {
	if collab.Gateway == nil {
		return Services{}, errors.New("payment gateway is required")
	}
	clock := collab.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := collab.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var svc Services

	stock, err := services.NewStockLedger(services.StockLedgerDeps{
		Products: reg.Products(),
		Events:   collab.Events,
		Clock:    clock,
		Logger:   observability.EventLogger(logger.Named("stock")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}
	svc.Stock = stock

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:                     reg.Orders(),
		Stock:                      stock,
		Events:                     collab.Events,
		Clock:                      clock,
		ModificationWindow:         cfg.Orders.ModificationWindow,
		AllowMissingIdempotencyKey: !cfg.Orders.RequireIdempotency,
		OrderNumberPrefix:          cfg.Orders.NumberPrefix,
		Currency:                   cfg.PSP.Currency,
		Logger:                     observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	receiptSvc, err := services.NewReceiptService(services.ReceiptServiceDeps{
		Orders:    reg.Orders(),
		Publisher: collab.Receipts,
		Clock:     clock,
		Logger:    observability.EventLogger(logger.Named("receipts")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build receipt service: %w", err)
	}
	svc.Receipts = receiptSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:         reg.Orders(),
		Ledger:         reg.Payments(),
		Gateway:        collab.Gateway,
		Receipts:       receiptSvc,
		Events:         collab.Events,
		Archive:        collab.Archive,
		Clock:          clock,
		ReconcileAfter: cfg.PSP.ReconcileAfter,
		ReconcileBatch: cfg.PSP.ReconcileBatch,
		Logger:         observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	return svc, nil
}
