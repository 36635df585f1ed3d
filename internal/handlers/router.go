package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

const (
	groupOrders   = "orders"
	groupPayments = "payments"
	groupAdmin    = "admin"
	groupWebhooks = "webhooks"
	groupInternal = "internal"
)

// mountOrder fixes the order in which groups are mounted under the API prefix.
var mountOrder = []string{groupOrders, groupPayments, groupAdmin, groupWebhooks, groupInternal}

type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: probes at the root and one group per area under
// /api/v1. Groups without a registrar answer 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		groups: make(map[string]*routeGroup, len(mountOrder)),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(defaultAPIPrefix, func(api chi.Router) {
		for _, name := range mountOrder {
			g := cfg.group(name)
			api.Route("/"+name, func(sub chi.Router) {
				for _, mw := range g.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.registrar == nil {
					notImplemented(sub, name)
					return
				}
				g.registrar(sub)
			})
		}
	})

	return r
}

// WithMiddlewares appends global middleware; they run after the chi defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func withGroupRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(name).registrar = reg
	}
}

func withGroupMiddlewares(name string, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithOrderRoutes mounts the customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupOrders, reg) }

// WithPaymentRoutes mounts payment confirmation.
func WithPaymentRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupPayments, reg) }

func WithAdminRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupAdmin, reg) }

// WithWebhookRoutes mounts gateway callbacks. They carry no user token.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupWebhooks, reg) }

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalRoutes mounts scheduler-facing endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupInternal, reg) }

// WithInternalMiddlewares guards the internal group, typically with OIDC.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}

func notImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
