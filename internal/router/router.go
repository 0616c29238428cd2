package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dvalera/taquilla-pos/internal/config"
	"github.com/dvalera/taquilla-pos/internal/handler"
	"github.com/dvalera/taquilla-pos/internal/middleware"
)

// RegisterRoutes registers the operational endpoints on the provided
// Echo instance: the health check used by load balancers and the
// Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterFiscal registers the fiscal series routes under a tenant
// prefix.  Issue, reservation and merge are writes and are never cached;
// the block listing is read-only audit data.
func RegisterFiscal(e *echo.Echo, f *handler.FiscalHandler) {
	g := e.Group("/v1/tenants/:tenant/fiscal")
	// Issue the next consecutive number on a channel (online by default).
	g.POST("/issue", f.Issue)
	// Reserve an offline block for a terminal about to go off-network.
	g.POST("/blocks", f.ReserveBlock)
	// List a tenant's blocks for audit and operator tooling.
	g.GET("/blocks", f.ListBlocks)
	// Merge an offline terminal's sales back into the tenant's record.
	g.POST("/blocks/:channel/merge", f.Merge)
}

// RegisterPricing registers the stage engine routes under a scope
// prefix.  The quote endpoint is the hot read path: it gets the Redis
// response cache and a token-bucket rate limit when Redis is available.
// Every mutating route stays uncached.
func RegisterPricing(e *echo.Echo, p *handler.PricingHandler, rdb *redis.Client) {
	g := e.Group("/v1/scopes/:scope/price")

	cacheCfg := config.LoadCacheConfig()
	rlCfg := config.LoadRateLimitConfig()
	g.GET("/quote", p.Quote,
		middleware.NewTokenBucket(rlCfg, rdb),
		middleware.NewRedisCache(cacheCfg, rdb),
	)

	g.GET("/stage", p.ActiveStage)
	g.POST("/attributions", p.Attribute)
	g.POST("/releases", p.Release)
	g.POST("/advance", p.Advance)
	g.GET("/stages", p.Stages)
	g.POST("/stages", p.CreateStage)
	g.DELETE("/stages/:stage", p.DisableStage)
	g.PUT("/rows/:row", p.SetRowMarkup)
	g.GET("/transitions", p.Transitions)
}
