package main // Entry point package

import (
	"log" // Logging library

	"github.com/joho/godotenv" // Loads .env files into the environment
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/dvalera/taquilla-pos/internal/config"
	"github.com/dvalera/taquilla-pos/internal/database"
	"github.com/dvalera/taquilla-pos/internal/handler"
	"github.com/dvalera/taquilla-pos/internal/repository"
	"github.com/dvalera/taquilla-pos/internal/router"
	"github.com/dvalera/taquilla-pos/internal/service"
	"github.com/dvalera/taquilla-pos/internal/store"
)

func main() {
	// Load .env when present; real deployments set the environment directly.
	_ = godotenv.Load()
	cfg := config.Load()

	// Select the persistence backend.  MySQL is the production store; the
	// in-memory store exists for local development and tests.
	var st store.Store
	switch cfg.StoreDriver {
	case "mysql":
		db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		if err := database.Migrate(db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		st = repository.NewSQLStore(db)
	case "memory":
		st = store.NewMemStore()
	default:
		log.Fatalf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	// Redis is optional: without it the stage cache, response cache and
	// rate limiter all degrade to pass-through.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable; stage cache, response cache and rate limiting disabled")
	}

	alloc := service.NewAllocator(st)
	engine := service.NewEngine(st, service.NewStageCache(rdb, cfg.StageCacheTTL, "stage"))

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.Logger())

	router.RegisterRoutes(e)
	router.RegisterFiscal(e, handler.NewFiscalHandler(alloc, cfg.BlockTokenSecret, cfg.BlockTokenTTL))
	router.RegisterPricing(e, handler.NewPricingHandler(engine), rdb)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s store=%s)", addr, cfg.Env, cfg.StoreDriver)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
