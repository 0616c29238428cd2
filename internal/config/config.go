package config // package config loads application configuration from environment variables

import (
	"log"  // log is used to report configuration errors and halt execution
	"os"   // os provides access to environment variables
	"time" // time parses duration values
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable.  The database fields are only required when
// the MySQL store driver is selected; the in-memory driver needs none.
type Config struct {
	Env              string        // application environment (e.g. "dev", "prod")
	Port             string        // HTTP port to listen on
	StoreDriver      string        // "mysql" (default) or "memory"
	DBUser           string        // database username
	DBPass           string        // database password (optional)
	DBHost           string        // database host address
	DBPort           string        // database port number
	DBName           string        // database name
	BlockTokenSecret string        // secret used to sign offline-block hand-off tokens
	BlockTokenTTL    time.Duration // synchronization window of a hand-off token
	StageCacheTTL    time.Duration // redis TTL for cached active stages
}

// Load reads configuration values from environment variables and returns
// a Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	cfg := Config{
		Env:              must("APP_ENV"),  // environment (dev/test/prod)
		Port:             must("APP_PORT"), // port to bind the HTTP server
		StoreDriver:      envStr("STORE_DRIVER", "mysql"),
		BlockTokenSecret: must("BLOCK_TOKEN_SECRET"),
		BlockTokenTTL:    envDur("BLOCK_TOKEN_TTL", 7*24*time.Hour),
		StageCacheTTL:    envDur("STAGE_CACHE_TTL", 5*time.Second),
	}
	if cfg.StoreDriver == "mysql" {
		cfg.DBUser = must("DB_USER")      // database user
		cfg.DBPass = os.Getenv("DB_PASS") // database password (empty allowed)
		cfg.DBHost = must("DB_HOST")      // database host
		cfg.DBPort = must("DB_PORT")      // database port
		cfg.DBName = must("DB_NAME")      // database name
	}
	return cfg
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
