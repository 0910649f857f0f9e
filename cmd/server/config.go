package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type config struct {
	httpAddr string

	mysqlDSN  string
	redisAddr string

	webhookSecret string

	storefrontBaseURL    string
	storefrontToken      string
	storefrontLocationID string

	marketplaceBaseURL string
	marketplaceToken   string
	breakerCooldown    time.Duration

	workers       int
	queueSize     int
	priceDriftPct float64

	pendingInterval time.Duration
	ordersInterval  time.Duration
	activeInterval  time.Duration

	logLevel string
}

// loadConfig parses flags, then fills anything the command line left alone
// from the environment. Flags win over env vars so a one-off override never
// requires editing the deployment manifest.
func loadConfig() config {
	var c config

	flag.StringVar(&c.httpAddr, "http-addr", ":8080", "HTTP listen address (env: HTTP_ADDR)")

	flag.StringVar(&c.mysqlDSN, "mysql-dsn", "root:root@tcp(localhost:3306)/stockmirror?parseTime=true", "MySQL DSN (secret; prefer env MYSQL_DSN)")
	flag.StringVar(&c.redisAddr, "redis-addr", "localhost:6379", "Redis address (env: REDIS_ADDR)")

	flag.StringVar(&c.webhookSecret, "webhook-secret", "", "storefront webhook HMAC secret (secret; prefer env WEBHOOK_SECRET)")

	flag.StringVar(&c.storefrontBaseURL, "storefront-base-url", "", "storefront admin API base URL (env: STOREFRONT_BASE_URL)")
	flag.StringVar(&c.storefrontToken, "storefront-token", "", "storefront admin API token (secret; prefer env STOREFRONT_TOKEN)")
	flag.StringVar(&c.storefrontLocationID, "storefront-location", "primary", "storefront inventory location ID (env: STOREFRONT_LOCATION_ID)")

	flag.StringVar(&c.marketplaceBaseURL, "marketplace-base-url", "", "marketplace API base URL (env: MARKETPLACE_BASE_URL)")
	flag.StringVar(&c.marketplaceToken, "marketplace-token", "", "marketplace API token (secret; prefer env MARKETPLACE_TOKEN)")
	flag.DurationVar(&c.breakerCooldown, "breaker-cooldown", 5*time.Minute, "order placement suspension after funds/auth failure (env: BREAKER_COOLDOWN)")

	flag.IntVar(&c.workers, "workers", 8, "event worker count (env: WORKERS)")
	flag.IntVar(&c.queueSize, "queue-size", 1024, "per-worker event queue size (env: QUEUE_SIZE)")
	flag.Float64Var(&c.priceDriftPct, "price-drift", 0.10, "relative price drift tolerated before holding a placement, e.g. 0.10 = 10% (env: PRICE_DRIFT_TOLERANCE)")

	flag.DurationVar(&c.pendingInterval, "poll-pending", time.Minute, "sweep interval for listings pending remote placement (env: POLL_PENDING_INTERVAL)")
	flag.DurationVar(&c.ordersInterval, "poll-orders", time.Hour, "sweep interval for order history of recently sold listings (env: POLL_ORDERS_INTERVAL)")
	flag.DurationVar(&c.activeInterval, "poll-active", 24*time.Hour, "sweep interval for the active listing backstop (env: POLL_ACTIVE_INTERVAL)")

	flag.StringVar(&c.logLevel, "log-level", "info", "debug|info|warn|error (env: LOG_LEVEL)")

	flag.Parse()

	// Track which flags were explicitly set so environment variables can act
	// as defaults. This keeps the binary convenient to run in containers
	// without committing files that hold secrets.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	applyEnvString := func(flagName, envKey string, dst *string) {
		if set[flagName] {
			return
		}
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			*dst = v
		}
	}
	applyEnvInt := func(flagName, envKey string, dst *int) {
		if set[flagName] {
			return
		}
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fatalf("invalid %s=%q (expected int): %v", envKey, v, err)
			}
			*dst = n
		}
	}
	applyEnvFloat := func(flagName, envKey string, dst *float64) {
		if set[flagName] {
			return
		}
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fatalf("invalid %s=%q (expected float): %v", envKey, v, err)
			}
			*dst = f
		}
	}
	applyEnvDuration := func(flagName, envKey string, dst *time.Duration) {
		if set[flagName] {
			return
		}
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fatalf("invalid %s=%q (expected duration like 90s or 5m): %v", envKey, v, err)
			}
			*dst = d
		}
	}

	applyEnvString("http-addr", "HTTP_ADDR", &c.httpAddr)
	applyEnvString("mysql-dsn", "MYSQL_DSN", &c.mysqlDSN)
	applyEnvString("redis-addr", "REDIS_ADDR", &c.redisAddr)
	applyEnvString("webhook-secret", "WEBHOOK_SECRET", &c.webhookSecret)
	applyEnvString("storefront-base-url", "STOREFRONT_BASE_URL", &c.storefrontBaseURL)
	applyEnvString("storefront-token", "STOREFRONT_TOKEN", &c.storefrontToken)
	applyEnvString("storefront-location", "STOREFRONT_LOCATION_ID", &c.storefrontLocationID)
	applyEnvString("marketplace-base-url", "MARKETPLACE_BASE_URL", &c.marketplaceBaseURL)
	applyEnvString("marketplace-token", "MARKETPLACE_TOKEN", &c.marketplaceToken)
	applyEnvDuration("breaker-cooldown", "BREAKER_COOLDOWN", &c.breakerCooldown)
	applyEnvInt("workers", "WORKERS", &c.workers)
	applyEnvInt("queue-size", "QUEUE_SIZE", &c.queueSize)
	applyEnvFloat("price-drift", "PRICE_DRIFT_TOLERANCE", &c.priceDriftPct)
	applyEnvDuration("poll-pending", "POLL_PENDING_INTERVAL", &c.pendingInterval)
	applyEnvDuration("poll-orders", "POLL_ORDERS_INTERVAL", &c.ordersInterval)
	applyEnvDuration("poll-active", "POLL_ACTIVE_INTERVAL", &c.activeInterval)
	applyEnvString("log-level", "LOG_LEVEL", &c.logLevel)

	if c.webhookSecret == "" {
		fatalf("webhook secret is required (set WEBHOOK_SECRET or --webhook-secret)")
	}
	if c.storefrontBaseURL == "" || c.storefrontToken == "" {
		fatalf("storefront credentials are required (set STOREFRONT_BASE_URL and STOREFRONT_TOKEN)")
	}
	if c.marketplaceBaseURL == "" || c.marketplaceToken == "" {
		fatalf("marketplace credentials are required (set MARKETPLACE_BASE_URL and MARKETPLACE_TOKEN)")
	}
	if c.priceDriftPct < 0 || c.priceDriftPct >= 1 {
		fatalf("invalid price drift tolerance %v (expected 0 <= v < 1)", c.priceDriftPct)
	}

	return c
}

func (c config) slogLevel() slog.Level {
	switch strings.ToLower(c.logLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
