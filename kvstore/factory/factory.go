// Package factory selects a kvstore backend from the environment.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stackoverworld/fyreflow/internal/config"
	"github.com/stackoverworld/fyreflow/kvstore"
	"github.com/stackoverworld/fyreflow/kvstore/memory"
	redisstore "github.com/stackoverworld/fyreflow/kvstore/redis"
	sqlitestore "github.com/stackoverworld/fyreflow/kvstore/sqlite"
)

func FromEnv(ctx context.Context) (kvstore.Store, error) {
	_ = ctx

	backend := strings.ToLower(strings.TrimSpace(getenv("FYREFLOW_KV_BACKEND", "sqlite")))
	switch backend {
	case "sqlite":
		path := getenv("FYREFLOW_SQLITE_PATH", "./.fyreflow/client.db")
		return sqlitestore.New(path)

	case "redis":
		addr := getenv("FYREFLOW_REDIS_ADDR", "127.0.0.1:6379")
		password := strings.TrimSpace(os.Getenv("FYREFLOW_REDIS_PASSWORD"))
		db := config.ParseIntEnv("FYREFLOW_REDIS_DB", 0)
		ttl := config.ParseDurationEnv("FYREFLOW_REDIS_TTL", 72*time.Hour)
		return redisstore.New(addr,
			redisstore.WithPassword(password),
			redisstore.WithDB(db),
			redisstore.WithTTL(ttl),
		)

	case "memory":
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported FYREFLOW_KV_BACKEND %q (use sqlite, redis, or memory)", backend)
	}
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}
