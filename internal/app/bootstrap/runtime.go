package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/kargo-relay/internal/config"
	"github.com/wolfman30/kargo-relay/internal/messaging"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available; duplicate-send guard disabled", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildLedger wraps the Redis client in a send ledger; nil without Redis.
func BuildLedger(client *redis.Client, cfg *appconfig.Config, logger *logging.Logger) *messaging.Ledger {
	if client == nil || cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("duplicate-send guard enabled", "ttl", cfg.LedgerTTL.String())
	return messaging.NewLedger(client, cfg.LedgerTTL)
}
