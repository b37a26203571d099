package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stagewire/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	schemaLockKey        = keyPrefix + "schema:lock"
	schemaLockTTL        = 10 * time.Second
	currentSchemaVersion = 1
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error
}

// Migrate runs all pending migrations. Clients starting together serialize
// on a schema lock so every migration runs once.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, schemaLockKey, schemaLockTTL)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to lock schema: %w", err)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warnw("failed to release schema lock", "error", err)
		}
	}()

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date",
			"current_version", currentVersion,
			"target_version", currentSchemaVersion,
		)
		return nil
	}

	for _, migration := range migrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", migration.Version)

		if err := migration.Up(ctx, client, logger); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func migrations() []Migration {
	return []Migration{
		{
			// Removal events for entries that outlive their heartbeat come
			// from expired key events.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
				current, err := client.ConfigGet(ctx, "notify-keyspace-events").Result()
				if err != nil {
					logger.Warnw("cannot read keyspace notification config, expiry removals depend on server config", "error", err)
					return nil
				}
				flags := current["notify-keyspace-events"]
				if hasExpiredEvents(flags) {
					return nil
				}
				if err := client.ConfigSet(ctx, "notify-keyspace-events", flags+"Ex").Err(); err != nil {
					logger.Warnw("cannot enable keyspace notifications, expiry removals depend on server config", "error", err)
				}
				return nil
			},
		},
	}
}

// hasExpiredEvents reports whether a notify-keyspace-events value already
// publishes expired events on the keyevent channel.
func hasExpiredEvents(flags string) bool {
	keyevent := strings.ContainsRune(flags, 'E')
	expired := strings.ContainsRune(flags, 'x') || strings.ContainsRune(flags, 'A')
	return keyevent && expired
}
