package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if current >= currentSchemaVersion {
		logger.Debugw("schema is up to date", "version", current)
		return nil
	}

	for _, m := range migrations() {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersion, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("migrations completed", "version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersion).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "record key layout",
			Up: func(ctx context.Context, client *redis.Client) error {
				return client.HSet(ctx, metaKey,
					"stream_prefix", keyPrefix+"signals:",
					"notify_prefix", keyPrefix+"notify:",
					"created_at", time.Now().UTC().Format(time.RFC3339),
				).Err()
			},
		},
		{
			Version:     2,
			Description: "session index and lock prefix",
			Up: func(ctx context.Context, client *redis.Client) error {
				return client.HSet(ctx, metaKey,
					"sessions_key", sessionsKey,
					"lock_prefix", keyPrefix+"lock:",
				).Err()
			},
		},
	}
}
