package data

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	archivedata "github.com/artvault/artvault/internal/archive/data"
	"github.com/artvault/artvault/internal/conf"
	"github.com/artvault/artvault/internal/pkg/database"
	"github.com/artvault/artvault/internal/pkg/logger"
	"github.com/artvault/artvault/internal/pkg/minio"
	"github.com/artvault/artvault/internal/pkg/redis"
)

// Data bundles the shared infrastructure connections
type Data struct {
	DB     *database.DB
	Redis  *redis.Client
	MinIO  *minio.Client
	Logger *logger.Logger
}

// NewData connects the database, redis and object storage, runs the
// schema migration and returns a cleanup function for shutdown.
func NewData(config *conf.Config, log *logger.Logger) (*Data, func(), error) {
	db, err := database.New(&config.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init database: %w", err)
	}

	if config.Database.AutoMigrate {
		if err := archivedata.AutoMigrate(context.Background(), db.GetDB()); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	redisClient, err := redis.New(&config.Redis, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init redis: %w", err)
	}

	minioClient, err := minio.NewClient(&config.MinIO, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init minio: %w", err)
	}
	if err := minioClient.EnsureBucket(context.Background(), config.MinIO.Bucket); err != nil {
		return nil, nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	d := &Data{
		DB:     db,
		Redis:  redisClient,
		MinIO:  minioClient,
		Logger: log,
	}

	cleanup := func() {
		log.Info("cleaning up data resources")

		if err := db.Close(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
		if err := redisClient.Close(); err != nil {
			log.Error("failed to close redis", zap.Error(err))
		}
	}

	return d, cleanup, nil
}
