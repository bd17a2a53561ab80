package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/artvault/artvault/internal/iqdb"
	"github.com/artvault/artvault/internal/media"
	"github.com/artvault/artvault/internal/pkg/database"
	"github.com/artvault/artvault/internal/pkg/logger"
	"github.com/artvault/artvault/internal/pkg/minio"
	"github.com/artvault/artvault/internal/pkg/redis"
	"github.com/artvault/artvault/internal/pkg/workerpool"
)

type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Database   database.Config `mapstructure:"database"`
	Redis      redis.Config    `mapstructure:"redis"`
	MinIO      minio.Config    `mapstructure:"minio"`
	Log        logger.Config   `mapstructure:"log"`
	Similarity iqdb.Config     `mapstructure:"similarity"`
	Media      media.Config    `mapstructure:"media"`
	Worker     WorkerConfig    `mapstructure:"worker"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type WorkerConfig struct {
	Pool         workerpool.Config `mapstructure:"pool"`
	PollInterval time.Duration     `mapstructure:"pollinterval"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Worker.PollInterval <= 0 {
		config.Worker.PollInterval = time.Second
	}
	if config.Worker.Pool.Workers <= 0 {
		config.Worker.Pool = *workerpool.DefaultConfig()
	}

	return &config, nil
}
