package repositories

import (
	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/internal/infrastructure/repositories/memory"
	redisrepo "github.com/globalgrayhat/carcast/internal/infrastructure/repositories/redis"
	"github.com/globalgrayhat/carcast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateJoinRequestRepository creates the admission ledger store.
func (f *RepositoryFactory) CreateJoinRequestRepository() ports.JoinRequestRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisJoinRequestRepository(f.redisClient)
	}
	return memory.NewMemoryJoinRequestRepository()
}

// CreateSourceRepository creates the broadcast source reflection store.
func (f *RepositoryFactory) CreateSourceRepository() ports.SourceRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSourceRepository(f.redisClient)
	}
	return memory.NewMemorySourceRepository()
}

// CreateDeviceRepository creates the vehicle-key registry from config. Device
// records are static configuration, so memory only.
func (f *RepositoryFactory) CreateDeviceRepository() ports.DeviceRepository {
	devices := make([]domain.Device, 0, len(f.cfg.Vehicles))
	for _, v := range f.cfg.Vehicles {
		devices = append(devices, domain.Device{
			Key:         v.Key,
			Name:        v.Name,
			OwnerUserID: domain.UserID(v.OwnerUserID),
		})
	}
	return memory.NewMemoryDeviceRepository(devices)
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
