package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/lock"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/startup"
)

const (
	depDatabase = "database"
	depRedis    = "redis"
	depEngine   = "engine"
	depConsumer = "kafka-consumer"
)

// runtime is the set of services one command runs against
type runtime struct {
	db       database.DB
	rdb      *redis.Client
	engine   *reconcile.Engine
	consumer *kafka.Consumer
	dlq      *kafka.DeadLetterProducer
	checker  *health.Checker
	startup  *startup.Startup
}

type runtimeOptions struct {
	migrate  bool
	consumer bool
}

// newRuntime registers every dependency the configuration asks for. Nothing connects until
// startup.Start runs.
func (a *App) newRuntime(opts runtimeOptions) *runtime {
	cfg := a.config
	rt := &runtime{
		checker: health.NewChecker(cfg.Version),
		startup: startup.NewStartup(a.logger, cfg.StartupMaxAttempts),
	}

	var engineRequires []string

	if cfg.DatabaseDriver == config.DriverPostgres {
		engineRequires = append(engineRequires, depDatabase)
		rt.startup.AddDependency(&startup.Dependency{
			Name: depDatabase,
			StartFunc: func(ctx context.Context) error {
				db, err := database.Connect(ctx, databaseConfig(cfg), a.logger)
				if err != nil {
					return err
				}
				if opts.migrate {
					if err := a.migrationService().MigratePostgres(db); err != nil {
						_ = db.Close()
						return err
					}
				}
				rt.db = db
				rt.checker.AddCheck(depDatabase, db.PingContext)
				return nil
			},
			StopFunc: func(context.Context) error {
				if rt.db == nil {
					return nil
				}
				return rt.db.Close()
			},
		})
	}

	if cfg.LockBackend == config.LockBackendRedis {
		engineRequires = append(engineRequires, depRedis)
		rt.startup.AddDependency(&startup.Dependency{
			Name: depRedis,
			StartFunc: func(ctx context.Context) error {
				rdb, err := lock.NewRedisClient(ctx, redisConfig(cfg), a.logger)
				if err != nil {
					return err
				}
				rt.rdb = rdb
				rt.checker.AddCheck(depRedis, func(ctx context.Context) error {
					return rdb.Ping(ctx).Err()
				})
				return nil
			},
			StopFunc: func(context.Context) error {
				if rt.rdb == nil {
					return nil
				}
				return rt.rdb.Close()
			},
		})
	}

	rt.startup.AddDependency(&startup.Dependency{
		Name:     depEngine,
		Requires: engineRequires,
		StartFunc: func(context.Context) error {
			engine, err := a.newEngine(rt)
			if err != nil {
				return err
			}
			rt.engine = engine
			return nil
		},
	})

	if opts.consumer && cfg.KafkaConsumerEnabled {
		rt.startup.AddDependency(&startup.Dependency{
			Name:     depConsumer,
			Requires: []string{depEngine},
			StartFunc: func(ctx context.Context) error {
				var deadLetter kafka.DeadLetterPublisher
				if cfg.KafkaDeadLetterTopic != "" {
					rt.dlq = kafka.NewDeadLetterProducer(producerConfig(cfg), a.logger)
					deadLetter = rt.dlq
				}
				rt.consumer = kafka.NewConsumer(consumerConfig(cfg), rt.engine, deadLetter, a.logger)
				rt.checker.AddCheck(depConsumer, func(context.Context) error {
					if !rt.consumer.Health() {
						return errors.New("consumer not running")
					}
					return nil
				})
				return rt.consumer.Start(ctx)
			},
			StopFunc: func(context.Context) error {
				var errs []error
				if rt.consumer != nil {
					errs = append(errs, rt.consumer.Stop())
				}
				if rt.dlq != nil {
					errs = append(errs, rt.dlq.Close())
				}
				return errors.Join(errs...)
			},
		})
	}

	return rt
}

func (a *App) newEngine(rt *runtime) (*reconcile.Engine, error) {
	cfg := a.config

	var store reconcile.ContactStore
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		store = contact.NewRepository(rt.db, a.logger)
	case config.DriverMemory:
		a.logger.Warn("Using the in-memory contact store; contacts are lost on exit")
		store = contact.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	var locker reconcile.Locker
	switch cfg.LockBackend {
	case config.LockBackendRedis:
		locker = lock.NewRedisLocker(rt.rdb, a.logger, cfg.LockKeyPrefix, cfg.LockTTL, cfg.LockWaitTimeout)
	default:
		locker = lock.NewLocalLocker()
	}

	phone, err := normalizers.Chain(cfg.ReconcilePhoneNormalizers...)
	if err != nil {
		return nil, fmt.Errorf("RECONCILE_PHONE_NORMALIZERS: %w", err)
	}

	return reconcile.NewEngine(store, locker, a.logger, reconcile.Options{
		MaxAttempts:     cfg.ReconcileMaxAttempts,
		Timeout:         cfg.ReconcileTimeout,
		PhoneNormalizer: phone,
	}), nil
}

func (a *App) migrationService() *database.MigrationService {
	cfg := a.config
	return database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(max(cfg.DatabaseMigrationVersion, 0)),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}
}

func redisConfig(cfg *config.Config) lock.RedisConfig {
	return lock.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func consumerConfig(cfg *config.Config) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:         cfg.KafkaBrokers,
		Topic:           cfg.KafkaInputTopic,
		ConsumerGroup:   cfg.KafkaConsumerGroup,
		MaxRetryBackoff: cfg.KafkaMaxRetryBackoff,
	}
}

func producerConfig(cfg *config.Config) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaDeadLetterTopic,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}
}
