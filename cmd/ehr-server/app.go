package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/config"
	"github.com/mentalspace/ehr/internal/domain/admin"
	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/domain/clinical"
	"github.com/mentalspace/ehr/internal/domain/identity"
	"github.com/mentalspace/ehr/internal/domain/patient"
	"github.com/mentalspace/ehr/internal/domain/scheduling"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/blobstore"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/internal/platform/events"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
)

const (
	keyCacheTTL    = 5 * time.Minute
	domainCacheTTL = 10 * time.Minute
)

// app holds the dependency graph shared by the server and the CLI commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	codec       *hipaa.Codec
	policy      *auth.Engine
	tokens      *auth.TokenIssuer
	revocations auth.RevocationStore
	publisher   events.Publisher
	exports     blobstore.ObjectStore
	recorder    *auditlog.Recorder

	tenants      *admin.Service
	users        *identity.Service
	patients     *patient.Service
	appointments *scheduling.Service
	notes        *clinical.Service
	audit        *auditlog.Service

	closers []io.Closer
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(os.Getenv("ENV")), err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "ehr-server",
	})
}

// keyProvider builds the tenant key provider selected by KEY_PROVIDER.
// Remote providers are wrapped in a short-lived cache.
func keyProvider(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (hipaa.KeyProvider, error) {
	switch cfg.KeyProvider {
	case config.KeyProviderDerived:
		master, err := hex.DecodeString(cfg.FieldKey)
		if err != nil {
			return nil, fmt.Errorf("decode FIELD_ENCRYPTION_KEY: %w", err)
		}
		p, err := hipaa.NewDerivedKeyProvider(master, 1)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.KeyProviderVault:
		p, err := hipaa.NewVaultKeyProvider(hipaa.VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultMount,
			Path:    cfg.VaultKeyPath,
		})
		if err != nil {
			return nil, err
		}
		return hipaa.NewCachedKeyProvider(p, keyCacheTTL), nil
	case config.KeyProviderKMS:
		if pool == nil {
			return nil, fmt.Errorf("KEY_PROVIDER=kms needs a database for wrapped keys")
		}
		p, err := hipaa.NewKMSKeyProvider(ctx, hipaa.KMSConfig{KeyID: cfg.KMSKeyID, Region: cfg.AWSRegion},
			hipaa.NewWrappedKeyStorePG(pool))
		if err != nil {
			return nil, err
		}
		return hipaa.NewCachedKeyProvider(p, keyCacheTTL), nil
	}
	return nil, fmt.Errorf("unknown key provider %q", cfg.KeyProvider)
}

// newApp connects to every backing service and wires the domain services.
// Redis, Kafka and S3 are optional; their in-process fallbacks are used
// when unset.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	keys, err := keyProvider(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}
	a.codec = hipaa.NewCodec(keys, logger)
	a.policy = auth.NewEngine(logger)

	a.tokens, err = auth.NewTokenIssuer(auth.TokenConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	var domainCache admin.DomainCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.redis)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup")
		}
		a.revocations = auth.NewRedisRevocationStore(a.redis, "ehr:revoked:")
		domainCache = admin.NewRedisDomainCache(a.redis, domainCacheTTL)
	} else {
		mem := auth.NewMemoryRevocationStore()
		a.closers = append(a.closers, closerFunc(mem.Close))
		a.revocations = mem
		logger.Warn().Msg("REDIS_URL not set, token revocations are kept in memory")
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kp)
		a.publisher = kp
	} else {
		a.publisher = events.NopPublisher{}
	}

	if cfg.ExportBucket != "" {
		a.exports, err = blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:   cfg.ExportBucket,
			Region:   cfg.AWSRegion,
			KMSKeyID: cfg.KMSKeyID,
		})
		if err != nil {
			return nil, err
		}
	} else {
		a.exports = blobstore.NewMemoryStore()
	}

	tx := db.NewTransactor(pool, logger)
	a.recorder = auditlog.NewRecorder(auditlog.NewRepoPG(pool), a.codec, a.publisher, logger)
	a.audit = auditlog.NewService(a.recorder, a.policy, a.exports)
	a.tenants = admin.NewService(admin.NewTenantRepoPG(pool), domainCache, logger)
	a.users = identity.NewService(identity.Deps{
		Users:       identity.NewUserRepoPG(pool),
		Tenants:     a.tenants,
		Tokens:      a.tokens,
		Revocations: a.revocations,
		Policy:      a.policy,
		Tx:          tx,
		Codec:       a.codec,
		Audit:       a.recorder,
		Logger:      logger,
	})
	a.patients = patient.NewService(patient.Deps{
		Repo:   patient.NewRepoPG(pool),
		Users:  a.users,
		Policy: a.policy,
		Tx:     tx,
		Codec:  a.codec,
		Audit:  a.recorder,
		Logger: logger,
	})
	a.appointments = scheduling.NewService(scheduling.Deps{
		Appointments:     scheduling.NewAppointmentRepoPG(pool),
		Patients:         a.patients,
		Users:            a.users,
		Policy:           a.policy,
		Tx:               tx,
		Audit:            a.recorder,
		TelevisitBaseURL: cfg.TelevisitURL,
		Logger:           logger,
	})
	a.notes = clinical.NewService(clinical.Deps{
		Notes:        clinical.NewNoteRepoPG(pool),
		Patients:     a.patients,
		Users:        a.users,
		Appointments: a.appointments,
		Policy:       a.policy,
		Tx:           tx,
		Audit:        a.recorder,
		Logger:       logger,
	})

	ok = true
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
