package factory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"volunteer-auth-service/internal/audit"
	"volunteer-auth-service/internal/bucketing"
	"volunteer-auth-service/internal/client"
	"volunteer-auth-service/internal/config"
	"volunteer-auth-service/internal/encryption"
	"volunteer-auth-service/internal/handler"
	"volunteer-auth-service/internal/hashing"
	"volunteer-auth-service/internal/mailer"
	chrepo "volunteer-auth-service/internal/repository/clickhouse"
	esrepo "volunteer-auth-service/internal/repository/elasticsearch"
	"volunteer-auth-service/internal/repository/memory"
	"volunteer-auth-service/internal/repository/postgres"
	redisrepo "volunteer-auth-service/internal/repository/redis"
	"volunteer-auth-service/internal/repository/scylla"
	"volunteer-auth-service/internal/service"
	"volunteer-auth-service/internal/session"
	"volunteer-auth-service/internal/tls"
	"volunteer-auth-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	postgresDB    *sqlx.DB
	clickhouseDB  *sql.DB
	kafkaProducer *client.KafkaProducer
	esClient      *client.ESClient

	// Stores
	volunteers service.VolunteerStore
	challenges *redisrepo.ChallengeStore
	dispatch   *redisrepo.DispatchWindowStore
	sessions   *redisrepo.SessionCache
	tickets    service.TicketStore
	index      service.TicketIndex
	auditRepo  *chrepo.AuditRepository

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	tokens            *session.Manager
	mailer            *mailer.Chain
	recorder          *audit.Recorder
	rateLimiter       *handler.IPRateLimiter

	// Services
	otpService    *service.OTPService
	emailService  *service.EmailChangeService
	adminService  *service.AdminService
	ticketService *service.TicketService

	background context.CancelFunc
	closeOnce  sync.Once
}

// NewFactory loads configuration, connects every backend the configuration
// enables and wires the services.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{config: cfg, logger: logger}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeStores(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeServices()

	bg, stop := context.WithCancel(context.Background())
	f.background = stop
	go f.rateLimiter.Run(bg, time.Minute)

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
		util.Bool("elasticsearch_enabled", cfg.Elasticsearch.Enabled),
	)
	return f, nil
}

// initializeClients connects the required backends and the optional ones
// their flags enable. Optional backends that fail outside production are
// skipped with a warning.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	redisClient, err := client.NewRedisClient(cfg, f.logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	if cfg.Store.Backend == "scylla" {
		scyllaClient, err := scylla.NewScyllaClient(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		if !cfg.IsProduction() {
			if err := scyllaClient.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("scylla schema: %w", err)
			}
		}

		db, err := client.NewPostgresDB(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.postgresDB = db
	}

	var optional []error

	if cfg.Clickhouse.Enabled {
		if db, err := client.NewClickHouseDB(cfg, f.logger); err != nil {
			optional = append(optional, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseDB = db
		}
	}

	if cfg.Kafka.Enabled {
		f.kafkaProducer = client.NewKafkaProducer(cfg, f.logger)
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			f.logger.Warn("Kafka not reachable yet, events will retry on publish", util.ErrorField(err))
		}
	}

	if cfg.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(cfg, f.logger); err != nil {
			optional = append(optional, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
		}
	}

	if len(optional) > 0 {
		if cfg.IsProduction() {
			return errors.Join(optional...)
		}
		for _, err := range optional {
			f.logger.Warn("Optional backend unavailable, continuing without it", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	cfg := f.config

	f.challenges = redisrepo.NewChallengeStore(f.redisClient)
	f.dispatch = redisrepo.NewDispatchWindowStore(f.redisClient, cfg.OTP.Window)
	f.sessions = redisrepo.NewSessionCache(f.redisClient)

	if f.scyllaClient != nil {
		f.volunteers = scylla.NewVolunteerRepository(f.scyllaClient, bucketing.NewBucketingManager(cfg), f.logger.Named("scylla"))
	} else {
		store := memory.NewVolunteerStore()
		if cfg.Store.SeedDemo {
			if err := store.SeedDemo(ctx); err != nil {
				return fmt.Errorf("seed demo volunteer: %w", err)
			}
			f.logger.Info("Seeded demo volunteer into the in-memory directory")
		}
		f.volunteers = store
	}

	if f.postgresDB != nil {
		repo := postgres.NewTicketRepository(f.postgresDB)
		if err := repo.EnsureTable(ctx); err != nil {
			return fmt.Errorf("support tickets table: %w", err)
		}
		f.tickets = repo
	} else {
		f.tickets = memory.NewTicketStore()
	}

	if f.esClient != nil {
		f.index = esrepo.NewTicketIndex(f.esClient, cfg.Elasticsearch.TicketIndex)
	}

	if f.clickhouseDB != nil {
		f.auditRepo = chrepo.NewAuditRepository(f.clickhouseDB)
		if err := f.auditRepo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config
	f.hasher = hashing.NewHasher(cfg)

	var awsCfg aws.Config
	if cfg.KMS.Enabled || cfg.Mail.SESEnabled {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		awsCfg = loaded
	}

	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	em, err := encryption.NewEncryptionManager(cfg, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	tokens, err := session.NewManager(cfg, f.logger)
	if err != nil {
		return err
	}
	f.tokens = tokens

	var providers []mailer.Provider
	if cfg.Mail.ResendAPIKey != "" {
		providers = append(providers, mailer.NewResendProvider(cfg.Mail.ResendBaseURL, cfg.Mail.ResendAPIKey,
			cfg.Mail.From, cfg.Mail.Subject, cfg.Mail.Timeout, f.logger.Named("mailer")))
	}
	if cfg.Mail.SESEnabled {
		ses := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) { o.Region = cfg.Mail.SESRegion })
		providers = append(providers, mailer.NewSESProvider(ses, cfg.Mail.SESFrom, cfg.Mail.Subject, f.logger.Named("mailer")))
	}
	if len(providers) == 0 {
		if cfg.IsProduction() {
			return errors.New("no mail provider configured")
		}
		f.logger.Warn("No mail provider configured, code requests will fail with dispatch_failed")
	}
	f.mailer = mailer.NewChain(f.logger.Named("mailer"), providers...)

	// Untyped nils keep the recorder's "sink disabled" checks honest.
	var archive audit.Archive
	if f.auditRepo != nil {
		archive = f.auditRepo
	}
	var publisher audit.Publisher
	if f.kafkaProducer != nil {
		publisher = f.kafkaProducer
	}
	f.recorder = audit.NewRecorder(archive, publisher, f.logger)

	f.rateLimiter = handler.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, f.logger.Named("ratelimit"))
	return nil
}

func (f *Factory) initializeServices() {
	logger := f.logger.Named("service")

	f.otpService = service.NewOTPService(service.OTPServiceDeps{
		Volunteers: f.volunteers,
		Challenges: f.challenges,
		Dispatch:   f.dispatch,
		Hasher:     f.hasher,
		Mailer:     f.mailer,
		Audit:      f.recorder,
		Sealer:     f.encryptionManager,
		Tokens:     f.tokens,
		Policy:     service.PolicyFromConfig(f.config.OTP),
		Subject:    f.config.Mail.Subject,
		Logger:     logger,
	})
	f.emailService = service.NewEmailChangeService(f.volunteers, f.challenges, f.dispatch, f.recorder, nil, logger)
	f.adminService = service.NewAdminService(f.volunteers, f.challenges, f.dispatch, f.recorder, nil, logger)
	f.ticketService = service.NewTicketService(f.tickets, f.index, f.volunteers, nil, logger)
}

// Router assembles the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	logger := f.logger.Named("http")
	return handler.NewRouter(handler.RouterConfig{
		RequireTLS:     f.config.Server.EnableTLS,
		AllowedOrigins: f.config.Server.AllowedCORS,
		Auth:           handler.NewAuthHandler(f.otpService, f.emailService, f.ticketService, f.sessions, logger),
		Admin:          handler.NewAdminHandler(f.adminService, f.emailService, f.ticketService, logger),
		VolunteerAuth:  handler.RequireRole(f.tokens, f.sessions, session.RoleVolunteer, logger),
		AdminAuth:      handler.RequireRole(f.tokens, f.sessions, session.RoleAdmin, logger),
		RateLimiter:    f.rateLimiter,
		HealthChecks:   f.HealthChecks(),
	}, logger)
}

// HealthChecks lists a probe for every connected backend.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"redis": f.redisClient.HealthCheck,
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.postgresDB != nil {
		checks["postgres"] = f.postgresDB.PingContext
	}
	if f.auditRepo != nil {
		checks["clickhouse"] = f.auditRepo.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	return checks
}

func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		f.logger.Info("Shutting down factory...")

		if f.background != nil {
			f.background()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.auditRepo != nil {
			if err := f.auditRepo.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse", util.ErrorField(err))
			}
		} else if f.clickhouseDB != nil {
			_ = f.clickhouseDB.Close()
		}

		if f.postgresDB != nil {
			if err := f.postgresDB.Close(); err != nil {
				f.logger.Error("Failed to close Postgres", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		f.logger.Info("Factory shutdown completed")
		util.Sync()
	})
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Tokens() *session.Manager {
	return f.tokens
}
