package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/course-settlement/cache"
	"github.com/yeremiapane/course-settlement/config"
	"github.com/yeremiapane/course-settlement/controllers"
	"github.com/yeremiapane/course-settlement/database"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/kafka"
	"github.com/yeremiapane/course-settlement/middlewares"
	"github.com/yeremiapane/course-settlement/router"
	"github.com/yeremiapane/course-settlement/services"
	"github.com/yeremiapane/course-settlement/utils"
	"gorm.io/gorm"
)

// App holds every long-lived component of the settlement service.
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Ledger  *services.GormPaymentLedger
	Service *services.SettlementService
	Monitor *services.PaymentMonitor
	Router  *gin.Engine

	closers []func() error
}

// Build connects to the database and wires the application.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := config.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, db)
}

// New wires the application on an open database. Optional collaborators
// (kafka, redis) are only used when configured.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB) (*App, error) {
	a := &App{Config: cfg, DB: db}
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		a.Close()
		return nil, err
	}

	registry, err := NewRegistry(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid SNOWFLAKE_NODE: %w", err)
	}

	enrollments := services.NewGormEnrollmentStore(db)
	activators := services.ActivatorChain{enrollments}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := kafka.NewProducer(brokers, cfg.KafkaEnrollmentTopic)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, producer.Close)
		activators = append(activators, producer)
	}

	var lock services.SweepLock
	if cfg.RedisAddr != "" {
		client, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		lock = cache.NewRedisLease(client, cache.SweepLeaseKey)
	} else {
		utils.ErrorLogger.Warn("REDIS_ADDR not set, reconciliation sweep runs without a lease")
	}

	a.Ledger = services.NewGormPaymentLedger(db, enrollments, node)
	a.Service = services.NewSettlementService(
		a.Ledger,
		registry,
		services.NewGormPriceQuoter(db),
		activators,
		services.NewPaymentMetrics(),
		services.SettlementConfig{
			Currency:      cfg.Currency,
			PaymentWindow: cfg.PaymentWindow,
			QueryGateway:  cfg.ReconcileQueryGateway,
			HardExpiry:    cfg.ReconcileHardExpiry,
			BatchSize:     cfg.ReconcileBatchSize,
		},
	)
	a.Monitor = services.NewPaymentMonitor(a.Service, lock, cfg.ReconcileInterval)

	gin.SetMode(cfg.GinMode)
	a.Router = router.SetupRouter(router.Options{
		Payments:        controllers.NewPaymentController(a.Service),
		Webhooks:        controllers.NewWebhookController(a.Service, cfg.FrontendURL),
		Admin:           controllers.NewAdminController(a.Service, a.Monitor),
		JWTSecret:       []byte(cfg.JWTSecret),
		FrontendURL:     cfg.FrontendURL,
		PurchaseLimiter: middlewares.NewRateLimiter(6*time.Second, 10),
	})

	utils.InfoLogger.WithField("gateways", registry.Names()).Info("Settlement service ready")
	return a, nil
}

// NewRegistry registers every gateway that has credentials configured.
func NewRegistry(cfg *config.Config) (*gateways.Registry, error) {
	var adapters []gateways.Adapter

	if cfg.VNPayEnabled() {
		vnpay := gateways.VNPayConfig{
			TmnCode:     cfg.VNPayTmnCode,
			HashSecret:  cfg.VNPayHashSecret,
			PaymentURL:  cfg.VNPayURL,
			APIURL:      cfg.VNPayAPIURL,
			ReturnURL:   cfg.VNPayReturnURL,
			HTTPTimeout: cfg.GatewayHTTPTimeout,
		}
		if err := vnpay.Validate(); err != nil {
			return nil, err
		}
		adapters = append(adapters, gateways.NewVNPayAdapter(vnpay))
	}

	if cfg.MoMoEnabled() {
		momo := gateways.MoMoConfig{
			PartnerCode: cfg.MoMoPartnerCode,
			AccessKey:   cfg.MoMoAccessKey,
			SecretKey:   cfg.MoMoSecretKey,
			Endpoint:    cfg.MoMoEndpoint,
			RedirectURL: cfg.MoMoRedirectURL,
			IPNURL:      cfg.MoMoIPNURL,
			HTTPTimeout: cfg.GatewayHTTPTimeout,
		}
		if err := momo.Validate(); err != nil {
			return nil, err
		}
		adapters = append(adapters, gateways.NewMoMoAdapter(momo))
	}

	if len(adapters) == 0 {
		return nil, errors.New("no payment gateway configured")
	}
	return gateways.NewRegistry(adapters...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
