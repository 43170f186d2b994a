package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mayone/pledges/internal/pkg/cache"
	"github.com/mayone/pledges/internal/pkg/config"
	"github.com/mayone/pledges/internal/pkg/database"
	"github.com/mayone/pledges/internal/pkg/dynamo"
	"github.com/mayone/pledges/internal/pkg/env"
	"github.com/mayone/pledges/internal/pkg/jobqueue"
	"github.com/mayone/pledges/internal/pkg/ledger"
	"github.com/mayone/pledges/internal/pkg/mail"
	"github.com/mayone/pledges/internal/pkg/metrics/counter"
	"github.com/mayone/pledges/internal/pkg/payment"
	"github.com/mayone/pledges/internal/pkg/pledge"
)

// checkoutBrand is shown on the PayPal approval page.
const checkoutBrand = "MayDay PAC"

// components is everything a subcommand may need. Stores are chosen by the
// LEDGER_BACKEND and COUNTER_BACKEND settings.
type components struct {
	cfg     *config.Config
	redis   *redis.Client
	db      *gorm.DB
	ledger  ledger.Store
	counter counter.Store
	queue   *jobqueue.Queue
	manager *jobqueue.Manager
	service *pledge.Service
}

func bootstrap(ctx context.Context) (*components, error) {
	env.SetupEnvFile()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &components{cfg: cfg, redis: cache.NewClient(cfg.Cache)}
	if err := c.redis.Ping(ctx).Err(); err != nil {
		_ = c.redis.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.Addr(), err)
	}

	if err := c.openStores(ctx); err != nil {
		c.Close()
		return nil, err
	}

	mailer := mail.NewMailer(cfg.Mail)
	receipts, err := mail.NewReceipts(mailer, cfg.Mail.TemplateDir, cfg.PublicURL)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load receipt templates: %w", err)
	}

	c.queue = jobqueue.NewQueue(c.redis, jobqueue.OptionsFromConfig(cfg.Jobs))
	c.queue.SetAlerter(jobqueue.MultiAlerter{
		jobqueue.LogAlerter{},
		mail.NewAlerter(mailer, cfg.Mail.OperatorEmail, cfg.AppName),
	})
	pledge.RegisterJobHandlers(c.queue, c.counter, receipts)
	c.manager = jobqueue.NewManager(c.queue, cfg.Jobs.MonitorPeriod)

	charger := payment.NewTokenChargeAdapter(payment.NewStripeGateway(cfg.Stripe, cfg.HTTP.GatewayTimeout))
	checkout := payment.NewExpressCheckoutAdapter(
		payment.NewNVPClient(cfg.PayPal, cfg.HTTP.GatewayTimeout),
		payment.NewRedisHandshakeStore(c.redis, cfg.PayPal.HandshakeTTL),
		cfg.PayPal.CheckoutURL,
		checkoutBrand,
	)

	c.service = pledge.NewService(cfg, pledge.Deps{
		Charger:  charger,
		Checkout: checkout,
		Ledger:   c.ledger,
		Counter:  c.counter,
		Jobs:     c.queue,
	})
	return c, nil
}

func (c *components) openStores(ctx context.Context) error {
	cfg := c.cfg

	if cfg.UsesMySQL() {
		db, err := database.Open(cfg.DB)
		if err != nil {
			return err
		}
		c.db = db
	}

	var ddb *dynamodb.Client
	if cfg.UsesDynamo() {
		client, err := dynamo.NewClient(ctx, cfg.Dynamo)
		if err != nil {
			return fmt.Errorf("dynamodb client: %w", err)
		}
		err = dynamo.EnsureTables(ctx, client, cfg.Dynamo,
			cfg.Backends.Ledger == config.BackendDynamoDB,
			cfg.Backends.Counter == config.BackendDynamoDB)
		if err != nil {
			return err
		}
		ddb = client
	}

	switch cfg.Backends.Ledger {
	case config.BackendMySQL:
		c.ledger = ledger.NewGormStore(c.db)
	case config.BackendDynamoDB:
		c.ledger = ledger.NewDynamoStore(ddb, cfg.Dynamo.PledgeTable)
	case config.BackendMemory:
		log.Warn("[Ledger] Using the in-memory ledger, pledges are lost on restart")
		c.ledger = ledger.NewMemoryStore()
	}

	var inner counter.Store
	switch cfg.Backends.Counter {
	case config.BackendMySQL:
		inner = counter.NewSQLStore(c.db, cfg.Counter.Shards, nil)
	case config.BackendRedis:
		inner = counter.NewRedisStore(c.redis, cfg.Counter.Shards, nil)
	case config.BackendDynamoDB:
		inner = counter.NewDynamoStore(ddb, cfg.Dynamo.CounterTable, cfg.Counter.Shards, nil)
	}
	c.counter = counter.NewCachedStore(inner, c.redis, cfg.Counter.CacheTTL)

	log.Infof("[Pledge] Ledger backend %s, counter backend %s with %d shards",
		cfg.Backends.Ledger, cfg.Backends.Counter, cfg.Counter.Shards)
	return nil
}

// Close releases connections. Safe to call on a partially built value.
func (c *components) Close() {
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.Warnf("[Cache] Failed to close redis client: %v", err)
		}
	}
}
