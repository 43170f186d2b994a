// Package config builds the process-wide configuration once at startup.
// The resulting Config is passed explicitly to every component and is never
// mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mayone/pledges/internal/pkg/env"
)

const (
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Historical totals from accounting systems that predate the sharded
// counter, in cents. They are added to every public total.
var DefaultTotalBaselines = []int64{
	27425754, // pre-sharding datastore total
	41326868, // WordPress pledges
	8553428,  // democracy.com balance
	7655200,  // checks
}

type Config struct {
	AppName   string
	AppEnv    string
	Host      string
	Port      string
	PublicURL string

	DB       DBConfig
	Cache    CacheConfig
	Dynamo   DynamoConfig
	Stripe   StripeConfig
	PayPal   PayPalConfig
	Counter  CounterConfig
	Jobs     JobsConfig
	Mail     MailConfig
	HTTP     HTTPConfig
	Backends BackendsConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns the go-sql-driver style data source name used by gorm.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// MigrateURL returns the golang-migrate database URL.
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type DynamoConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PledgeTable     string
	CounterTable    string
}

type StripeConfig struct {
	PublicKey  string
	PrivateKey string
	APIURL     string // optional override, mainly for tests and stripe-mock
}

type PayPalConfig struct {
	User         string
	Password     string
	Signature    string
	APIURL       string
	CheckoutURL  string
	HandshakeTTL time.Duration
}

type CounterConfig struct {
	Name        string
	Shards      int
	Granularity int64
	Baselines   []int64
	CacheTTL    time.Duration

	baselinesErr error
}

type JobsConfig struct {
	Workers       int
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	StuckAfter    time.Duration
	MonitorPeriod time.Duration
}

type MailConfig struct {
	SMTPHost      string
	SMTPPort      string
	SMTPUser      string
	SMTPPassword  string
	Sender        string
	OperatorEmail string
	TemplateDir   string
}

type HTTPConfig struct {
	GatewayTimeout    time.Duration
	CORSAllowedDomain string
	AdminUser         string
	AdminPassword     string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	ThankYouPath      string
	CancelPath        string
}

type BackendsConfig struct {
	Ledger  string
	Counter string
}

// Load reads the environment into a Config. It does not validate; call
// Validate before wiring components.
func Load() *Config {
	appName := env.GetEnv("APP_NAME", "mayone")
	host := env.GetEnv("APP_HOST", "localhost")
	port := env.GetEnv("APP_PORT", "4000")

	baselines, baselinesErr := parseBaselines(env.GetEnv("TOTAL_BASELINES", ""))
	if baselinesErr != nil {
		baselinesErr = fmt.Errorf("TOTAL_BASELINES: %w", baselinesErr)
	} else if baselines == nil {
		baselines = append([]int64(nil), DefaultTotalBaselines...)
	}

	sender := env.GetEnv("SMTP_SENDER", "")
	if sender == "" {
		sender = fmt.Sprintf("%s no-reply <noreply@%s>", appName, env.GetEnv("MAIL_DOMAIN", "localhost"))
	}

	return &Config{
		AppName:   appName,
		AppEnv:    env.GetEnv("APP_ENV", "prod"),
		Host:      host,
		Port:      port,
		PublicURL: strings.TrimRight(env.GetEnv("PUBLIC_URL", fmt.Sprintf("http://%s:%s", host, port)), "/"),
		DB: DBConfig{
			User:     env.GetEnv("DB_USER", "pledges"),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", "pledges"),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetInt("CACHE_DB", 0),
		},
		Dynamo: DynamoConfig{
			Region:          env.GetEnv("DYNAMODB_REGION", "us-east-1"),
			Endpoint:        env.GetEnv("DYNAMODB_ENDPOINT", ""),
			AccessKeyID:     env.GetEnv("DYNAMODB_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("DYNAMODB_SECRET_ACCESS_KEY", ""),
			PledgeTable:     env.GetEnv("DYNAMODB_PLEDGE_TABLE", "pledges"),
			CounterTable:    env.GetEnv("DYNAMODB_COUNTER_TABLE", "counter_shards"),
		},
		Stripe: StripeConfig{
			PublicKey:  env.GetEnv("STRIPE_PUBLIC_KEY", ""),
			PrivateKey: env.GetEnv("STRIPE_PRIVATE_KEY", ""),
			APIURL:     env.GetEnv("STRIPE_API_URL", ""),
		},
		PayPal: PayPalConfig{
			User:         env.GetEnv("PAYPAL_USER", ""),
			Password:     env.GetEnv("PAYPAL_PASSWORD", ""),
			Signature:    env.GetEnv("PAYPAL_SIGNATURE", ""),
			APIURL:       env.GetEnv("PAYPAL_API_URL", "https://api-3t.sandbox.paypal.com/nvp"),
			CheckoutURL:  env.GetEnv("PAYPAL_CHECKOUT_URL", "https://www.sandbox.paypal.com/cgi-bin/webscr"),
			HandshakeTTL: env.GetDuration("PAYPAL_HANDSHAKE_TTL", 24*time.Hour),
		},
		Counter: CounterConfig{
			Name:         env.GetEnv("TOTAL_COUNTER_NAME", "TOTAL"),
			Shards:       env.GetInt("COUNTER_SHARDS", 20),
			Granularity:  int64(env.GetInt("TOTAL_GRANULARITY", 100)),
			Baselines:    baselines,
			CacheTTL:     env.GetDuration("TOTAL_CACHE_TTL", 0),
			baselinesErr: baselinesErr,
		},
		Jobs: JobsConfig{
			Workers:       env.GetInt("JOB_WORKERS", 5),
			MaxRetries:    env.GetInt("JOB_MAX_RETRIES", 5),
			RetryBase:     env.GetDuration("JOB_RETRY_BASE", 30*time.Second),
			RetryMax:      env.GetDuration("JOB_RETRY_MAX", 30*time.Minute),
			StuckAfter:    env.GetDuration("JOB_STUCK_AFTER", 10*time.Minute),
			MonitorPeriod: env.GetDuration("JOB_DEAD_MONITOR_INTERVAL", 15*time.Minute),
		},
		Mail: MailConfig{
			SMTPHost:      env.GetEnv("SMTP_HOST", ""),
			SMTPPort:      env.GetEnv("SMTP_PORT", "587"),
			SMTPUser:      env.GetEnv("SMTP_USERNAME", ""),
			SMTPPassword:  env.GetEnv("SMTP_PASSWORD", ""),
			Sender:        sender,
			OperatorEmail: env.GetEnv("OPERATOR_EMAIL", ""),
			TemplateDir:   env.GetEnv("MAIL_TEMPLATE_DIR", ""),
		},
		HTTP: HTTPConfig{
			GatewayTimeout:    env.GetDuration("GATEWAY_TIMEOUT", 15*time.Second),
			CORSAllowedDomain: env.GetEnv("CORS_ALLOWED_DOMAIN", "mayone.us"),
			AdminUser:         env.GetEnv("ADMIN_USER", "admin"),
			AdminPassword:     env.GetEnv("ADMIN_PASSWORD", ""),
			RateLimitMax:      env.GetInt("RATE_LIMIT_MAX", 30),
			RateLimitWindow:   env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
			ThankYouPath:      env.GetEnv("THANKYOU_PATH", "/thankyou"),
			CancelPath:        env.GetEnv("CANCEL_PATH", "/pledge"),
		},
		Backends: BackendsConfig{
			Ledger:  strings.ToLower(env.GetEnv("LEDGER_BACKEND", BackendMySQL)),
			Counter: strings.ToLower(env.GetEnv("COUNTER_BACKEND", BackendMySQL)),
		},
	}
}

// Validate reports the first configuration problem that would make the
// service misbehave at runtime.
func (c *Config) Validate() error {
	if c.Counter.baselinesErr != nil {
		return c.Counter.baselinesErr
	}
	switch c.Backends.Ledger {
	case BackendMySQL, BackendDynamoDB, BackendMemory:
	default:
		return fmt.Errorf("LEDGER_BACKEND %q is not supported", c.Backends.Ledger)
	}
	switch c.Backends.Counter {
	case BackendMySQL, BackendRedis, BackendDynamoDB:
	default:
		return fmt.Errorf("COUNTER_BACKEND %q is not supported", c.Backends.Counter)
	}
	if c.Counter.Shards <= 0 {
		return errors.New("COUNTER_SHARDS must be positive")
	}
	if c.Counter.Granularity <= 0 {
		return errors.New("TOTAL_GRANULARITY must be positive")
	}
	if c.Jobs.MaxRetries < 1 {
		return errors.New("JOB_MAX_RETRIES must be at least 1")
	}
	if c.usesMySQL() && c.DB.Name == "" {
		return errors.New("DB_NAME is required for the mysql backend")
	}
	if c.usesDynamo() && c.Dynamo.Region == "" {
		return errors.New("DYNAMODB_REGION is required for the dynamodb backend")
	}
	if c.AppEnv == "prod" {
		if c.Stripe.PrivateKey == "" {
			return errors.New("STRIPE_PRIVATE_KEY is required in prod")
		}
		if c.PayPal.User == "" || c.PayPal.Password == "" || c.PayPal.Signature == "" {
			return errors.New("PAYPAL_USER/PAYPAL_PASSWORD/PAYPAL_SIGNATURE are required in prod")
		}
		if c.HTTP.AdminPassword == "" {
			return errors.New("ADMIN_PASSWORD is required in prod")
		}
	}
	return nil
}

func (c *Config) usesMySQL() bool {
	return c.Backends.Ledger == BackendMySQL || c.Backends.Counter == BackendMySQL
}

func (c *Config) usesDynamo() bool {
	return c.Backends.Ledger == BackendDynamoDB || c.Backends.Counter == BackendDynamoDB
}

// UsesMySQL reports whether any store needs the SQL database.
func (c *Config) UsesMySQL() bool { return c.usesMySQL() }

// UsesDynamo reports whether any store needs DynamoDB.
func (c *Config) UsesDynamo() bool { return c.usesDynamo() }

// BaselineTotal sums the historical offsets.
func (c *Config) BaselineTotal() int64 {
	var sum int64
	for _, b := range c.Counter.Baselines {
		sum += b
	}
	return sum
}

func parseBaselines(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid baseline %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
