package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/harbor_retry/internal/model"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	URL string // e.g. redis://redis:6379/0
}

type NSQ struct {
	NsqdTCPAddr     string `validate:"required"` // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. nsqlookupd:4161; consumers use nsqd directly when empty
	DeliveriesTopic string `validate:"required"` // delivery triggers
	DLQTopic        string `validate:"required"`
	Channel         string `validate:"required"`
	PublishDLQ      bool   // publish DeadLetter envelopes on terminal failure
	ConsumeTriggers bool   // run the NSQ trigger consumer inside the dispatcher
}

type Dispatcher struct {
	StoreBackend string        `validate:"oneof=memory postgres redis"`
	BatchSize    int           `validate:"gte=1"`
	Concurrency  int           `validate:"gte=1"`
	HTTPTimeout  time.Duration `validate:"gt=0"`
	ClaimLease   time.Duration // 0 means 2*HTTPTimeout+5s
	RateLimit    float64       `validate:"gte=0"` // outbound attempts per second, 0 = unlimited
	ScanInterval time.Duration // internal ticker, 0 = driven externally
	HTTPPort     string        `validate:"required"`
	GRPCPort     string        `validate:"required"`
}

// Lease returns the claim lease, deriving it from the HTTP timeout when unset
func (d Dispatcher) Lease() time.Duration {
	if d.ClaimLease > 0 {
		return d.ClaimLease
	}
	return 2*d.HTTPTimeout + 5*time.Second
}

type Admin struct {
	JWTPublicKeyPEM string // empty (with JWKSURL empty) disables auth on the admin API
	JWKSURL         string // fetched at startup when no PEM key is configured
	JWTIssuer       string
	JWTAudience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for X-Signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string `validate:"required"`
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Dispatcher   Dispatcher
	Retry        model.RetryPolicy
	Admin        Admin
	FakeReceiver FakeReceiver
}

var validate = validator.New()

// Validate checks the loaded configuration, including the default retry policy
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Dispatcher.StoreBackend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("invalid config: REDIS_URL is required for the redis store")
	}
	if d := c.Dispatcher; d.ClaimLease != 0 && d.ClaimLease <= d.HTTPTimeout {
		return fmt.Errorf("invalid config: CLAIM_LEASE %s must exceed DELIVERY_TIMEOUT %s", d.ClaimLease, d.HTTPTimeout)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	def := model.DefaultPolicy()
	return Config{
		AppName: getenv("APP_NAME", "harborretry"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborretry"),
		},
		Redis: Redis{
			URL: getenv("REDIS_URL", ""),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			Channel:         getenv("NSQ_CHANNEL", "dispatcher"),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			ConsumeTriggers: getenvBool("CONSUME_TRIGGERS", true),
		},
		Dispatcher: Dispatcher{
			StoreBackend: getenv("STORE_BACKEND", "postgres"),
			BatchSize:    getenvInt("RETRY_BATCH_SIZE", 100),
			Concurrency:  getenvInt("RETRY_CONCURRENCY", 10),
			HTTPTimeout:  getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			ClaimLease:   getenvDuration("CLAIM_LEASE", 0),
			RateLimit:    getenvFloat("DELIVERY_RATE_LIMIT", 0),
			ScanInterval: getenvDuration("SCAN_INTERVAL", 0),
			HTTPPort:     getenv("HTTP_PORT", ":8080"),
			GRPCPort:     getenv("GRPC_PORT", ":50051"),
		},
		Retry: model.RetryPolicy{
			MaxRetries:        getenvInt("RETRY_MAX_RETRIES", def.MaxRetries),
			InitialDelay:      getenvDuration("RETRY_INITIAL_DELAY", def.InitialDelay),
			MaxDelay:          getenvDuration("RETRY_MAX_DELAY", def.MaxDelay),
			BackoffMultiplier: getenvFloat("RETRY_BACKOFF_MULTIPLIER", def.BackoffMultiplier),
			Priority:          model.Priority(getenv("RETRY_PRIORITY", string(def.Priority))),
		},
		Admin: Admin{
			JWTPublicKeyPEM: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			JWKSURL:         getenv("ADMIN_JWKS_URL", ""),
			JWTIssuer:       getenv("ADMIN_JWT_ISSUER", "harborretry-token-issuer"),
			JWTAudience:     getenv("ADMIN_JWT_AUDIENCE", "harborretry-admin"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
