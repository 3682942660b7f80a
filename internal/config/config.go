package config

import (
	"fmt"
	"math"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass   string `env:"REDIS_PASS"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret     string `env:"JWT_SECRET,required"`
	EncryptionKey string `env:"FIELD_ENCRYPTION_KEY,required"`

	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	AppName  string `env:"APP_NAME" envDefault:"PesaLoop"`

	// Transaction fee curve: below FeeFlatThreshold the effective
	// percentage decays exponentially; at and above it the fee is the
	// flat cap.
	FeeRatePct       float64 `env:"TRANSACTION_FEE_RATE" envDefault:"0.015"`
	FeeCap           float64 `env:"MAX_TRANSACTION_FEE" envDefault:"500"`
	FeeFlatThreshold float64 `env:"FEE_FLAT_THRESHOLD_AMOUNT" envDefault:"100000"`

	UnverifiedTransferLimit float64 `env:"UNVERIFIED_TRANSFER_LIMIT" envDefault:"150.00"`

	ExchangeFeePct      float64       `env:"CURRENCY_EXCHANGE_FEE" envDefault:"1.5"`
	RateRefreshInterval time.Duration `env:"RATE_REFRESH_INTERVAL" envDefault:"1h"`
	RateSourceURL       string        `env:"EXCHANGE_API_URL"`
	RateSourceKey       string        `env:"EXCHANGE_API_KEY"`
	RateSourceTimeout   time.Duration `env:"EXCHANGE_API_TIMEOUT" envDefault:"10s"`

	PermissionCacheTTL time.Duration `env:"PERMISSION_CACHE_TTL" envDefault:"300s"`

	BusinessHoursStart int `env:"BUSINESS_HOURS_START" envDefault:"9"`
	BusinessHoursEnd   int `env:"BUSINESS_HOURS_END" envDefault:"15"`

	MpesaTokenEndpoint   string        `env:"MPESA_TOKEN_ENDPOINT"`
	MpesaSTKEndpoint     string        `env:"MPESA_STK_PUSH_ENDPOINT"`
	MpesaConsumerKey     string        `env:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret  string        `env:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode       string        `env:"MPESA_BUSINESS_SHORTCODE"`
	MpesaPartyBShortcode string        `env:"MPESA_PARTY_B_SHORTCODE"`
	MpesaPasskey         string        `env:"MPESA_PASSKEY"`
	MpesaCallbackURL     string        `env:"MPESA_CALLBACK_URL"`
	MpesaTimeout         time.Duration `env:"MPESA_TIMEOUT" envDefault:"30s"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// FeeConfig carries the fee curve parameters with the decay rate
// resolved once at load time, so the calculator holds no lazy state.
type FeeConfig struct {
	RatePct   decimal.Decimal
	Cap       decimal.Decimal
	Threshold decimal.Decimal
	DecayRate decimal.Decimal
}

// FeeConfig derives the decay rate ln(rate*threshold/cap)/threshold
// that calibrates fee(threshold) == cap.
func (c *Config) FeeConfig() FeeConfig {
	rate := decimal.NewFromFloat(c.FeeRatePct)
	feeCap := decimal.NewFromFloat(c.FeeCap)
	threshold := decimal.NewFromFloat(c.FeeFlatThreshold)

	numerator, _ := rate.Mul(threshold).Div(feeCap).Float64()
	decay := decimal.NewFromFloat(math.Log(numerator)).Div(threshold)

	return FeeConfig{
		RatePct:   rate,
		Cap:       feeCap,
		Threshold: threshold,
		DecayRate: decay,
	}
}
