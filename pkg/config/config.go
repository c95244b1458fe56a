package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Nats struct {
		URL string `mapstructure:"URL"`
	} `mapstructure:"NATS"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Payout     PayoutConfig     `mapstructure:"PAYOUT"`
	Commission CommissionConfig `mapstructure:"COMMISSION"`
}

// PayoutConfig holds the withdrawal thresholds. Amounts are in minor units.
type PayoutConfig struct {
	Currency             string        `mapstructure:"CURRENCY"`
	MinimumWithdrawal    int64         `mapstructure:"MINIMUM_WITHDRAWAL"`
	ProcessingStaleAfter time.Duration `mapstructure:"PROCESSING_STALE_AFTER"`
	SweepInterval        time.Duration `mapstructure:"SWEEP_INTERVAL"`
}

type CommissionConfig struct {
	PlatformFeePercent float64         `mapstructure:"PLATFORM_FEE_PERCENT"`
	EligibilityExpr    string          `mapstructure:"ELIGIBILITY_EXPR"`
	AffiliateTiers     []AffiliateTier `mapstructure:"AFFILIATE_TIERS"`
}

// AffiliateTier unlocks RatePercent once lifetime affiliate earnings reach MinLifetimeEarnings.
type AffiliateTier struct {
	Name                string  `mapstructure:"NAME"`
	MinLifetimeEarnings int64   `mapstructure:"MIN_LIFETIME_EARNINGS"`
	RatePercent         float64 `mapstructure:"RATE_PERCENT"`
}

const DefaultEligibilityExpr = `booking.status == "completed" && booking.payment_status == "paid"`

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rental-payouts")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p.Vault != nil {
		if err := applyVaultSecrets(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "rental-payouts")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("PAYOUT.CURRENCY", "NGN")
	v.SetDefault("PAYOUT.MINIMUM_WITHDRAWAL", 100)
	v.SetDefault("PAYOUT.PROCESSING_STALE_AFTER", 72*time.Hour)
	v.SetDefault("PAYOUT.SWEEP_INTERVAL", time.Hour)
	v.SetDefault("COMMISSION.PLATFORM_FEE_PERCENT", 10)
	v.SetDefault("COMMISSION.ELIGIBILITY_EXPR", DefaultEligibilityExpr)
	v.SetDefault("COMMISSION.AFFILIATE_TIERS", []map[string]any{
		{"NAME": "bronze", "MIN_LIFETIME_EARNINGS": 0, "RATE_PERCENT": 10},
		{"NAME": "silver", "MIN_LIFETIME_EARNINGS": 5_000_000, "RATE_PERCENT": 12.5},
		{"NAME": "gold", "MIN_LIFETIME_EARNINGS": 20_000_000, "RATE_PERCENT": 15},
	})
}

// Validate rejects configurations the ledger cannot run with.
func (c *Config) Validate() error {
	if c.Payout.MinimumWithdrawal <= 0 {
		return fmt.Errorf("PAYOUT.MINIMUM_WITHDRAWAL must be > 0, got %d", c.Payout.MinimumWithdrawal)
	}
	if c.Commission.PlatformFeePercent < 0 || c.Commission.PlatformFeePercent >= 100 {
		return fmt.Errorf("COMMISSION.PLATFORM_FEE_PERCENT must be in [0, 100), got %v", c.Commission.PlatformFeePercent)
	}
	if len(c.Commission.AffiliateTiers) == 0 {
		return errors.New("COMMISSION.AFFILIATE_TIERS must define at least one tier")
	}
	for i, t := range c.Commission.AffiliateTiers {
		if t.RatePercent < 0 || t.RatePercent > 100 {
			return fmt.Errorf("COMMISSION.AFFILIATE_TIERS[%d].RATE_PERCENT out of range: %v", i, t.RatePercent)
		}
		if i == 0 {
			continue
		}
		prev := c.Commission.AffiliateTiers[i-1]
		if t.MinLifetimeEarnings <= prev.MinLifetimeEarnings || t.RatePercent < prev.RatePercent {
			return fmt.Errorf("COMMISSION.AFFILIATE_TIERS must be ascending in threshold and non-decreasing in rate (tier %d)", i)
		}
	}
	if c.TLS.Enable && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return errors.New("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}
	return nil
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("vault read: %w", err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	return nil
}
