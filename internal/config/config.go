// Package config loads infrastructure settings from the environment and
// policy tunables from an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"eventcancel-backend/internal/fees"
	"eventcancel-backend/internal/lockout"
	"eventcancel-backend/internal/strikes"
)

type App struct {
	// DB
	DBDriver    string `envconfig:"DB_DRIVER" default:"postgres"`
	DatabaseDSN string `envconfig:"DATABASE_DSN" required:"true"`
	// JWT
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	// Network
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	// Payment processor
	OmisePublicKey   string `envconfig:"OMISE_PUBLIC_KEY"`
	OmiseSecretKey   string `envconfig:"OMISE_SECRET_KEY"`
	PaymentCurrency  string `envconfig:"PAYMENT_CURRENCY" default:"usd"`
	PenaltyReturnURI string `envconfig:"PENALTY_RETURN_URI"`
	// Notifications
	RabbitURL      string `envconfig:"RABBIT_URL"`
	NotifyExchange string `envconfig:"NOTIFY_EXCHANGE" default:"eventcancel.notify"`
	NotifyQueue    string `envconfig:"NOTIFY_QUEUE" default:"eventcancel.guest-notices"`
	// Reason classifier
	ClassifierURL    string `envconfig:"CLASSIFIER_URL"`
	ClassifierAPIKey string `envconfig:"CLASSIFIER_API_KEY"`
	// Tracing
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// Policy file, without extension
	PolicyFile string `envconfig:"POLICY_FILE" default:"config"`
}

// LoadEnv reads a .env file if there is one.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] .env file not found, using system environment variables")
	}
}

func Load() (App, error) {
	var c App
	err := envconfig.Process("", &c)
	return c, err
}

// Policy holds the business tunables.
type Policy struct {
	WindowDays        int            `mapstructure:"window_days"`
	Tiers             []lockout.Tier `mapstructure:"tiers"`
	FeeRateBps        int64          `mapstructure:"fee_rate_bps"`
	FixedFeeCents     int64          `mapstructure:"fixed_fee_cents"`
	ShortNoticeHours  int            `mapstructure:"short_notice_hours"`
	ClassifierTimeout time.Duration  `mapstructure:"classifier_timeout"`
	RefundConcurrency int            `mapstructure:"refund_concurrency"`
	BackgroundTimeout time.Duration  `mapstructure:"background_timeout"`
}

func (p Policy) Pricing() fees.Pricing {
	return fees.Pricing{RateBps: p.FeeRateBps, FixedCents: p.FixedFeeCents}
}

func (p Policy) ShortNoticeWindow() time.Duration {
	return time.Duration(p.ShortNoticeHours) * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("policy.window_days", strikes.DefaultWindowDays)
	tiers := make([]map[string]any, 0, 3)
	for _, t := range lockout.DefaultTiers() {
		tiers = append(tiers, map[string]any{"min_ordinal": t.MinOrdinal, "lock_days": t.LockDays, "penalty": t.Penalty})
	}
	v.SetDefault("policy.tiers", tiers)
	v.SetDefault("policy.fee_rate_bps", fees.DefaultRateBps)
	v.SetDefault("policy.fixed_fee_cents", fees.DefaultFixedCents)
	v.SetDefault("policy.short_notice_hours", 24)
	v.SetDefault("policy.classifier_timeout", "10s")
	v.SetDefault("policy.refund_concurrency", 4)
	v.SetDefault("policy.background_timeout", "30s")
}

// LoadPolicy reads name.yaml from the working directory or ./config. A
// missing file means defaults.
func LoadPolicy(name string) (Policy, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Policy{}, fmt.Errorf("read policy: %w", err)
		}
		log.Println("[config] no policy file found, using defaults")
	}
	return decodePolicy(v)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	// nested defaults only merge through Unmarshal
	var doc struct {
		Policy Policy `mapstructure:"policy"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	p := doc.Policy
	if p.FeeRateBps < 0 || p.FeeRateBps >= 10000 {
		return Policy{}, fmt.Errorf("fee_rate_bps %d out of range", p.FeeRateBps)
	}
	if len(p.Tiers) == 0 {
		p.Tiers = lockout.DefaultTiers()
	}
	return p, nil
}
