package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/yeremiapane/course-settlement/utils"
)

type Config struct {
	Port        string `mapstructure:"PORT" validate:"required"`
	GinMode     string `mapstructure:"GIN_MODE" validate:"oneof=debug release test"`
	DBDriver    string `mapstructure:"DB_DRIVER" validate:"oneof=mysql postgres sqlite"`
	DBDSN       string `mapstructure:"DB_DSN" validate:"required"`
	JWTSecret   string `mapstructure:"JWT_SECRET" validate:"required,min=16"`
	FrontendURL string `mapstructure:"FRONTEND_URL" validate:"required,url"`

	Currency      string        `mapstructure:"PAYMENT_CURRENCY" validate:"required,len=3"`
	PaymentWindow time.Duration `mapstructure:"PAYMENT_WINDOW" validate:"gt=0"`

	ReconcileInterval     time.Duration `mapstructure:"RECONCILE_INTERVAL" validate:"gt=0"`
	ReconcileBatchSize    int           `mapstructure:"RECONCILE_BATCH_SIZE" validate:"gt=0"`
	ReconcileQueryGateway bool          `mapstructure:"RECONCILE_QUERY_GATEWAY"`
	ReconcileHardExpiry   time.Duration `mapstructure:"RECONCILE_HARD_EXPIRY" validate:"gt=0"`

	GatewayHTTPTimeout time.Duration `mapstructure:"GATEWAY_HTTP_TIMEOUT" validate:"gt=0"`
	SnowflakeNode      int64         `mapstructure:"SNOWFLAKE_NODE" validate:"gte=0,lte=1023"`

	VNPayTmnCode    string `mapstructure:"VNPAY_TMN_CODE"`
	VNPayHashSecret string `mapstructure:"VNPAY_HASH_SECRET"`
	VNPayURL        string `mapstructure:"VNPAY_URL" validate:"omitempty,url"`
	VNPayAPIURL     string `mapstructure:"VNPAY_API_URL" validate:"omitempty,url"`
	VNPayReturnURL  string `mapstructure:"VNPAY_RETURN_URL" validate:"omitempty,url"`

	MoMoPartnerCode string `mapstructure:"MOMO_PARTNER_CODE"`
	MoMoAccessKey   string `mapstructure:"MOMO_ACCESS_KEY"`
	MoMoSecretKey   string `mapstructure:"MOMO_SECRET_KEY"`
	MoMoEndpoint    string `mapstructure:"MOMO_ENDPOINT" validate:"omitempty,url"`
	MoMoRedirectURL string `mapstructure:"MOMO_REDIRECT_URL" validate:"omitempty,url"`
	MoMoIPNURL      string `mapstructure:"MOMO_IPN_URL" validate:"omitempty,url"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	KafkaBrokers         string `mapstructure:"KAFKA_BROKERS"`
	KafkaEnrollmentTopic string `mapstructure:"KAFKA_ENROLLMENT_TOPIC"`
}

var defaults = map[string]any{
	"PORT":                    "8080",
	"GIN_MODE":                "debug",
	"DB_DRIVER":               "mysql",
	"FRONTEND_URL":            "http://localhost:3000",
	"PAYMENT_CURRENCY":        "VND",
	"PAYMENT_WINDOW":          "15m",
	"RECONCILE_INTERVAL":      "1m",
	"RECONCILE_BATCH_SIZE":    100,
	"RECONCILE_QUERY_GATEWAY": true,
	"RECONCILE_HARD_EXPIRY":   "24h",
	"GATEWAY_HTTP_TIMEOUT":    "5s",
	"SNOWFLAKE_NODE":          1,
	"REDIS_DB":                0,
	"KAFKA_ENROLLMENT_TOPIC":  "enrollment.activate",
}

// Load reads .env (if any) and the environment into a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		utils.InfoLogger.Println("Warning: .env file not found")
	}
	return FromViper(viper.New())
}

// FromViper fills a Config from v, which is bound to the environment here.
func FromViper(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	// AutomaticEnv only answers Get; Unmarshal needs every key bound.
	for _, key := range configKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.VNPayEnabled() && !c.MoMoEnabled() {
		return fmt.Errorf("invalid config: no payment gateway configured")
	}
	return nil
}

func (c *Config) VNPayEnabled() bool {
	return c.VNPayTmnCode != "" && c.VNPayHashSecret != ""
}

func (c *Config) MoMoEnabled() bool {
	return c.MoMoPartnerCode != "" && c.MoMoSecretKey != ""
}

func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func configKeys() []string {
	return []string{
		"PORT", "GIN_MODE", "DB_DRIVER", "DB_DSN", "JWT_SECRET", "FRONTEND_URL",
		"PAYMENT_CURRENCY", "PAYMENT_WINDOW",
		"RECONCILE_INTERVAL", "RECONCILE_BATCH_SIZE", "RECONCILE_QUERY_GATEWAY", "RECONCILE_HARD_EXPIRY",
		"GATEWAY_HTTP_TIMEOUT", "SNOWFLAKE_NODE",
		"VNPAY_TMN_CODE", "VNPAY_HASH_SECRET", "VNPAY_URL", "VNPAY_API_URL", "VNPAY_RETURN_URL",
		"MOMO_PARTNER_CODE", "MOMO_ACCESS_KEY", "MOMO_SECRET_KEY", "MOMO_ENDPOINT", "MOMO_REDIRECT_URL", "MOMO_IPN_URL",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"KAFKA_BROKERS", "KAFKA_ENROLLMENT_TOPIC",
	}
}
