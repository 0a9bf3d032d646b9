package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - структура для хранения конфигураций приложения
type Config struct {
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	PostgresConn  string `mapstructure:"POSTGRES_CONN"`
	PostgresUser  string `mapstructure:"POSTGRES_USERNAME"`
	PostgresPass  string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresHost  string `mapstructure:"POSTGRES_HOST"`
	PostgresPort  string `mapstructure:"POSTGRES_PORT"`
	PostgresDB    string `mapstructure:"POSTGRES_DATABASE"`
	MigrationURL  string `mapstructure:"MIGRATION_URL"`

	RedisAddress     string `mapstructure:"REDIS_ADDRESS"`
	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix string `mapstructure:"KAFKA_TOPIC_PREFIX"`

	RequestTTL         time.Duration `mapstructure:"REQUEST_TTL"`
	IVRFirstRetryDelay time.Duration `mapstructure:"IVR_FIRST_RETRY_DELAY"`
	IVRRetryDelay      time.Duration `mapstructure:"IVR_RETRY_DELAY"`
	IVRMaxAttempts     int           `mapstructure:"IVR_MAX_ATTEMPTS"`
	ConflictRetries    int           `mapstructure:"CONFLICT_RETRIES"`

	SweepInterval  time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize int           `mapstructure:"SWEEP_BATCH_SIZE"`
	HandlerTimeout time.Duration `mapstructure:"HANDLER_TIMEOUT"`

	DefaultPhoneRegion string        `mapstructure:"DEFAULT_PHONE_REGION"`
	ContactCacheTTL    time.Duration `mapstructure:"CONTACT_CACHE_TTL"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"SERVER_ADDRESS":        "0.0.0.0:8080",
	"POSTGRES_CONN":         "",
	"POSTGRES_USERNAME":     "",
	"POSTGRES_PASSWORD":     "",
	"POSTGRES_HOST":         "",
	"POSTGRES_PORT":         "",
	"POSTGRES_DATABASE":     "",
	"MIGRATION_URL":         "file://migrations",
	"REDIS_ADDRESS":         "",
	"KAFKA_BROKERS":         "",
	"KAFKA_TOPIC_PREFIX":    "harvest",
	"REQUEST_TTL":           "48h",
	"IVR_FIRST_RETRY_DELAY": "2h",
	"IVR_RETRY_DELAY":       "12h",
	"IVR_MAX_ATTEMPTS":      5,
	"CONFLICT_RETRIES":      3,
	"SWEEP_INTERVAL":        "1m",
	"SWEEP_BATCH_SIZE":      100,
	"HANDLER_TIMEOUT":       "5s",
	"DEFAULT_PHONE_REGION":  "IN",
	"CONTACT_CACHE_TTL":     "10m",
	"LOG_LEVEL":             "info",
}

// LoadConfig загружает конфигурацию из файла app.env; переменные окружения имеют приоритет.
// Отсутствие файла не ошибка: остаются значения по умолчанию и окружение.
func LoadConfig(path string) (cfg Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
	}
	err = v.Unmarshal(&cfg)
	return
}

// Brokers возвращает список брокеров Kafka.
func (c Config) Brokers() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// DatabaseURL возвращает строку подключения к Postgres: POSTGRES_CONN или сборку из частей.
func (c Config) DatabaseURL() string {
	if c.PostgresConn != "" {
		return c.PostgresConn
	}
	if c.PostgresUser == "" || c.PostgresPass == "" || c.PostgresHost == "" || c.PostgresPort == "" || c.PostgresDB == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}
