package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings is the full process configuration. Every field can be overridden
// from the environment or from a .env file in the working directory.
type Settings struct {
	ServerPort     string        `envconfig:"SERVER_PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`

	Database   string `envconfig:"DATABASE" default:"postgres"`
	SqlitePath string `envconfig:"SQLITE_PATH" default:"courier.db"`

	PostgresHost     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	PostgresPort     string `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresUser     string `envconfig:"POSTGRES_USER" default:"postgres"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD"`
	PostgresDB       string `envconfig:"POSTGRES_DB" default:"courier"`

	Broker        string        `envconfig:"BROKER" default:"redis"`
	RedisHost     string        `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     string        `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	PresenceTTL   time.Duration `envconfig:"PRESENCE_TTL" default:"45s"`

	RabbitMQUser     string `envconfig:"RABBITMQ_USER" default:"guest"`
	RabbitMQPassword string `envconfig:"RABBITMQ_PASSWORD" default:"guest"`
	RabbitMQHost     string `envconfig:"RABBITMQ_HOST"`
	RabbitMQPort     string `envconfig:"RABBITMQ_PORT" default:"5672"`
	EventMode        string `envconfig:"EVENT_MODE" default:"DISABLE"`
	EventLogDir      string `envconfig:"EVENT_LOG_DIR" default:"log"`

	JWTAccessKey       string        `envconfig:"JWT_ACCESS_KEY" required:"true"`
	CapabilityKey      string        `envconfig:"CAPABILITY_KEY" required:"true"`
	CapabilityTokenTTL time.Duration `envconfig:"CAPABILITY_TOKEN_TTL" default:"15m"`

	MessagePageSize      int `envconfig:"MESSAGE_PAGE_SIZE" default:"50"`
	NotificationPageSize int `envconfig:"NOTIFICATION_PAGE_SIZE" default:"20"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	SocketDebug bool   `envconfig:"SOCKET_DEBUG" default:"false"`
}

// Load reads .env (when present) and then the process environment.
func Load() (Settings, error) {
	_ = godotenv.Load()

	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
