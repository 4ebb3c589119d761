package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string    `yaml:"env" env:"STALL_ENV" env-default:"dev"`
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	MySQL     MySQL     `yaml:"mysql"`
	Redis     Redis     `yaml:"redis"`
	LockupDB  LockupDB  `yaml:"lockup_db"`
	Kafka     Kafka     `yaml:"kafka"`
	Coinhouse Coinhouse `yaml:"coinhouse"`
	Game      Game      `yaml:"game"`
	Economy   Economy   `yaml:"economy"`
}

type HTTP struct {
	Addr string `yaml:"addr" env:"STALL_HTTP_ADDR" env-default:":8080"`
}

type GRPC struct {
	Addr string `yaml:"addr" env:"STALL_GRPC_ADDR" env-default:":50051"`
}

type MySQL struct {
	// multiStatements=true is needed for migrations
	DSN     string `yaml:"dsn" env:"STALL_MYSQL_DSN" env-default:"root:root@tcp(localhost:3306)/market?parseTime=true&multiStatements=true"`
	Migrate bool   `yaml:"migrate" env:"STALL_MYSQL_MIGRATE" env-default:"true"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"STALL_REDIS_ADDR" env-default:"localhost:6379"`
}

type LockupDB struct {
	DSN string `yaml:"dsn" env:"STALL_LOCKUP_DSN" env-default:"host=localhost user=market password=market dbname=lockup sslmode=disable"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"STALL_KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	Topic   string   `yaml:"topic" env:"STALL_KAFKA_TOPIC" env-default:"stall-notifications"`
}

type Coinhouse struct {
	Addr    string        `yaml:"addr" env:"STALL_COINHOUSE_ADDR" env-default:"localhost:50061"`
	Timeout time.Duration `yaml:"timeout" env:"STALL_COINHOUSE_TIMEOUT" env-default:"3s"`
}

// Game is the bridge into the running game server: avatar purses and
// item delivery.
type Game struct {
	Addr      string        `yaml:"addr" env:"STALL_GAME_ADDR" env-default:"localhost:50071"`
	Timeout   time.Duration `yaml:"timeout" env:"STALL_GAME_TIMEOUT" env-default:"2s"`
	QueueSize int           `yaml:"queue_size" env:"STALL_GAME_QUEUE" env-default:"256"`
}

// Economy holds the game-balance inputs of the rent engine.
type Economy struct {
	RentInterval     time.Duration `yaml:"rent_interval" env-default:"24h"`
	BillingInterval  time.Duration `yaml:"billing_interval" env-default:"1h"`
	StartupDelay     time.Duration `yaml:"startup_delay" env-default:"2m"`
	GracePeriod      time.Duration `yaml:"grace_period" env-default:"24h"`
	IdleReleaseAfter time.Duration `yaml:"idle_release_after" env-default:"2h"`
	ClaimTimeout     time.Duration `yaml:"claim_timeout" env-default:"60s"`
	ShutdownWait     time.Duration `yaml:"shutdown_wait" env-default:"10s"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl" env-default:"48h"`
}

// Load reads the file named by STALL_CONFIG_PATH, or only the environment
// when the variable is unset.
func Load() (*Config, error) {
	var cfg Config
	path := os.Getenv("STALL_CONFIG_PATH")
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("find config file: %w", err)
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
