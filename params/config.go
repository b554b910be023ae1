package params

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Round struct {
	Duration time.Duration `env:"DURATION" envDefault:"60s"`
	// Tick is how often the scheduler checks whether the round should progress.
	Tick     time.Duration `env:"TICK_INTERVAL" envDefault:"5s"`
	Cooldown time.Duration `env:"COOLDOWN" envDefault:"10s"`
	// AutoStart opens the next round once Cooldown has passed after completion or failure.
	AutoStart bool `env:"AUTO_START" envDefault:"true"`
	// AutoRefund abandons a failed round (unlocking its escrow) before the next round opens.
	AutoRefund bool   `env:"AUTO_REFUND" envDefault:"false"`
	BaseAsset  string `env:"BASE_ASSET" envDefault:"BTC"`
}

type Node struct {
	DataDir  string `env:"DATA_DIR" envDefault:"data"`
	InMemory bool   `env:"IN_MEMORY" envDefault:"false"`
	LogFile  string `env:"LOG_FILE" envDefault:"data/node.log"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type API struct {
	Addr           string   `env:"ADDR" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001"`
	// AdminToken guards the admin and funding routes. Empty disables them.
	AdminToken string `env:"ADMIN_TOKEN"`
}

type KeyService struct {
	// Seed is hex IKM for the timelock master key. Empty generates a fresh key,
	// which makes ciphertexts from a previous process undecryptable.
	Seed string `env:"SEED"`
}

type P2P struct {
	Enabled    bool     `env:"ENABLED" envDefault:"false"`
	ListenAddr string   `env:"LISTEN" envDefault:"/ip4/0.0.0.0/tcp/4001"`
	Bootstrap  []string `env:"BOOTSTRAP" envSeparator:","`
	Topic      string   `env:"TOPIC" envDefault:"veil-rounds"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"veil-settlements"`
}

type Settlement struct {
	// SigningKey is the secp256k1 key (hex) that signs settlement instructions.
	SigningKey string `env:"SIGNING_KEY"`
}

type Config struct {
	Round      Round      `envPrefix:"ROUND_"`
	Node       Node       `envPrefix:"NODE_"`
	API        API        `envPrefix:"API_"`
	KeyService KeyService `envPrefix:"KEYSERVICE_"`
	P2P        P2P        `envPrefix:"P2P_"`
	Kafka      Kafka      `envPrefix:"KAFKA_"`
	Settlement Settlement `envPrefix:"SETTLEMENT_"`
}

// Default returns the envDefault values without consulting the process environment.
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Errorf("params: invalid defaults: %w", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Round.Duration <= 0 {
		return fmt.Errorf("ROUND_DURATION must be positive, got %s", c.Round.Duration)
	}
	if c.Round.Tick <= 0 {
		return fmt.Errorf("ROUND_TICK_INTERVAL must be positive, got %s", c.Round.Tick)
	}
	if c.Round.Cooldown < 0 {
		return fmt.Errorf("ROUND_COOLDOWN cannot be negative, got %s", c.Round.Cooldown)
	}
	if c.Round.BaseAsset == "" {
		return fmt.Errorf("ROUND_BASE_ASSET is required")
	}
	return nil
}
