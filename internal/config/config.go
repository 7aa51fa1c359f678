package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Addr          string `env:"ADDR" env-default:":8000"`
	OpsAddr       string `env:"OPS_ADDR" env-default:":8081"`
	Store         string `env:"STORE" env-default:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH" env-default:"ledger.db"`
	SnapshotPath  string `env:"SNAPSHOT_PATH"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" env-default:"banking_app"`
	RabbitMQURI   string `env:"RABBITMQ_URI"`
	LogLevel      string `env:"LOG_LEVEL" env-default:"info"`
	Development   bool   `env:"DEVELOPMENT" env-default:"false"`
}

// Load reads .env from the working directory when present, then the
// environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path.
func LoadFile(dotenv string) (*Config, error) {
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("couldn't read %s: %w", dotenv, err)
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("couldn't read environment variables: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown STORE %q, must be memory, postgres or sqlite", c.Store)
	}
	return nil
}
