package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       int    `env:"PORT" envDefault:"8080"`
	DataDir    string `env:"DATA_DIR" envDefault:"/data"`
	CatalogDir string `env:"CATALOG_DIR"`

	Store    string `env:"STORE" envDefault:"file"`
	StoreDir string `env:"STORE_DIR"`

	TextureCacheBytes   int64 `env:"TEXTURE_CACHE_BYTES" envDefault:"3000000"`
	PlaceNameCacheBytes int64 `env:"PLACENAME_CACHE_BYTES" envDefault:"2000000"`

	RetrievalPoolSize   int           `env:"RETRIEVAL_POOL_SIZE" envDefault:"5"`
	RetrievalQueueSize  int           `env:"RETRIEVAL_QUEUE_SIZE" envDefault:"100"`
	RetrievalStaleLimit time.Duration `env:"RETRIEVAL_STALE_LIMIT" envDefault:"30s"`
	URLConnectTimeout   time.Duration `env:"URL_CONNECT_TIMEOUT" envDefault:"8s"`
	URLReadTimeout      time.Duration `env:"URL_READ_TIMEOUT" envDefault:"5s"`
	UserAgent           string        `env:"USER_AGENT" envDefault:"tilestream"`
	// Offline serves only what the file store already holds.
	Offline bool `env:"OFFLINE" envDefault:"false"`

	AbsentMaxTries      int           `env:"ABSENT_MAX_TRIES" envDefault:"1"`
	AbsentCheckInterval time.Duration `env:"ABSENT_CHECK_INTERVAL" envDefault:"10s"`
	AbsentTryAgain      time.Duration `env:"ABSENT_TRY_AGAIN_INTERVAL" envDefault:"0s"`

	BulkPollDelay time.Duration `env:"BULK_POLL_DELAY" envDefault:"1s"`
	// BulkRate caps bulk submissions per second; zero disables the limit.
	BulkRate float64 `env:"BULK_RATE" envDefault:"0"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	VipsMaxCacheMB  int `env:"VIPS_MAX_CACHE_MB" envDefault:"256"`
	VipsConcurrency int `env:"VIPS_CONCURRENCY" envDefault:"1"`
}

// Load reads an optional .env file and then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CatalogDir == "" {
		c.CatalogDir = filepath.Join(c.DataDir, "datasets")
	}
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(c.DataDir, "tiles")
	}
}

func (c *Config) Validate() error {
	switch c.Store {
	case "file", "bolt", "disabled":
	default:
		return fmt.Errorf("unknown STORE %q (supported: file, bolt, disabled)", c.Store)
	}
	if c.RetrievalPoolSize < 1 {
		return fmt.Errorf("RETRIEVAL_POOL_SIZE must be positive, got %d", c.RetrievalPoolSize)
	}
	if c.RetrievalQueueSize < 1 {
		return fmt.Errorf("RETRIEVAL_QUEUE_SIZE must be positive, got %d", c.RetrievalQueueSize)
	}
	if c.TextureCacheBytes < 1 || c.PlaceNameCacheBytes < 1 {
		return fmt.Errorf("cache capacities must be positive")
	}
	if c.BulkRate < 0 {
		return fmt.Errorf("BULK_RATE must not be negative")
	}
	return nil
}
