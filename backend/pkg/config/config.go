package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trustfeed/backend/internal/constants"
	apperrors "trustfeed/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Graph
	RootPubkey        string
	MaxFollowDistance int
	SnapshotMaxBytes  int
	RecalcInterval    time.Duration

	// Storage
	DataDir         string
	StoreInMemory   bool
	PersistInterval time.Duration
	SeenEventsLimit int
	BootstrapPath   string // Overrides the embedded bootstrap dataset when set
	ImportDir       string // Snapshot files dropped here are merged into the graph

	// Network
	RelayURLs []string

	// Feeds
	FeedCacheSize int

	// Visibility settings (initial values, changeable at runtime)
	UnknownHorizon                   int
	HideEventsByUnknownUsers         bool
	HidePostsByMutedMoreThanFollowed bool

	// Neo4j mirror (disabled when URI is empty)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                             getEnv("PORT", "8080"),
		Env:                              getEnv("ENV", "development"),
		RootPubkey:                       strings.ToLower(getEnv("ROOT_PUBKEY", constants.DefaultRootPubkey)),
		MaxFollowDistance:                getEnvInt("MAX_FOLLOW_DISTANCE", constants.DefaultMaxFollowDistance),
		SnapshotMaxBytes:                 getEnvInt("SNAPSHOT_MAX_BYTES", constants.DefaultSnapshotMaxBytes),
		RecalcInterval:                   getEnvDuration("RECALC_INTERVAL", constants.DefaultRecalcInterval),
		DataDir:                          getEnv("DATA_DIR", "data"),
		StoreInMemory:                    getEnvBool("STORE_IN_MEMORY", false),
		PersistInterval:                  getEnvDuration("PERSIST_INTERVAL", constants.DefaultPersistInterval),
		SeenEventsLimit:                  getEnvInt("SEEN_EVENTS_LIMIT", constants.DefaultSeenEventsLimit),
		BootstrapPath:                    getEnv("BOOTSTRAP_PATH", ""),
		ImportDir:                        getEnv("IMPORT_DIR", ""),
		RelayURLs:                        getEnvList("RELAY_URLS", constants.DefaultRelayURLs),
		FeedCacheSize:                    getEnvInt("FEED_CACHE_SIZE", constants.DefaultFeedCacheSize),
		UnknownHorizon:                   getEnvInt("UNKNOWN_HORIZON", constants.DefaultUnknownHorizon),
		HideEventsByUnknownUsers:         getEnvBool("HIDE_EVENTS_BY_UNKNOWN_USERS", false),
		HidePostsByMutedMoreThanFollowed: getEnvBool("HIDE_POSTS_BY_MUTED_MORE_THAN_FOLLOWED", true),
		Neo4jURI:                         getEnv("NEO4J_URI", ""),
		Neo4jUser:                        getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:                    getEnv("NEO4J_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if len(c.RootPubkey) != 64 {
		return apperrors.NewConfigValidationFailed("ROOT_PUBKEY", "must be 64 hex characters")
	}
	if _, err := hex.DecodeString(c.RootPubkey); err != nil {
		return apperrors.NewConfigValidationFailed("ROOT_PUBKEY", "must be hex encoded")
	}
	if c.MaxFollowDistance < 1 {
		return apperrors.NewConfigValidationFailed("MAX_FOLLOW_DISTANCE", "must be at least 1")
	}
	if c.SnapshotMaxBytes <= 0 {
		return apperrors.NewConfigValidationFailed("SNAPSHOT_MAX_BYTES", "must be positive")
	}
	if c.FeedCacheSize <= 0 {
		return apperrors.NewConfigValidationFailed("FEED_CACHE_SIZE", "must be positive")
	}
	if !c.StoreInMemory && c.DataDir == "" {
		return apperrors.NewConfigMissingRequired("DATA_DIR")
	}
	if c.Neo4jURI != "" && c.Neo4jPassword == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_PASSWORD")
	}
	// Relays are optional: without them the node runs offline from its snapshot
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Neo4jEnabled reports whether the graph mirror is configured
func (c *Config) Neo4jEnabled() bool {
	return c.Neo4jURI != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
