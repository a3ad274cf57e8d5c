package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CacheConfig holds the limits of the folder cache and the search cache.
type CacheConfig struct {
	MaxFoldersPerAccount   int
	MaxHeadersPerFolder    int
	SearchTTL              time.Duration
	SearchMaxEntries       int
	PersistDebounce        time.Duration
	FilePath               string
	DefaultPageSize        int
	RepositoryWriteTimeout time.Duration
}

// PoolConfig holds the IMAP connection pool limits.
type PoolConfig struct {
	MaxConnectionsPerAccount int
	IdleTimeout              time.Duration
	AcquireTimeout           time.Duration
	SweepInterval            time.Duration
}

type Config struct {
	Environment    string
	LogLevel       string
	Port           string
	APIToken       string
	DataDir        string
	DBDriver       string
	SQLitePath     string
	DBHost         string
	DBPort         string
	DBUsername     string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	KeyringBackend string
	Accounts       []models.Account
	Cache          CacheConfig
	Pool           PoolConfig
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILVISTA_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MAILVISTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	config, err := fromViper(v, env)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("port", "8080")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "mailvista")
	v.SetDefault("db.name", "mailvista")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("keyring.backend", "auto")

	v.SetDefault("cache.max_folders_per_account", 30)
	v.SetDefault("cache.max_headers_per_folder", 500)
	v.SetDefault("cache.search_ttl", 2*time.Minute)
	v.SetDefault("cache.search_max_entries", 50)
	v.SetDefault("cache.persist_debounce", 500*time.Millisecond)
	v.SetDefault("cache.default_page_size", 50)
	v.SetDefault("cache.repository_write_timeout", 30*time.Second)

	v.SetDefault("pool.max_connections_per_account", 3)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.acquire_timeout", 30*time.Second)
	v.SetDefault("pool.sweep_interval", time.Minute)
}

func fromViper(v *viper.Viper, env string) (*Config, error) {
	dataDir := v.GetString("data_dir")

	config := &Config{
		Environment:    env,
		LogLevel:       v.GetString("log_level"),
		Port:           v.GetString("port"),
		APIToken:       v.GetString("api_token"),
		DataDir:        dataDir,
		DBDriver:       strings.ToLower(v.GetString("db.driver")),
		SQLitePath:     v.GetString("db.sqlite_path"),
		DBHost:         v.GetString("db.host"),
		DBPort:         v.GetString("db.port"),
		DBUsername:     v.GetString("db.user"),
		DBPassword:     v.GetString("db.password"),
		DBName:         v.GetString("db.name"),
		DBSSLMode:      v.GetString("db.sslmode"),
		KeyringBackend: v.GetString("keyring.backend"),
		Cache: CacheConfig{
			MaxFoldersPerAccount:   v.GetInt("cache.max_folders_per_account"),
			MaxHeadersPerFolder:    v.GetInt("cache.max_headers_per_folder"),
			SearchTTL:              v.GetDuration("cache.search_ttl"),
			SearchMaxEntries:       v.GetInt("cache.search_max_entries"),
			PersistDebounce:        v.GetDuration("cache.persist_debounce"),
			FilePath:               v.GetString("cache.file"),
			DefaultPageSize:        v.GetInt("cache.default_page_size"),
			RepositoryWriteTimeout: v.GetDuration("cache.repository_write_timeout"),
		},
		Pool: PoolConfig{
			MaxConnectionsPerAccount: v.GetInt("pool.max_connections_per_account"),
			IdleTimeout:              v.GetDuration("pool.idle_timeout"),
			AcquireTimeout:           v.GetDuration("pool.acquire_timeout"),
			SweepInterval:            v.GetDuration("pool.sweep_interval"),
		},
	}

	if config.SQLitePath == "" {
		config.SQLitePath = filepath.Join(dataDir, "mailvista.db")
	}
	if config.Cache.FilePath == "" {
		config.Cache.FilePath = filepath.Join(dataDir, "mail-cache.json")
	}

	if err := v.UnmarshalKey("accounts", &config.Accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}
	for i := range config.Accounts {
		account := &config.Accounts[i]
		account.Email = strings.ToLower(strings.TrimSpace(account.Email))
		if account.IMAPPort == 0 {
			account.IMAPPort = 993
		}
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("MAILVISTA_PORT is required")
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("MAILVISTA_DB_SQLITE_PATH is required")
		}
	case DriverPostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("MAILVISTA_DB_PASSWORD is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.DBDriver)
	}

	if c.Cache.MaxFoldersPerAccount <= 0 || c.Cache.MaxHeadersPerFolder <= 0 {
		return fmt.Errorf("cache limits must be positive")
	}
	if c.Cache.SearchMaxEntries <= 0 || c.Cache.SearchTTL <= 0 {
		return fmt.Errorf("search cache limits must be positive")
	}
	if c.Pool.MaxConnectionsPerAccount <= 0 {
		return fmt.Errorf("pool.max_connections_per_account must be positive")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, account := range c.Accounts {
		if account.Email == "" {
			return fmt.Errorf("account email is required")
		}
		if account.IMAPHost == "" {
			return fmt.Errorf("account %s: imap_host is required", account.Email)
		}
		if seen[account.Email] {
			return fmt.Errorf("account %s is configured twice", account.Email)
		}
		seen[account.Email] = true
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// Account returns the configured account with the given email.
func (c *Config) Account(email string) (models.Account, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, account := range c.Accounts {
		if account.Email == email {
			return account, true
		}
	}
	return models.Account{}, false
}

func configPath() (string, error) {
	if path := os.Getenv("MAILVISTA_CONFIG"); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mailvista", "config.yaml"), nil
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mailvista")
	}
	return ".mailvista"
}

// readConfigFile loads the YAML file at path. A missing file is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}
