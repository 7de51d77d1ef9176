// Package config loads service configuration from an optional YAML file and
// EXPENSES_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// EXPENSES_SERVER_PORT=8080 or EXPENSES_DATABASE_DRIVER=mongo.
const EnvPrefix = "EXPENSES"

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"` // postgres | mongo | memory
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	Migrate     bool          `mapstructure:"migrate"`
	MongoURI    string        `mapstructure:"mongo_uri"`
	MongoDB     string        `mapstructure:"mongo_db"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
}

type WorkflowConfig struct {
	StoreTimeout  time.Duration     `mapstructure:"store_timeout"`
	RetryAttempts int               `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
	FallbackRole  string            `mapstructure:"fallback_role"`
	AdminRole     string            `mapstructure:"admin_role"`
	BaseCurrency  string            `mapstructure:"base_currency"`
	Rates         map[string]string `mapstructure:"rates"` // currency -> units of base currency
}

type SeedConfig struct {
	RulesFile     string `mapstructure:"rules_file"`
	DirectoryFile string `mapstructure:"directory_file"`
}

type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-expenses")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "expenses")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.mongo_uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("database.mongo_db", "expenses")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "notifications.expenses")
	v.SetDefault("nats.connect_wait", 2*time.Second)

	v.SetDefault("workflow.store_timeout", 5*time.Second)
	v.SetDefault("workflow.retry_attempts", 3)
	v.SetDefault("workflow.retry_backoff", 50*time.Millisecond)
	v.SetDefault("workflow.fallback_role", "FINANCE_MANAGER")
	v.SetDefault("workflow.admin_role", "ADMIN")
	v.SetDefault("workflow.base_currency", "INR")

	v.SetDefault("seed.rules_file", "")
	v.SetDefault("seed.directory_file", "")
}

// Load reads configuration. An empty path skips the file and uses defaults
// plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Workflow.BaseCurrency = strings.ToUpper(c.Workflow.BaseCurrency)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mongo", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, mongo or memory, got %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server.port and server.grpc_port must be positive")
	}
	if len(c.Workflow.BaseCurrency) != 3 {
		return fmt.Errorf("workflow.base_currency must be a 3-letter code")
	}
	if c.Workflow.StoreTimeout <= 0 {
		return fmt.Errorf("workflow.store_timeout must be positive")
	}
	if c.Workflow.RetryAttempts < 1 {
		return fmt.Errorf("workflow.retry_attempts must be at least 1")
	}
	return nil
}
