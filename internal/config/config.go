// Package config provides configuration loading for the worker node.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the worker process.
type Config struct {
	Chain    ChainConfig    `mapstructure:"chain"`
	Service  ServiceConfig  `mapstructure:"service"`
	Store    StoreConfig    `mapstructure:"store"`
	P2P      P2PConfig      `mapstructure:"p2p"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ChainConfig holds RPC endpoint and contract addresses.
type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url" validate:"required,url"`
	ChainID            int64         `mapstructure:"chain_id" validate:"required,gt=0"`
	MarketplaceAddress string        `mapstructure:"marketplace_address" validate:"required,eth_addr"`
	RegistryAddress    string        `mapstructure:"registry_address" validate:"required,eth_addr"`
	StakingAddress     string        `mapstructure:"staking_address" validate:"omitempty,eth_addr"`
	Confirmations      int           `mapstructure:"confirmations" validate:"gte=0"`
	RPCTimeout         time.Duration `mapstructure:"rpc_timeout"`
}

// ServiceConfig identifies the operator's registered service.
type ServiceConfig struct {
	ServiceID    uint64 `mapstructure:"service_id" validate:"required,gt=0"`
	KeyFile      string `mapstructure:"key_file" validate:"required"`
	PasswordFile string `mapstructure:"password_file"`
	// Mechs are the operator's deployed mech addresses; requests addressed
	// to them form the work feed. Created once via `jinnctl create-mech`.
	Mechs   []string `mapstructure:"mechs" validate:"required,min=1,dive,eth_addr"`
	Trusted bool     `mapstructure:"trusted"`
}

// StoreConfig holds content-store settings.
type StoreConfig struct {
	DataDir           string        `mapstructure:"data_dir" validate:"required"`
	GatewayURL        string        `mapstructure:"gateway_url" validate:"required,url"`
	GatewayTimeout    time.Duration `mapstructure:"gateway_timeout"`
	GatewayRetries    int           `mapstructure:"gateway_retries"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
}

// P2PConfig holds overlay settings.
type P2PConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ListenAddrs  []string `mapstructure:"listen_addrs"`
	TrustedPeers []string `mapstructure:"trusted_peers"`
	AnnounceTopic string  `mapstructure:"announce_topic"`
}

// IndexerConfig holds the Ponder GraphQL endpoint.
type IndexerConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BrokerConfig holds the credential broker endpoint.
type BrokerConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig holds claim-loop and pipeline settings.
type WorkerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	InFlight        int           `mapstructure:"in_flight" validate:"gte=1"`
	AgentBinary     string        `mapstructure:"agent_binary" validate:"required"`
	AgentTimeout    time.Duration `mapstructure:"agent_timeout"`
	WorkspacePath   string        `mapstructure:"workspace_path"`
	RepoPath        string        `mapstructure:"repo_path"`
	SSHHostAlias    string        `mapstructure:"ssh_host_alias"`
	Reflection      bool          `mapstructure:"reflection"`
	HierarchyDepth  int           `mapstructure:"hierarchy_depth" validate:"gte=1,lte=5"`
	AllowedModels   []string      `mapstructure:"allowed_models"`
	DefaultModel    string        `mapstructure:"default_model"`
	Tools           []string      `mapstructure:"tools"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the optional PostgreSQL connection for the venture
// and template store. Disabled when Host is empty.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Enabled reports whether a venture store is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the postgres:// form used by golang-migrate.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/jinn")

	v.SetEnvPrefix("JINN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested keys that arrive only via environment need explicit binds.
	v.BindEnv("chain.rpc_url", "JINN_CHAIN_RPC_URL")
	v.BindEnv("chain.marketplace_address", "JINN_CHAIN_MARKETPLACE_ADDRESS")
	v.BindEnv("chain.registry_address", "JINN_CHAIN_REGISTRY_ADDRESS")
	v.BindEnv("chain.staking_address", "JINN_CHAIN_STAKING_ADDRESS")
	v.BindEnv("service.service_id", "JINN_SERVICE_SERVICE_ID")
	v.BindEnv("service.key_file", "JINN_SERVICE_KEY_FILE")
	v.BindEnv("service.password_file", "JINN_SERVICE_PASSWORD_FILE")
	v.BindEnv("service.mechs", "JINN_SERVICE_MECHS")
	v.BindEnv("store.gateway_url", "JINN_STORE_GATEWAY_URL")
	v.BindEnv("indexer.url", "JINN_INDEXER_URL")
	v.BindEnv("broker.url", "JINN_BROKER_URL")
	v.BindEnv("worker.workspace_path", "JINN_WORKER_WORKSPACE_PATH")
	v.BindEnv("worker.repo_path", "JINN_WORKER_REPO_PATH")
	v.BindEnv("worker.ssh_host_alias", "JINN_WORKER_SSH_HOST_ALIAS")
	v.BindEnv("worker.agent_binary", "JINN_WORKER_AGENT_BINARY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints on a loaded configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if ok := isValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.chain_id", 100)
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.rpc_timeout", "30s")

	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.gateway_url", "https://gateway.autonolas.tech")
	v.SetDefault("store.gateway_timeout", "10s")
	v.SetDefault("store.gateway_retries", 3)
	v.SetDefault("store.compress_threshold", 4096)

	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.listen_addrs", []string{"/ip4/0.0.0.0/tcp/9044"})
	v.SetDefault("p2p.announce_topic", "jinn-blocks")

	v.SetDefault("indexer.url", "http://localhost:42069/graphql")
	v.SetDefault("indexer.timeout", "10s")

	v.SetDefault("broker.timeout", "15s")

	v.SetDefault("worker.tick_interval", "5s")
	v.SetDefault("worker.in_flight", 1)
	v.SetDefault("worker.agent_binary", "jinn-agent")
	v.SetDefault("worker.agent_timeout", "20m")
	v.SetDefault("worker.reflection", true)
	v.SetDefault("worker.hierarchy_depth", 3)
	v.SetDefault("worker.tools", []string{
		"create_artifact", "dispatch_new_job", "github_operations",
		"create_pull_request", "push_branch", "web_search", "fetch_page",
	})

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8716)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "jinn")
	v.SetDefault("database.database", "jinn")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
}
