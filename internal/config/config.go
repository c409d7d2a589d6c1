package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all agent configuration
type Config struct {
	Wallets   WalletsConfig   `mapstructure:"wallets"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Balances  BalancesConfig  `mapstructure:"balances"`
	Prices    PricesConfig    `mapstructure:"prices"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Queue     QueueConfig     `mapstructure:"queue"`
	API       APIConfig       `mapstructure:"api"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

type WalletsConfig struct {
	Dir            string `mapstructure:"dir"`              // directory for encrypted key blobs
	StoreSecretEnv string `mapstructure:"store_secret_env"` // env var holding the store encryption secret
	MnemonicWords  int    `mapstructure:"mnemonic_words"`   // 12 or 24
}

type RPCConfig struct {
	PrimaryURL        string  `mapstructure:"primary_url"`
	PrimaryAPIKeyEnv  string  `mapstructure:"primary_api_key_env"`
	FallbackURL       string  `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string  `mapstructure:"fallback_api_key_env"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type SchedulerConfig struct {
	ScanIntervalSeconds  int     `mapstructure:"scan_interval_seconds"`
	MinIntervalSeconds   int     `mapstructure:"min_interval_seconds"`
	MinTradingBalanceSol float64 `mapstructure:"min_trading_balance_sol"`
	StaggerThreshold     int     `mapstructure:"stagger_threshold"`
	StaggerWindowSeconds int     `mapstructure:"stagger_window_seconds"`
	EmptyScanThreshold   int     `mapstructure:"empty_scan_threshold"`
	EmptyScanExtraSecs   int     `mapstructure:"empty_scan_extra_seconds"`
	RateLimitBackoff     float64 `mapstructure:"rate_limit_backoff"` // factor added to the interval after a rate-limit signal
	ScanWorkers          int     `mapstructure:"scan_workers"`
}

type BalancesConfig struct {
	TTLSeconds       int  `mapstructure:"ttl_seconds"`
	BatchSize        int  `mapstructure:"batch_size"`
	BatchWorkers     int  `mapstructure:"batch_workers"`
	PersistSnapshots bool `mapstructure:"persist_snapshots"`
}

type PricesConfig struct {
	CacheTTLSeconds  int    `mapstructure:"cache_ttl_seconds"` // clamped to 60..600
	CacheSize        int    `mapstructure:"cache_size"`
	WSURL            string `mapstructure:"ws_url"` // empty disables the live feed
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

type EngineConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	LocalFallback  bool   `mapstructure:"local_fallback"` // rule-based ranking when the engine is unreachable
}

type QueueConfig struct {
	Size                  int `mapstructure:"size"`
	ConfirmTimeoutSeconds int `mapstructure:"confirm_timeout_seconds"`
	PollIntervalMs        int `mapstructure:"poll_interval_ms"`
	DrainTimeoutSeconds   int `mapstructure:"drain_timeout_seconds"`
	RetentionSeconds      int `mapstructure:"retention_seconds"` // finished entries older than this are purged
}

type APIConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"` // empty disables webhook delivery
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type TUIConfig struct {
	RefreshRateMs int `mapstructure:"refresh_rate_ms"`
	LogLines      int `mapstructure:"log_lines"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set Defaults (Hardening)
	v.SetDefault("wallets.dir", "./data/wallets")
	v.SetDefault("wallets.store_secret_env", "WALLET_STORE_SECRET")
	v.SetDefault("wallets.mnemonic_words", 24)
	v.SetDefault("rpc.primary_api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "FALLBACK_RPC_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.requests_per_second", 10.0)
	v.SetDefault("rpc.burst", 20)
	v.SetDefault("scheduler.scan_interval_seconds", 300)
	v.SetDefault("scheduler.min_interval_seconds", 5)
	v.SetDefault("scheduler.min_trading_balance_sol", 0.01)
	v.SetDefault("scheduler.stagger_threshold", 100)
	v.SetDefault("scheduler.stagger_window_seconds", 60)
	v.SetDefault("scheduler.empty_scan_threshold", 10)
	v.SetDefault("scheduler.empty_scan_extra_seconds", 30)
	v.SetDefault("scheduler.rate_limit_backoff", 0.5)
	v.SetDefault("scheduler.scan_workers", 4)
	v.SetDefault("balances.ttl_seconds", 30)
	v.SetDefault("balances.batch_size", 10)
	v.SetDefault("balances.batch_workers", 3)
	v.SetDefault("balances.persist_snapshots", true)
	v.SetDefault("prices.cache_ttl_seconds", 300)
	v.SetDefault("prices.cache_size", 1024)
	v.SetDefault("prices.reconnect_delay_ms", 5000)
	v.SetDefault("prices.ping_interval_ms", 30000)
	v.SetDefault("engine.base_url", "http://127.0.0.1:8090")
	v.SetDefault("engine.api_key_env", "ENGINE_API_KEY")
	v.SetDefault("engine.timeout_seconds", 10)
	v.SetDefault("engine.local_fallback", true)
	v.SetDefault("queue.size", 256)
	v.SetDefault("queue.confirm_timeout_seconds", 60)
	v.SetDefault("queue.poll_interval_ms", 2000)
	v.SetDefault("queue.drain_timeout_seconds", 30)
	v.SetDefault("queue.retention_seconds", 3600)
	v.SetDefault("api.listen_host", "127.0.0.1")
	v.SetDefault("api.listen_port", 8080)
	v.SetDefault("storage.sqlite_path", "./data/agent.db")
	v.SetDefault("notify.timeout_seconds", 5)
	v.SetDefault("tui.refresh_rate_ms", 1000)
	v.SetDefault("tui.log_lines", 100)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/agent.db"
	}
	if cfg.Wallets.Dir == "" {
		cfg.Wallets.Dir = "./data/wallets"
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetScheduler returns scheduler config (most frequently accessed)
func (m *Manager) GetScheduler() SchedulerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Scheduler
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies config values and saves to file
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Apply changes
	fn(m.config)

	// Update viper values
	m.viper.Set("scheduler.scan_interval_seconds", m.config.Scheduler.ScanIntervalSeconds)
	m.viper.Set("scheduler.min_trading_balance_sol", m.config.Scheduler.MinTradingBalanceSol)
	m.viper.Set("scheduler.empty_scan_threshold", m.config.Scheduler.EmptyScanThreshold)
	m.viper.Set("scheduler.rate_limit_backoff", m.config.Scheduler.RateLimitBackoff)
	m.viper.Set("queue.size", m.config.Queue.Size)
	m.viper.Set("notify.webhook_url", m.config.Notify.WebhookURL)

	// Write to file
	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}

	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetStoreSecret loads the wallet store encryption secret from environment
func (m *Manager) GetStoreSecret() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallets.StoreSecretEnv)
}

// GetEngineAPIKey loads the decision engine API key from environment
func (m *Manager) GetEngineAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Engine.APIKeyEnv)
}

// GetPrimaryRPCURL returns the full primary RPC URL with API key injected
func (m *Manager) GetPrimaryRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.PrimaryURL
	key := os.Getenv(m.config.RPC.PrimaryAPIKeyEnv)
	if key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetFallbackRPCURL returns the full fallback RPC URL with API key injected
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.FallbackURL
	key := os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
	if key == "" {
		return url
	}

	// Detect provider param style
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}

	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// GetPricesWSURL returns the price feed WebSocket URL with API key injected
func (m *Manager) GetPricesWSURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.Prices.WSURL
	key := os.Getenv(m.config.RPC.PrimaryAPIKeyEnv)
	if url == "" || key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetScanInterval returns the base scan interval as duration, floored at the minimum
func (m *Manager) GetScanInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secs := m.config.Scheduler.ScanIntervalSeconds
	if secs < m.config.Scheduler.MinIntervalSeconds {
		secs = m.config.Scheduler.MinIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// GetMinInterval returns the interval floor as duration
func (m *Manager) GetMinInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Scheduler.MinIntervalSeconds) * time.Second
}

// GetStaggerWindow returns the stagger window as duration
func (m *Manager) GetStaggerWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Scheduler.StaggerWindowSeconds) * time.Second
}

// GetMinTradingBalance returns the activation threshold in lamports
func (m *Manager) GetMinTradingBalance() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(m.config.Scheduler.MinTradingBalanceSol * 1e9)
}

// GetBalanceTTL returns the balance cache TTL as duration
func (m *Manager) GetBalanceTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Balances.TTLSeconds) * time.Second
}

// GetPriceCacheTTL returns the price cache TTL clamped to the 60..600s band
func (m *Manager) GetPriceCacheTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secs := m.config.Prices.CacheTTLSeconds
	if secs < 60 {
		secs = 60
	}
	if secs > 600 {
		secs = 600
	}
	return time.Duration(secs) * time.Second
}

// GetConfirmTimeout returns the trade confirmation timeout as duration
func (m *Manager) GetConfirmTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Queue.ConfirmTimeoutSeconds) * time.Second
}
