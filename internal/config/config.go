package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Engine struct {
		Cooldown        time.Duration `yaml:"cooldown"`
		MintThreshold   string        `yaml:"mint_threshold"`
		RedeemThreshold string        `yaml:"redeem_threshold"`
		Operators       []string      `yaml:"operators"`
		BaseAsset       string        `yaml:"base_asset"`
		CompositeAsset  string        `yaml:"composite_asset"`
		StartPaused     bool          `yaml:"start_paused"`
	} `yaml:"engine"`
	// Genesis balances are minted into the in-process custody at startup,
	// each approved for the engine in full.
	Genesis []Balance `yaml:"genesis"`
	Converter struct {
		Mode       string `yaml:"mode"`
		BaseURL    string `yaml:"base_url"`
		APIKey     string `yaml:"api_key"`
		MintRate   string `yaml:"mint_rate"`
		RedeemRate string `yaml:"redeem_rate"`
	} `yaml:"converter"`
	Keeper struct {
		Enabled  bool   `yaml:"enabled"`
		Cron     string `yaml:"cron"`
		Identity string `yaml:"identity"`
	} `yaml:"keeper"`
	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
		Stream   string `yaml:"stream"`
	} `yaml:"redis"`
	HTTP struct {
		Addr          string `yaml:"addr"`
		OperatorToken string `yaml:"operator_token"`
		OperatorID    string `yaml:"operator_id"`
		JWTSecret     string `yaml:"jwt_secret"`
		// Accounts maps depositor accounts to their bearer tokens.
		Accounts map[string]string `yaml:"accounts"`
	} `yaml:"http"`
	Log struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// Balance is an initial custody balance.
type Balance struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Keeper.Enabled = true

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ENGINE_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ENGINE_COOLDOWN: %w", err)
		}
		cfg.Engine.Cooldown = d
	}
	if v := os.Getenv("ENGINE_MINT_THRESHOLD"); v != "" {
		cfg.Engine.MintThreshold = v
	}
	if v := os.Getenv("ENGINE_REDEEM_THRESHOLD"); v != "" {
		cfg.Engine.RedeemThreshold = v
	}
	if v := os.Getenv("ENGINE_OPERATORS"); v != "" {
		cfg.Engine.Operators = splitList(v)
	}
	if v := os.Getenv("CONVERTER_BASE_URL"); v != "" {
		cfg.Converter.BaseURL = v
	}
	if v := os.Getenv("CONVERTER_API_KEY"); v != "" {
		cfg.Converter.APIKey = v
	}
	if v := os.Getenv("KEEPER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KEEPER_ENABLED: %w", err)
		}
		cfg.Keeper.Enabled = enabled
	}
	if v := os.Getenv("CRON_KEEPER"); v != "" {
		cfg.Keeper.Cron = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("OPERATOR_TOKEN"); v != "" {
		cfg.HTTP.OperatorToken = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.HTTP.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Cooldown == 0 {
		cfg.Engine.Cooldown = 30 * time.Minute
	}
	if cfg.Engine.MintThreshold == "" {
		cfg.Engine.MintThreshold = "20000"
	}
	if cfg.Engine.RedeemThreshold == "" {
		cfg.Engine.RedeemThreshold = "20000"
	}
	if cfg.Engine.BaseAsset == "" {
		cfg.Engine.BaseAsset = "3CRV"
	}
	if cfg.Engine.CompositeAsset == "" {
		cfg.Engine.CompositeAsset = "BTR"
	}
	if cfg.Converter.Mode == "" {
		cfg.Converter.Mode = "fixed"
	}
	if cfg.Converter.MintRate == "" {
		cfg.Converter.MintRate = "1/100"
	}
	if cfg.Converter.RedeemRate == "" {
		cfg.Converter.RedeemRate = "100"
	}
	if cfg.Keeper.Cron == "" {
		cfg.Keeper.Cron = "0 * * * * *"
	}
	if cfg.Keeper.Identity == "" {
		cfg.Keeper.Identity = "keeper"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		if cfg.Storage.Driver == "file" {
			cfg.Storage.Path = "data/batch_state.json"
		} else {
			cfg.Storage.Path = "data/batch_state.db"
		}
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/batch_events.db"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "batchsettle"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.OperatorID == "" {
		cfg.HTTP.OperatorID = "http:operator"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	if c.Engine.Cooldown < 0 {
		return fmt.Errorf("engine.cooldown must not be negative")
	}
	if c.Engine.BaseAsset == c.Engine.CompositeAsset {
		return fmt.Errorf("engine.base_asset and engine.composite_asset must differ")
	}
	switch c.Converter.Mode {
	case "fixed":
	case "http":
		if c.Converter.BaseURL == "" {
			return fmt.Errorf("converter.base_url is required in http mode")
		}
	default:
		return fmt.Errorf("converter.mode must be fixed or http, got %q", c.Converter.Mode)
	}
	switch c.Storage.Driver {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite, file or memory, got %q", c.Storage.Driver)
	}
	for i, g := range c.Genesis {
		if g.Account == "" || g.Amount == "" {
			return fmt.Errorf("genesis[%d]: account and amount are required", i)
		}
		if g.Asset != c.Engine.BaseAsset && g.Asset != c.Engine.CompositeAsset {
			return fmt.Errorf("genesis[%d]: unknown asset %q", i, g.Asset)
		}
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	if c.HTTP.JWTSecret != "" && c.HTTP.OperatorToken == "" && len(c.HTTP.Accounts) == 0 {
		return fmt.Errorf("http.jwt_secret requires http.operator_token or http.accounts")
	}
	seen := map[string]string{}
	if c.HTTP.OperatorToken != "" {
		seen[c.HTTP.OperatorToken] = c.HTTP.OperatorID
	}
	for account, token := range c.HTTP.Accounts {
		if account == "" || token == "" {
			return fmt.Errorf("http.accounts: account %q needs a non-empty token", account)
		}
		if other, dup := seen[token]; dup {
			return fmt.Errorf("http.accounts: %s shares a token with %s", account, other)
		}
		seen[token] = account
	}
	return nil
}
