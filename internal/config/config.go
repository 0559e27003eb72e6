package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Backend endpoints.
	APIURL string `env:"CHAT_API_URL" envDefault:"http://localhost:8000/api"`
	WSURL  string `env:"CHAT_WS_URL" envDefault:"ws://localhost:8000/ws/chat"`

	// Account credentials. Only used when no cached session is valid.
	Email    string `env:"CHAT_EMAIL"`
	Password string `env:"CHAT_PASSWORD"`

	// Connection tuning.
	HeartbeatInterval    time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReconnectBaseDelay   time.Duration `env:"CHAT_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxAttempts int           `env:"CHAT_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	// History page size and roster refresh throttle.
	HistoryLimit       int           `env:"CHAT_HISTORY_LIMIT" envDefault:"100"`
	RefreshMinInterval time.Duration `env:"CHAT_REFRESH_MIN_INTERVAL" envDefault:"1s"`

	// Directory watched for attachments to send. Empty disables the outbox.
	OutboxDir string `env:"CHAT_OUTBOX_DIR"`

	// bbolt file holding the session cookie and last conversation.
	// Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8091"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.OutboxDir != "" {
		absDir, err := filepath.Abs(cfg.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving outbox dir to absolute path: %w", err)
		}

		cfg.OutboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validateURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if err := validateURL("CHAT_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if c.Email == "" {
		return fmt.Errorf("CHAT_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("CHAT_PASSWORD is required")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("CHAT_HEARTBEAT_INTERVAL must be positive")
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_BASE_DELAY must be positive")
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("CHAT_RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("CHAT_HISTORY_LIMIT must be positive")
	}

	if c.RefreshMinInterval < 0 {
		return fmt.Errorf("CHAT_REFRESH_MIN_INTERVAL must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("%s must use one of the schemes %s", name, strings.Join(schemes, ", "))
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2"
func (c *Config) ParseMCPAPIKeys() (auth.KeyHashes, error) {
	keys := make(auth.KeyHashes)
	if c.MCPAPIKeys == "" {
		return keys, nil
	}

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(keys)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("entry %d is not a bcrypt hash: %w", len(keys)+1, err)
		}

		if _, dup := keys[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		keys[userID] = hash
	}

	return keys, nil
}
