package reqguard

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// Config is the recognized configuration surface. Precedence: defaults,
// then JSON config file, then environment variables.
type Config struct {
	MaxRequestsPerMinute int    `json:"maxRequestsPerMinute"`
	MaxFailedLogins      int    `json:"maxFailedLogins"`
	StoreTimeoutMs       int    `json:"storeTimeoutMs"`
	ListenAddr           string `json:"listenAddr"`
	RedisAddr            string `json:"redisAddr"`
	RedisPassword        string `json:"redisPassword"`
	RedisDB              int    `json:"redisDb"`
	LedgerPath           string `json:"ledgerPath"`
	EncryptionKey        string `json:"encryptionKey"` // base64, 32 bytes decoded
}

func DefaultConfig() *Config {
	return &Config{
		MaxRequestsPerMinute: 1000,
		MaxFailedLogins:      5,
		StoreTimeoutMs:       2000,
		ListenAddr:           ":3000",
	}
}

// LoadConfig builds the effective configuration. path may be empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REQGUARD_MAX_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRequestsPerMinute = n
		}
	}
	if v := os.Getenv("REQGUARD_MAX_FAILED_LOGINS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxFailedLogins = n
		}
	}
	if v := os.Getenv("REQGUARD_STORE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StoreTimeoutMs = n
		}
	}
	if v := os.Getenv("REQGUARD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("REQGUARD_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REQGUARD_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REQGUARD_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("REQGUARD_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("REQGUARD_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
}

func (c *Config) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("maxRequestsPerMinute must be positive, got %d", c.MaxRequestsPerMinute)
	}
	if c.MaxFailedLogins <= 0 {
		return fmt.Errorf("maxFailedLogins must be positive, got %d", c.MaxFailedLogins)
	}
	if c.StoreTimeoutMs <= 0 {
		return fmt.Errorf("storeTimeoutMs must be positive, got %d", c.StoreTimeoutMs)
	}
	if c.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryptionKey is not valid base64: %v", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryptionKey must decode to 32 bytes, got %d", len(key))
		}
	}
	return nil
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c *Config) PipelineLimits() Limits {
	return Limits{
		MaxRequestsPerMinute: c.MaxRequestsPerMinute,
		MaxFailedLogins:      c.MaxFailedLogins,
	}
}

// WatchConfig reloads the config file on change and pushes the new limits
// into the pipeline. Returns a stop function.
func WatchConfig(path string, pipeline *Pipeline, logger *log.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("config reload rejected")
					continue
				}
				pipeline.SetLimits(cfg.PipelineLimits())
				logger.Info().
					Int("maxRequestsPerMinute", cfg.MaxRequestsPerMinute).
					Int("maxFailedLogins", cfg.MaxFailedLogins).
					Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
