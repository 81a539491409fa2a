package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default values for optional settings.
const (
	DefaultBindHost            = "127.0.0.1"
	DefaultAPIPort             = 8420
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultBusQueueSize        = 1024
	DefaultCostAutoCap         = 5.0
	DefaultCostConfirmCap      = 100.0
	DefaultQuietHoursStart     = 22
	DefaultQuietHoursEnd       = 7
	DefaultBackupRetentionDays = 7
)

// Config holds the full process configuration, read from the environment.
type Config struct {
	DataRoot            string
	BindHost            string
	APIPort             int
	HeartbeatInterval   time.Duration
	BusQueueSize        int
	CostAutoCap         float64
	CostConfirmCap      float64
	QuietHoursStart     int
	QuietHoursEnd       int
	BackupRetentionDays int
	// Tickers is the finance agent's watchlist, comma separated in the
	// environment.
	Tickers []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	// Ignore missing .env; it is a convenience for development.
	_ = godotenv.Load()

	cfg := &Config{
		DataRoot:            os.Getenv("DATA_ROOT"),
		BindHost:            getEnvString("BIND_HOST", DefaultBindHost),
		APIPort:             getEnvInt("API_PORT", DefaultAPIPort),
		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		BusQueueSize:        getEnvInt("BUS_QUEUE_SIZE", DefaultBusQueueSize),
		CostAutoCap:         getEnvFloat("COST_AUTO_CAP", DefaultCostAutoCap),
		CostConfirmCap:      getEnvFloat("COST_CONFIRM_CAP", DefaultCostConfirmCap),
		QuietHoursStart:     getEnvInt("QUIET_HOURS_START", DefaultQuietHoursStart),
		QuietHoursEnd:       getEnvInt("QUIET_HOURS_END", DefaultQuietHoursEnd),
		BackupRetentionDays: getEnvInt("BACKUP_RETENTION_DAYS", DefaultBackupRetentionDays),
		Tickers:             getEnvList("TICKERS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("DATA_ROOT is required")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT out of range: %d", c.APIPort)
	}
	if c.BusQueueSize < 1 {
		return fmt.Errorf("BUS_QUEUE_SIZE must be positive: %d", c.BusQueueSize)
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL too small: %s", c.HeartbeatInterval)
	}
	if c.CostAutoCap < 0 || c.CostConfirmCap < c.CostAutoCap {
		return fmt.Errorf("cost caps invalid: auto=%.2f confirm=%.2f", c.CostAutoCap, c.CostConfirmCap)
	}
	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 || c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours out of range: start=%d end=%d", c.QuietHoursStart, c.QuietHoursEnd)
	}
	if c.BackupRetentionDays < 1 {
		return fmt.Errorf("BACKUP_RETENTION_DAYS must be positive: %d", c.BackupRetentionDays)
	}
	return nil
}

// APIAddr returns the host:port the control-plane API binds to.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.APIPort)
}

// MailSpoolDir is where the mail connector keeps its inbox and outbox.
func (c *Config) MailSpoolDir() string {
	return filepath.Join(c.DataRoot, "mail")
}

// ChatLogDir is where the chat connector writes channel logs.
func (c *Config) ChatLogDir() string {
	return filepath.Join(c.DataRoot, "chat")
}

// PriceTablePath is the price feed connector's quote table.
func (c *Config) PriceTablePath() string {
	return filepath.Join(c.DataRoot, "prices.json")
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts either a Go duration string ("30s") or a bare
// number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
