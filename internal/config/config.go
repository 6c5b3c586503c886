// Package config loads the interposition layer's configuration: the mount
// scope plus tuning for logging, the storage-node connection pool and the
// page caches.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bypassfs/bypassfs/pkg/utils"
)

// Configuration is the complete startup configuration. The top-level keys
// mirror the classic client config file.
type Configuration struct {
	MountPoint string `yaml:"mountPoint"`
	IgnorePath string `yaml:"ignorePath"`
	LogDir     string `yaml:"logDir"`
	LogLevel   string `yaml:"logLevel"`
	ProfPort   int    `yaml:"profPort"`

	Master MasterConfig `yaml:"master"`
	Pool   PoolConfig   `yaml:"pool"`
	Cache  CacheConfig  `yaml:"cache"`
}

// MasterConfig names the cluster and its metadata endpoints.
type MasterConfig struct {
	Addrs  string `yaml:"addrs"`
	Volume string `yaml:"volume"`
	Owner  string `yaml:"owner"`
}

// PoolConfig tunes the storage-node connection pool.
type PoolConfig struct {
	MaxIdlePerNode int           `yaml:"max_idle_per_node"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
}

// CacheConfig tunes the big/small page caches. Sizes accept human-readable
// byte strings ("64MB").
type CacheConfig struct {
	BigPageSize     string `yaml:"big_page_size"`
	SmallPageSize   string `yaml:"small_page_size"`
	BigSplitBytes   string `yaml:"big_split_bytes"`
	BigMaxEntries   int    `yaml:"big_max_entries"`
	SmallMaxEntries int    `yaml:"small_max_entries"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		MountPoint: "",
		IgnorePath: "",
		LogDir:     "/var/log/bypassfs",
		LogLevel:   "INFO",
		ProfPort:   17520,
		Pool: PoolConfig{
			MaxIdlePerNode: 8,
			DialTimeout:    2 * time.Second,
			IOTimeout:      30 * time.Second,
		},
		Cache: CacheConfig{
			BigPageSize:     "256MB",
			SmallPageSize:   "32MB",
			BigSplitBytes:   "128KB",
			BigMaxEntries:   8192,
			SmallMaxEntries: 65536,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("BYPASSFS_MOUNT_POINT"); val != "" {
		c.MountPoint = val
	}
	if val := os.Getenv("BYPASSFS_IGNORE_PATH"); val != "" {
		c.IgnorePath = val
	}
	if val := os.Getenv("BYPASSFS_LOG_DIR"); val != "" {
		c.LogDir = val
	}
	if val := os.Getenv("BYPASSFS_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("BYPASSFS_PROF_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.ProfPort = port
		}
	}
	if val := os.Getenv("BYPASSFS_MASTER_ADDRS"); val != "" {
		c.Master.Addrs = val
	}
	if val := os.Getenv("BYPASSFS_VOLUME"); val != "" {
		c.Master.Volume = val
	}
	return nil
}

// Validate checks the configuration. The mount point is the one hard
// requirement: routing cannot start without it.
func (c *Configuration) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mountPoint is required")
	}
	if !strings.HasPrefix(c.MountPoint, "/") {
		return fmt.Errorf("mountPoint %q must be absolute", c.MountPoint)
	}
	if strings.TrimRight(c.MountPoint, "/") == "" {
		return fmt.Errorf("mountPoint may not be the root")
	}

	if _, err := utils.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ProfPort < 0 || c.ProfPort > 65535 {
		return fmt.Errorf("profPort %d out of range", c.ProfPort)
	}

	for _, size := range []string{c.Cache.BigPageSize, c.Cache.SmallPageSize, c.Cache.BigSplitBytes} {
		if _, err := utils.ParseBytes(size); err != nil {
			return fmt.Errorf("invalid cache size %q: %w", size, err)
		}
	}
	return nil
}

// BigCacheBytes returns the parsed big page cache capacity.
func (c *Configuration) BigCacheBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.BigPageSize)
	return n
}

// SmallCacheBytes returns the parsed small page cache capacity.
func (c *Configuration) SmallCacheBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.SmallPageSize)
	return n
}

// BigSplitBytes returns the page size above which the big cache is used.
func (c *Configuration) BigSplitBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.BigSplitBytes)
	return n
}
