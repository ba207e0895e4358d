// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type Queue struct {
	Name                string        `mapstructure:"name"`
	Retries             int           `mapstructure:"retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	RetryMultipliers    []int         `mapstructure:"retry_multipliers"`
	WorkItemTimeout     time.Duration `mapstructure:"work_item_timeout"`
	DeadLetterMaxItems  int           `mapstructure:"dead_letter_max_items"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

type Worker struct {
	Count          int           `mapstructure:"count"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
}

type Producer struct {
	Count           int           `mapstructure:"count"`
	Interval        time.Duration `mapstructure:"interval"`
	ProgressReports bool          `mapstructure:"progress_reports"`
}

type Bus struct {
	Topic string `mapstructure:"topic"`
}

type Scheduled struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
}

type Logging struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Observability struct {
	MetricsPort int     `mapstructure:"metrics_port"`
	Logging     Logging `mapstructure:"logging"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Queue         Queue         `mapstructure:"queue"`
	Worker        Worker        `mapstructure:"worker"`
	Producer      Producer      `mapstructure:"producer"`
	Bus           Bus           `mapstructure:"bus"`
	Scheduled     []Scheduled   `mapstructure:"scheduled"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Queue: Queue{
			Name:                "work-items",
			Retries:             3,
			RetryDelay:          500 * time.Millisecond,
			RetryMultipliers:    []int{1, 3, 5, 10},
			WorkItemTimeout:     5 * time.Minute,
			DeadLetterMaxItems:  1000,
			MaintenanceInterval: time.Second,
		},
		Worker: Worker{
			Count:          16,
			DequeueTimeout: 30 * time.Second,
			LockTimeout:    time.Minute,
		},
		Producer: Producer{
			Count:    100,
			Interval: 10 * time.Millisecond,
		},
		Bus: Bus{Topic: "substrate:messages"},
		Observability: Observability{
			MetricsPort: 9090,
			Logging: Logging{
				Level:      "info",
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 7,
			},
		},
	}
}

// Load reads configuration from a YAML file with env overrides
// (SUBSTRATE_QUEUE_RETRIES and friends). A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SUBSTRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.retries", def.Queue.Retries)
	v.SetDefault("queue.retry_delay", def.Queue.RetryDelay)
	v.SetDefault("queue.retry_multipliers", def.Queue.RetryMultipliers)
	v.SetDefault("queue.work_item_timeout", def.Queue.WorkItemTimeout)
	v.SetDefault("queue.dead_letter_max_items", def.Queue.DeadLetterMaxItems)
	v.SetDefault("queue.dedup_window", def.Queue.DedupWindow)
	v.SetDefault("queue.maintenance_interval", def.Queue.MaintenanceInterval)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.dequeue_timeout", def.Worker.DequeueTimeout)
	v.SetDefault("worker.lock_timeout", def.Worker.LockTimeout)

	v.SetDefault("producer.count", def.Producer.Count)
	v.SetDefault("producer.interval", def.Producer.Interval)
	v.SetDefault("producer.progress_reports", def.Producer.ProgressReports)

	v.SetDefault("bus.topic", def.Bus.Topic)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.logging.level", def.Observability.Logging.Level)
	v.SetDefault("observability.logging.file", def.Observability.Logging.File)
	v.SetDefault("observability.logging.max_size_mb", def.Observability.Logging.MaxSizeMB)
	v.SetDefault("observability.logging.max_backups", def.Observability.Logging.MaxBackups)
	v.SetDefault("observability.logging.max_age_days", def.Observability.Logging.MaxAgeDays)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must be set")
	}
	if cfg.Queue.Retries < 0 {
		return fmt.Errorf("queue.retries must be >= 0")
	}
	if cfg.Queue.WorkItemTimeout <= 0 {
		return fmt.Errorf("queue.work_item_timeout must be > 0")
	}
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.DequeueTimeout <= 0 {
		return fmt.Errorf("worker.dequeue_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	for _, s := range cfg.Scheduled {
		if s.Name == "" || s.Schedule == "" {
			return fmt.Errorf("scheduled jobs need both name and schedule")
		}
	}
	return nil
}
