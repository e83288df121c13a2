// Package config loads the executor's configuration from environment
// variables with typed defaults, following the teacher's env-var loader
// idiom (common/config in the source pack) generalized to the recognized
// options of spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all executor configuration.
type Config struct {
	Service  ServiceConfig
	Bus      BusConfig
	History  HistoryConfig
	Workflow WorkflowConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string
	AgentName   string // name this workflow publishes under (spec §6)
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// BusConfig holds the pub/sub transport settings.
type BusConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // topic prefix "N" in spec §6
}

// HistoryConfig holds the run-history Postgres settings.
type HistoryConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
}

// WorkflowConfig holds the recognized workflow-engine options from spec §6.
type WorkflowConfig struct {
	MaxWorkflowExecutionTime time.Duration
	DefaultNodeTimeout       time.Duration
	NodeCancellationTimeout  time.Duration
	DefaultMaxLoopIterations int
	DefaultMaxMapItems       int
}

// Load reads configuration from the environment, applying spec-mandated
// defaults where unset.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			AgentName:   getEnv("AGENT_NAME", serviceName),
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Bus: BusConfig{
			Addr:      getEnv("BUS_ADDR", "localhost:6379"),
			Password:  getEnv("BUS_PASSWORD", ""),
			DB:        getEnvInt("BUS_DB", 0),
			Namespace: getEnv("BUS_NAMESPACE", "N"),
		},
		History: HistoryConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			Database: getEnv("POSTGRES_DB", "wfexec"),
			User:     getEnv("POSTGRES_USER", "wfexec"),
			Password: getEnv("POSTGRES_PASSWORD", "wfexec"),
			MaxConns: getEnvInt("POSTGRES_MAX_CONNS", 20),
		},
		Workflow: WorkflowConfig{
			MaxWorkflowExecutionTime: getEnvDuration("MAX_WORKFLOW_EXECUTION_TIME_SECONDS", 1800*time.Second),
			DefaultNodeTimeout:       getEnvDuration("DEFAULT_NODE_TIMEOUT_SECONDS", 300*time.Second),
			NodeCancellationTimeout:  getEnvDuration("NODE_CANCELLATION_TIMEOUT_SECONDS", 30*time.Second),
			DefaultMaxLoopIterations: getEnvInt("DEFAULT_MAX_LOOP_ITERATIONS", 100),
			DefaultMaxMapItems:       getEnvInt("DEFAULT_MAX_MAP_ITEMS", 100),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks that the loaded configuration is usable.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Bus.Addr == "" {
		return fmt.Errorf("bus address is required")
	}
	if c.Workflow.DefaultMaxLoopIterations < 1 {
		return fmt.Errorf("default_max_loop_iterations must be >= 1")
	}
	return nil
}

// DatabaseURL returns the Postgres connection string for the history store.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.History.User, c.History.Password, c.History.Host, c.History.Port, c.History.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
