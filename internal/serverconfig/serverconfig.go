package serverconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig represents the server configuration (config.yaml).
type ServerConfig struct {
	Server   ServerSection   `yaml:"server"`
	Session  SessionSection  `yaml:"session"`
	Audit    AuditSection    `yaml:"audit"`
	Security SecuritySection `yaml:"security"`
	Logging  LoggingSection  `yaml:"logging"`
}

// ServerSection holds the HTTP transport settings (§6.2, §6.5).
type ServerSection struct {
	Listen              string        `yaml:"listen"`
	MCPPath             string        `yaml:"mcpPath"`
	Timeout             time.Duration `yaml:"timeout,omitempty"`
	MaxRequestSize      string        `yaml:"maxRequestSize,omitempty"`
	EnableSSE           bool          `yaml:"enableSSE"`
	KeepaliveSecs       int           `yaml:"keepaliveSeconds"`
	PostSSESettleMillis int           `yaml:"postSSESettleMillis,omitempty"`
	TLS                 *TLSConfig    `yaml:"tls,omitempty"`
}

type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// SessionSection holds session lifecycle and storage tuning (§3.1, §6.5).
type SessionSection struct {
	Storage                    string        `yaml:"storage"` // "memory" or "sqlite"
	DatabasePath               string        `yaml:"databasePath,omitempty"`
	StrictLifecycle            bool          `yaml:"strictLifecycle"`
	TimeoutMinutes             int           `yaml:"timeoutMinutes"`
	CleanupIntervalSeconds     int           `yaml:"cleanupIntervalSeconds"`
	MaxEventsPerSession        int           `yaml:"maxEventsPerSession"`
	ChannelBufferSize          int           `yaml:"channelBufferSize"`
	MaxReplayEvents            int           `yaml:"maxReplayEvents"`
	TaskTTLMinutes             int           `yaml:"taskTTLMinutes"`
	CircuitBreakerThreshold    int           `yaml:"circuitBreakerThreshold"`
	CircuitBreakerCooldown     time.Duration `yaml:"circuitBreakerCooldown,omitempty"`
}

type AuditSection struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"`
}

type SecuritySection struct {
	AllowedOrigins []string    `yaml:"allowedOrigins"`
	BearerToken    string      `yaml:"bearerToken,omitempty"`
	SessionRPM     int         `yaml:"sessionRequestsPerMinute"`
	CORS           *CORSConfig `yaml:"cors,omitempty"`
}

type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
}

type LoggingSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output,omitempty"`
}

// Default returns a ServerConfig with sensible defaults.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Listen:              "localhost:8191",
			MCPPath:             "/mcp",
			Timeout:             30 * time.Second,
			MaxRequestSize:      "10MB",
			EnableSSE:           true,
			KeepaliveSecs:       15,
			PostSSESettleMillis: 50,
		},
		Session: SessionSection{
			Storage:                 "memory",
			DatabasePath:            "~/.turul-mcp/sessions.db",
			StrictLifecycle:         false,
			TimeoutMinutes:          60,
			CleanupIntervalSeconds:  300,
			MaxEventsPerSession:     1000,
			ChannelBufferSize:       1000,
			MaxReplayEvents:         100,
			TaskTTLMinutes:          60,
			CircuitBreakerThreshold: 5,
			CircuitBreakerCooldown:  30 * time.Second,
		},
		Audit: AuditSection{
			Enabled:  true,
			Database: "~/.turul-mcp/audit.db",
		},
		Security: SecuritySection{
			AllowedOrigins: []string{"*"},
			SessionRPM:     0,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from path, returning defaults if the file is absent.
func Load(path string) (*ServerConfig, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in missing fields with default values.
func (c *ServerConfig) ApplyDefaults() {
	d := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.MCPPath == "" {
		c.Server.MCPPath = d.Server.MCPPath
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = d.Server.Timeout
	}
	if c.Server.KeepaliveSecs == 0 {
		c.Server.KeepaliveSecs = d.Server.KeepaliveSecs
	}
	if c.Server.MaxRequestSize == "" {
		c.Server.MaxRequestSize = d.Server.MaxRequestSize
	}
	if c.Server.PostSSESettleMillis == 0 {
		c.Server.PostSSESettleMillis = d.Server.PostSSESettleMillis
	}

	if c.Session.Storage == "" {
		c.Session.Storage = d.Session.Storage
	}
	if c.Session.DatabasePath == "" {
		c.Session.DatabasePath = d.Session.DatabasePath
	}
	if c.Session.TimeoutMinutes == 0 {
		c.Session.TimeoutMinutes = d.Session.TimeoutMinutes
	}
	if c.Session.CleanupIntervalSeconds == 0 {
		c.Session.CleanupIntervalSeconds = d.Session.CleanupIntervalSeconds
	}
	if c.Session.MaxEventsPerSession == 0 {
		c.Session.MaxEventsPerSession = d.Session.MaxEventsPerSession
	}
	if c.Session.ChannelBufferSize == 0 {
		c.Session.ChannelBufferSize = d.Session.ChannelBufferSize
	}
	if c.Session.MaxReplayEvents == 0 {
		c.Session.MaxReplayEvents = d.Session.MaxReplayEvents
	}
	if c.Session.TaskTTLMinutes == 0 {
		c.Session.TaskTTLMinutes = d.Session.TaskTTLMinutes
	}
	if c.Session.CircuitBreakerCooldown == 0 {
		c.Session.CircuitBreakerCooldown = d.Session.CircuitBreakerCooldown
	}

	if c.Audit.Database == "" {
		c.Audit.Database = d.Audit.Database
	}

	if len(c.Security.AllowedOrigins) == 0 {
		c.Security.AllowedOrigins = d.Security.AllowedOrigins
	}

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Save writes config to path atomically (write to a temp file, then rename).
func (c *ServerConfig) Save(path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := expanded + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, expanded); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config.yaml with comments at path.
func GenerateDefault(path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	defaultConfig := `# turul-mcp-go server configuration

server:
  listen: "localhost:8191"
  mcpPath: "/mcp"
  # timeout: 30s
  maxRequestSize: "10MB"
  enableSSE: true
  keepaliveSeconds: 15
  postSSESettleMillis: 50
  # tls:
  #   enabled: false
  #   cert: /path/to/cert.pem
  #   key: /path/to/key.pem

session:
  storage: "memory"  # or "sqlite"
  databasePath: "~/.turul-mcp/sessions.db"
  strictLifecycle: false
  timeoutMinutes: 60
  cleanupIntervalSeconds: 300
  maxEventsPerSession: 1000
  channelBufferSize: 1000
  maxReplayEvents: 100
  taskTTLMinutes: 60
  circuitBreakerThreshold: 5
  circuitBreakerCooldown: 30s

audit:
  enabled: true
  database: "~/.turul-mcp/audit.db"

security:
  allowedOrigins:
    - "*"
  # bearerToken: "${MCP_BEARER_TOKEN}"
  sessionRequestsPerMinute: 0
  # cors:
  #   enabled: true
  #   origins:
  #     - "*"

logging:
  level: "info"  # debug, info, warn, error
  format: "json"  # json or text
  # output: "~/.turul-mcp/server.log"
`
	if err := os.WriteFile(expanded, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ParseSize parses a human size string ("10MB", "512KB", "1GB") into bytes.
// A bare number is interpreted as bytes. An empty string returns 0.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(strings.ToUpper(s), u.suffix) {
			numPart := s[:len(s)-len(u.suffix)]
			n, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
			if err != nil {
				return 0, fmt.Errorf("parse size %q: %w", s, err)
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
