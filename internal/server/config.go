package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/streamplot/internal/command"
	"github.com/shaunagostinho/streamplot/internal/decoder"
	"github.com/shaunagostinho/streamplot/internal/logger"
	"github.com/shaunagostinho/streamplot/internal/transport"
)

// Config holds all streamplot configuration.
type Config struct {
	mu sync.RWMutex

	// Device link, used when a session is opened without explicit settings
	Transport transport.Settings `yaml:"transport" json:"transport"`
	LineMode  bool               `yaml:"line_mode" json:"lineMode"`
	// Longest accepted line in bytes; 0 keeps the default, negative disables the cap
	MaxLineLength int `yaml:"max_line_length" json:"maxLineLength"`
	// Open a session at startup
	AutoOpen bool `yaml:"auto_open" json:"autoOpen"`

	Decoder decoder.Config `yaml:"decoder" json:"decoder"`
	Plot    PlotConfig     `yaml:"plot" json:"plot"`
	Console ConsoleConfig  `yaml:"console" json:"console"`

	// Parameter sliders rendered through command templates
	Parameters []command.Parameter `yaml:"parameters" json:"parameters"`

	Logging logger.Config `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type PlotConfig struct {
	MaxPoints int  `yaml:"max_points" json:"maxPoints"`
	XYMode    bool `yaml:"xy_mode" json:"xyMode"`
	UpdateMs  int  `yaml:"update_ms" json:"updateMs"` // consumer poll period
}

type ConsoleConfig struct {
	LineEnding command.LineEnding `yaml:"line_ending" json:"lineEnding"`
	History    []string           `yaml:"history" json:"history"` // quick commands offered in the UI
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	// Parse errors logged per second; pushing to clients is not limited
	ParseErrorLogRate float64 `yaml:"parse_error_log_rate" json:"parseErrorLogRate"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: transport.DefaultSettings(),
		LineMode:  true,
		Decoder:   decoder.DefaultConfig(),
		Plot: PlotConfig{
			MaxPoints: 10000,
			UpdateMs:  80,
		},
		Console: ConsoleConfig{
			LineEnding: command.DefaultEnding,
		},
		Logging: logger.Config{
			Enabled: false,
			Path:    "logs",
		},
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ParseErrorLogRate: 1,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads STREAMPLOT_* environment variables over the file
// values.
func (c *Config) applyEnvOverrides() {
	var mode string
	envString("STREAMPLOT_MODE", &mode)
	if mode != "" {
		c.Transport.Mode = transport.Mode(mode)
	}
	envString("STREAMPLOT_SERIAL_PORT", &c.Transport.Serial.Port)
	envInt("STREAMPLOT_SERIAL_BAUD", &c.Transport.Serial.BaudRate)
	envString("STREAMPLOT_UDP_BIND_IP", &c.Transport.UDP.BindIP)
	envInt("STREAMPLOT_UDP_BIND_PORT", &c.Transport.UDP.BindPort)
	envString("STREAMPLOT_UDP_DEST_IP", &c.Transport.UDP.DestIP)
	envInt("STREAMPLOT_UDP_DEST_PORT", &c.Transport.UDP.DestPort)
	envBool("STREAMPLOT_LINE_MODE", &c.LineMode)
	envBool("STREAMPLOT_AUTO_OPEN", &c.AutoOpen)

	envBool("STREAMPLOT_USE_REGEX", &c.Decoder.UseRegex)
	envString("STREAMPLOT_PATTERN", &c.Decoder.Pattern)
	envInt("STREAMPLOT_MAX_POINTS", &c.Plot.MaxPoints)

	envString("STREAMPLOT_LISTEN_ADDR", &c.Server.ListenAddr)

	envBool("STREAMPLOT_LOG_ENABLED", &c.Logging.Enabled)
	envString("STREAMPLOT_LOG_PATH", &c.Logging.Path)
	envInt("STREAMPLOT_LOG_INTERVAL_MS", &c.Logging.IntervalMs)
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Snapshot returns a copy of the config safe to read without locking.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := &Config{
		Transport:     c.Transport,
		LineMode:      c.LineMode,
		MaxLineLength: c.MaxLineLength,
		AutoOpen:      c.AutoOpen,
		Decoder:       c.Decoder,
		Plot:          c.Plot,
		Console: ConsoleConfig{
			LineEnding: c.Console.LineEnding,
			History:    append([]string(nil), c.Console.History...),
		},
		Parameters: append([]command.Parameter(nil), c.Parameters...),
		Logging:    c.Logging,
		Server:     c.Server,
		path:       c.path,
	}
	return cp
}

// Parameter looks up a parameter by name.
func (c *Config) Parameter(name string) (command.Parameter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return command.Parameter{}, false
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "streamplot.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply merged config: %w", err)
	}
	if _, err := command.ParseLineEnding(string(next.Console.LineEnding)); err != nil {
		return err
	}
	if next.Decoder.UseRegex {
		if _, err := decoder.Compile(next.Decoder); err != nil {
			return err
		}
	}

	c.Transport = next.Transport
	c.LineMode = next.LineMode
	c.MaxLineLength = next.MaxLineLength
	c.AutoOpen = next.AutoOpen
	c.Decoder = next.Decoder
	c.Plot = next.Plot
	c.Console = next.Console
	c.Parameters = next.Parameters
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
