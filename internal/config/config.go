package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigPath is the example configuration shipped with the repo.
// Every key in it carries its default value.
const DefaultConfigPath = "config/splatseq.defaults.json"

// InferenceSynthetic selects the built-in rotating point cloud generator
// instead of an external model.
const InferenceSynthetic = "synthetic"

// ListenOff as grpc_listen disables the gRPC listener.
const ListenOff = "off"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the splatseq runtime configuration. Every field is optional;
// the Get* methods return the default for fields left unset, so partial
// files are safe.
type Config struct {
	// Playback
	PlaybackFPS *float64 `json:"playback_fps,omitempty"`
	Loop        *bool    `json:"loop,omitempty"`

	// Frame cache
	CacheBudgetBytes *int64 `json:"cache_budget_bytes,omitempty"`
	PrefetchWindow   *int   `json:"prefetch_window,omitempty"`
	PrefetchWorkers  *int   `json:"prefetch_workers,omitempty"`

	// Conversion
	JobQueueSize     *int     `json:"job_queue_size,omitempty"`
	OverwritePolicy  *string  `json:"overwrite_policy,omitempty"`  // "error" or "overwrite"
	InferenceCommand *string  `json:"inference_command,omitempty"` // argv, whitespace separated, or "synthetic"
	VenvDir          *string  `json:"venv_dir,omitempty"`
	Packages         []string `json:"packages,omitempty"`

	// Serving
	HTTPListen *string  `json:"http_listen,omitempty"`
	GRPCListen *string  `json:"grpc_listen,omitempty"`
	DBPath     *string  `json:"db_path,omitempty"`
	MediaRoots []string `json:"media_roots,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// Defaults.
const (
	DefaultPlaybackFPS      = 30.0
	DefaultCacheBudgetBytes = 512 << 20
	DefaultPrefetchWindow   = 8
	DefaultPrefetchWorkers  = 2
	DefaultJobQueueSize     = 4
	DefaultOverwritePolicy  = "error"
	DefaultVenvDir          = ".splatseq/venv"
	DefaultHTTPListen       = ":8080"
	DefaultGRPCListen       = "localhost:50051"
	DefaultDBPath           = "splatseq.db"
)

// DefaultPackages are pip-installed into the inference venv.
var DefaultPackages = []string{"sharp-video"}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	return &Config{
		PlaybackFPS:      ptrFloat64(DefaultPlaybackFPS),
		Loop:             ptrBool(true),
		CacheBudgetBytes: ptrInt64(DefaultCacheBudgetBytes),
		PrefetchWindow:   ptrInt(DefaultPrefetchWindow),
		PrefetchWorkers:  ptrInt(DefaultPrefetchWorkers),
		JobQueueSize:     ptrInt(DefaultJobQueueSize),
		OverwritePolicy:  ptrString(DefaultOverwritePolicy),
		InferenceCommand: ptrString(""),
		VenvDir:          ptrString(DefaultVenvDir),
		Packages:         append([]string(nil), DefaultPackages...),
		HTTPListen:       ptrString(DefaultHTTPListen),
		GRPCListen:       ptrString(DefaultGRPCListen),
		DBPath:           ptrString(DefaultDBPath),
	}
}

// LoadConfig reads and validates a JSON config file. The path must end in
// .json and the file must be under 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *Config) Validate() error {
	if c.PlaybackFPS != nil {
		fps := *c.PlaybackFPS
		if math.IsNaN(fps) || fps < 1 || fps > 120 {
			return fmt.Errorf("playback_fps must be between 1 and 120, got %v", fps)
		}
	}
	if c.CacheBudgetBytes != nil && *c.CacheBudgetBytes <= 0 {
		return fmt.Errorf("cache_budget_bytes must be positive, got %d", *c.CacheBudgetBytes)
	}
	if c.PrefetchWindow != nil && *c.PrefetchWindow < 0 {
		return fmt.Errorf("prefetch_window must be non-negative, got %d", *c.PrefetchWindow)
	}
	if c.PrefetchWorkers != nil && (*c.PrefetchWorkers < 1 || *c.PrefetchWorkers > 64) {
		return fmt.Errorf("prefetch_workers must be between 1 and 64, got %d", *c.PrefetchWorkers)
	}
	if c.JobQueueSize != nil && *c.JobQueueSize < 1 {
		return fmt.Errorf("job_queue_size must be at least 1, got %d", *c.JobQueueSize)
	}
	if c.OverwritePolicy != nil {
		switch strings.ToLower(strings.TrimSpace(*c.OverwritePolicy)) {
		case "", "error", "overwrite":
		default:
			return fmt.Errorf("overwrite_policy must be \"error\" or \"overwrite\", got %q", *c.OverwritePolicy)
		}
	}
	for _, p := range c.Packages {
		if strings.TrimSpace(p) == "" || strings.HasPrefix(p, "-") {
			return fmt.Errorf("invalid package %q", p)
		}
	}
	for name, addr := range map[string]*string{"http_listen": c.HTTPListen, "grpc_listen": c.GRPCListen} {
		if addr == nil || *addr == "" || (name == "grpc_listen" && *addr == ListenOff) {
			continue
		}
		if _, _, err := net.SplitHostPort(*addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *addr, err)
		}
	}
	return nil
}

// GetPlaybackFPS returns the playback_fps value or the default.
func (c *Config) GetPlaybackFPS() float64 {
	if c.PlaybackFPS == nil {
		return DefaultPlaybackFPS
	}
	return *c.PlaybackFPS
}

// GetLoop returns the loop value or the default (true).
func (c *Config) GetLoop() bool {
	if c.Loop == nil {
		return true
	}
	return *c.Loop
}

func (c *Config) GetCacheBudgetBytes() int64 {
	if c.CacheBudgetBytes == nil {
		return DefaultCacheBudgetBytes
	}
	return *c.CacheBudgetBytes
}

func (c *Config) GetPrefetchWindow() int {
	if c.PrefetchWindow == nil {
		return DefaultPrefetchWindow
	}
	return *c.PrefetchWindow
}

func (c *Config) GetPrefetchWorkers() int {
	if c.PrefetchWorkers == nil {
		return DefaultPrefetchWorkers
	}
	return *c.PrefetchWorkers
}

func (c *Config) GetJobQueueSize() int {
	if c.JobQueueSize == nil {
		return DefaultJobQueueSize
	}
	return *c.JobQueueSize
}

// GetOverwritePolicy returns the policy name, lower-cased.
func (c *Config) GetOverwritePolicy() string {
	if c.OverwritePolicy == nil || strings.TrimSpace(*c.OverwritePolicy) == "" {
		return DefaultOverwritePolicy
	}
	return strings.ToLower(strings.TrimSpace(*c.OverwritePolicy))
}

// GetInferenceCommand returns the configured command, or "" to run the
// model from the bootstrapped venv.
func (c *Config) GetInferenceCommand() string {
	if c.InferenceCommand == nil {
		return ""
	}
	return strings.TrimSpace(*c.InferenceCommand)
}

// UseSyntheticInference reports whether inference_command is "synthetic".
func (c *Config) UseSyntheticInference() bool {
	return c.GetInferenceCommand() == InferenceSynthetic
}

func (c *Config) GetVenvDir() string {
	if c.VenvDir == nil || *c.VenvDir == "" {
		return DefaultVenvDir
	}
	return *c.VenvDir
}

func (c *Config) GetPackages() []string {
	if len(c.Packages) == 0 {
		return append([]string(nil), DefaultPackages...)
	}
	return append([]string(nil), c.Packages...)
}

func (c *Config) GetHTTPListen() string {
	if c.HTTPListen == nil || *c.HTTPListen == "" {
		return DefaultHTTPListen
	}
	return *c.HTTPListen
}

func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil || *c.GRPCListen == "" {
		return DefaultGRPCListen
	}
	return *c.GRPCListen
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

func (c *Config) GetMediaRoots() []string {
	return append([]string(nil), c.MediaRoots...)
}
