package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"graphsync/internal/paths"
)

// CurrentVersion is the supported config schema version.
const CurrentVersion = 1

// OverridesFileName is the optional per-workspace override file.
const OverridesFileName = ".graphsync.toml"

// Config represents the complete graphsync configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Monitor MonitorConfig `json:"monitor" mapstructure:"monitor"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Parser  ParserConfig  `json:"parser" mapstructure:"parser"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// MonitorConfig contains per-session monitoring options
type MonitorConfig struct {
	WorkspacePath             string   `json:"workspacePath" mapstructure:"workspacePath"`
	WatchPatterns             []string `json:"watchPatterns" mapstructure:"watchPatterns"`
	IgnorePatterns            []string `json:"ignorePatterns" mapstructure:"ignorePatterns"`
	DebounceDelayMs           int      `json:"debounceDelayMs" mapstructure:"debounceDelayMs"`
	EnableContentAnalysis     bool     `json:"enableContentAnalysis" mapstructure:"enableContentAnalysis"`
	MaxPropagationDepth       int      `json:"maxPropagationDepth" mapstructure:"maxPropagationDepth"`
	BatchSize                 int      `json:"batchSize" mapstructure:"batchSize"`
	PropagationTimeoutSeconds int      `json:"propagationTimeoutSeconds" mapstructure:"propagationTimeoutSeconds"`
	CacheHistorySize          int      `json:"cacheHistorySize" mapstructure:"cacheHistorySize"`
	RecentChangesSize         int      `json:"recentChangesSize" mapstructure:"recentChangesSize"`
	ImpactDepth               int      `json:"impactDepth" mapstructure:"impactDepth"`
	EventBufferSize           int      `json:"eventBufferSize" mapstructure:"eventBufferSize"`
	MaxFileSizeBytes          int64    `json:"maxFileSizeBytes" mapstructure:"maxFileSizeBytes"`
	AnalysisConcurrency       int      `json:"analysisConcurrency" mapstructure:"analysisConcurrency"`
}

// StorageConfig selects where cache blobs and the graph live
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
	DataDir string `json:"dataDir" mapstructure:"dataDir"`
}

// ParserConfig contains analysis backend configuration
type ParserConfig struct {
	SCIPIndexPath    string `json:"scipIndexPath" mapstructure:"scipIndexPath"`
	EnableTreeSitter bool   `json:"enableTreeSitter" mapstructure:"enableTreeSitter"`
	EnableManifests  bool   `json:"enableManifests" mapstructure:"enableManifests"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
	// File, when set, receives a copy of every record at Level. A relative
	// name is placed in the data directory's logs folder.
	File string `json:"file,omitempty" mapstructure:"file"`
}

// Storage backends.
const (
	BackendSQLite     = "sqlite"
	BackendFilesystem = "filesystem"
)

// DefaultWatchPatterns covers common source files and dependency manifests.
var DefaultWatchPatterns = []string{
	"**/*.go",
	"**/*.py",
	"**/*.js",
	"**/*.jsx",
	"**/*.ts",
	"**/*.tsx",
	"**/*.rs",
	"**/*.java",
	"**/go.mod",
	"**/package.json",
	"**/Cargo.toml",
	"**/pyproject.toml",
	"**/pubspec.yaml",
}

// DefaultIgnorePatterns covers VCS metadata and build output.
var DefaultIgnorePatterns = []string{
	"**/.git",
	"**/.hg",
	"**/.svn",
	"**/.graphsync",
	"**/node_modules",
	"**/vendor",
	"**/dist",
	"**/build",
	"**/target",
	"**/__pycache__",
	"**/.venv",
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Monitor: MonitorConfig{
			WatchPatterns:             append([]string(nil), DefaultWatchPatterns...),
			IgnorePatterns:            append([]string(nil), DefaultIgnorePatterns...),
			DebounceDelayMs:           400,
			EnableContentAnalysis:     true,
			MaxPropagationDepth:       10,
			BatchSize:                 50,
			PropagationTimeoutSeconds: 30,
			CacheHistorySize:          100,
			RecentChangesSize:         100,
			ImpactDepth:               3,
			EventBufferSize:           1024,
			MaxFileSizeBytes:          2 << 20,
			AnalysisConcurrency:       runtime.NumCPU(),
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
		},
		Parser: ParserConfig{
			SCIPIndexPath:    ".scip/index.scip",
			EnableTreeSitter: true,
			EnableManifests:  true,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// DebounceDelay returns the debounce window.
func (m MonitorConfig) DebounceDelay() time.Duration {
	return time.Duration(m.DebounceDelayMs) * time.Millisecond
}

// PropagationTimeout returns the propagation walk budget.
func (m MonitorConfig) PropagationTimeout() time.Duration {
	return time.Duration(m.PropagationTimeoutSeconds) * time.Second
}

// setDefaults mirrors DefaultConfig into viper so env overrides bind.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("monitor.workspacePath", "")
	v.SetDefault("monitor.watchPatterns", d.Monitor.WatchPatterns)
	v.SetDefault("monitor.ignorePatterns", d.Monitor.IgnorePatterns)
	v.SetDefault("monitor.debounceDelayMs", d.Monitor.DebounceDelayMs)
	v.SetDefault("monitor.enableContentAnalysis", d.Monitor.EnableContentAnalysis)
	v.SetDefault("monitor.maxPropagationDepth", d.Monitor.MaxPropagationDepth)
	v.SetDefault("monitor.batchSize", d.Monitor.BatchSize)
	v.SetDefault("monitor.propagationTimeoutSeconds", d.Monitor.PropagationTimeoutSeconds)
	v.SetDefault("monitor.cacheHistorySize", d.Monitor.CacheHistorySize)
	v.SetDefault("monitor.recentChangesSize", d.Monitor.RecentChangesSize)
	v.SetDefault("monitor.impactDepth", d.Monitor.ImpactDepth)
	v.SetDefault("monitor.eventBufferSize", d.Monitor.EventBufferSize)
	v.SetDefault("monitor.maxFileSizeBytes", d.Monitor.MaxFileSizeBytes)
	v.SetDefault("monitor.analysisConcurrency", d.Monitor.AnalysisConcurrency)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dataDir", d.Storage.DataDir)
	v.SetDefault("parser.scipIndexPath", d.Parser.SCIPIndexPath)
	v.SetDefault("parser.enableTreeSitter", d.Parser.EnableTreeSitter)
	v.SetDefault("parser.enableManifests", d.Parser.EnableManifests)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// LoadConfig loads configuration for a workspace.
//
// Sources, lowest precedence first: defaults, .graphsync/config.{json,toml,yaml},
// GRAPHSYNC_* environment variables, then .graphsync.toml overrides.
// The workspace path defaults to workspaceRoot.
func LoadConfig(workspaceRoot string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GRAPHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.AddConfigPath(paths.GetWorkspaceConfigDir(workspaceRoot))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &ConfigError{Field: "file", Message: err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Field: "file", Message: err.Error()}
	}

	if cfg.Monitor.WorkspacePath == "" {
		cfg.Monitor.WorkspacePath = workspaceRoot
	}

	if err := cfg.applyOverrides(filepath.Join(workspaceRoot, OverridesFileName)); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Overrides is the shape of .graphsync.toml. Unset fields keep the loaded value.
type Overrides struct {
	WatchPatterns         []string `toml:"watch_patterns"`
	IgnorePatterns        []string `toml:"ignore_patterns"`
	DebounceDelayMs       *int     `toml:"debounce_delay_ms"`
	EnableContentAnalysis *bool    `toml:"enable_content_analysis"`
	MaxPropagationDepth   *int     `toml:"max_propagation_depth"`
	BatchSize             *int     `toml:"batch_size"`
	ImpactDepth           *int     `toml:"impact_depth"`
	LogLevel              *string  `toml:"log_level"`
	LogFile               *string  `toml:"log_file"`
}

func (c *Config) applyOverrides(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	var o Overrides
	md, err := toml.DecodeFile(path, &o)
	if err != nil {
		return &ConfigError{Field: OverridesFileName, Message: err.Error()}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return &ConfigError{Field: OverridesFileName, Message: fmt.Sprintf("unknown key %q", undecoded[0].String())}
	}

	if o.WatchPatterns != nil {
		c.Monitor.WatchPatterns = o.WatchPatterns
	}
	if o.IgnorePatterns != nil {
		c.Monitor.IgnorePatterns = o.IgnorePatterns
	}
	if o.DebounceDelayMs != nil {
		c.Monitor.DebounceDelayMs = *o.DebounceDelayMs
	}
	if o.EnableContentAnalysis != nil {
		c.Monitor.EnableContentAnalysis = *o.EnableContentAnalysis
	}
	if o.MaxPropagationDepth != nil {
		c.Monitor.MaxPropagationDepth = *o.MaxPropagationDepth
	}
	if o.BatchSize != nil {
		c.Monitor.BatchSize = *o.BatchSize
	}
	if o.ImpactDepth != nil {
		c.Monitor.ImpactDepth = *o.ImpactDepth
	}
	if o.LogLevel != nil {
		c.Logging.Level = *o.LogLevel
	}
	if o.LogFile != nil {
		c.Logging.File = *o.LogFile
	}
	return nil
}

// Save writes the configuration to .graphsync/config.json
func (c *Config) Save(workspaceRoot string) error {
	dir := paths.GetWorkspaceConfigDir(workspaceRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid. The workspace path must
// exist and be a readable directory.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendSQLite, BackendFilesystem:
	default:
		return &ConfigError{Field: "storage.backend", Message: fmt.Sprintf("unknown backend %q", c.Storage.Backend)}
	}

	switch c.Logging.Format {
	case "human", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	return nil
}

// Validate checks the monitoring options, including workspace accessibility.
func (m MonitorConfig) Validate() error {
	if m.WorkspacePath == "" {
		return &ConfigError{Field: "monitor.workspacePath", Message: "required"}
	}
	info, err := os.Stat(m.WorkspacePath)
	if err != nil {
		return &ConfigError{Field: "monitor.workspacePath", Message: err.Error()}
	}
	if !info.IsDir() {
		return &ConfigError{Field: "monitor.workspacePath", Message: "not a directory"}
	}
	f, err := os.Open(m.WorkspacePath)
	if err != nil {
		return &ConfigError{Field: "monitor.workspacePath", Message: err.Error()}
	}
	_ = f.Close()

	positive := []struct {
		field string
		value int
	}{
		{"monitor.debounceDelayMs", m.DebounceDelayMs},
		{"monitor.maxPropagationDepth", m.MaxPropagationDepth},
		{"monitor.batchSize", m.BatchSize},
		{"monitor.propagationTimeoutSeconds", m.PropagationTimeoutSeconds},
		{"monitor.cacheHistorySize", m.CacheHistorySize},
		{"monitor.recentChangesSize", m.RecentChangesSize},
		{"monitor.impactDepth", m.ImpactDepth},
		{"monitor.eventBufferSize", m.EventBufferSize},
		{"monitor.analysisConcurrency", m.AnalysisConcurrency},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigError{Field: p.field, Message: "must be positive"}
		}
	}
	if m.MaxFileSizeBytes <= 0 {
		return &ConfigError{Field: "monitor.maxFileSizeBytes", Message: "must be positive"}
	}
	if len(m.WatchPatterns) == 0 {
		return &ConfigError{Field: "monitor.watchPatterns", Message: "at least one pattern required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
