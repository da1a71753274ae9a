package config

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/pulse/internal/errors"
)

// FileNames are the project files Load looks for, in order.
var FileNames = []string{"pulse.json", "pulse.toml", "pulse.yaml", "pulse.yml"}

const (
	// DefaultPrefix is prepended to every storage key.
	DefaultPrefix = "pulse:"

	// DefaultDevtoolsAddr is where the devtools server listens.
	DefaultDevtoolsAddr = "localhost:7070"

	// DefaultBoltPath is the bolt file used when none is configured.
	DefaultBoltPath = "pulse.db"

	// DefaultTable is the SQL table used when none is configured.
	DefaultTable = "pulse_state"
)

// Backends lists the storage backend names the CLI can open.
var Backends = []string{"memory", "bolt", "sql", "s3"}

// Config is the complete project configuration.
type Config struct {
	// Name is the project name, shown by devtools.
	Name string `json:"name,omitempty" toml:"name,omitempty" yaml:"name,omitempty"`

	// Storage selects and configures the persistence backend.
	Storage StorageConfig `json:"storage" toml:"storage" yaml:"storage"`

	// Log configures the slog logger.
	Log LogConfig `json:"log" toml:"log" yaml:"log"`

	// Devtools configures the inspection server.
	Devtools DevtoolsConfig `json:"devtools" toml:"devtools" yaml:"devtools"`

	configPath string
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	// Backend is one of Backends. Default: "memory".
	Backend string `json:"backend,omitempty" toml:"backend,omitempty" yaml:"backend,omitempty"`

	// Prefix is prepended to every persisted key. Default: DefaultPrefix.
	Prefix string `json:"prefix,omitempty" toml:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Codec is "json" (default) or "yaml".
	Codec string `json:"codec,omitempty" toml:"codec,omitempty" yaml:"codec,omitempty"`

	// Path is the bolt database file.
	Path string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`

	// Dialect is the SQL dialect: postgres, mysql or sqlite.
	Dialect string `json:"dialect,omitempty" toml:"dialect,omitempty" yaml:"dialect,omitempty"`

	// DSN is the SQL data source name.
	DSN string `json:"dsn,omitempty" toml:"dsn,omitempty" yaml:"dsn,omitempty"`

	// Table is the SQL table. Default: DefaultTable.
	Table string `json:"table,omitempty" toml:"table,omitempty" yaml:"table,omitempty"`

	// Bucket is the S3 bucket.
	Bucket string `json:"bucket,omitempty" toml:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Region is the S3 region.
	Region string `json:"region,omitempty" toml:"region,omitempty" yaml:"region,omitempty"`

	// ObjectPrefix is prepended to S3 object keys.
	ObjectPrefix string `json:"objectPrefix,omitempty" toml:"objectPrefix,omitempty" yaml:"objectPrefix,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `json:"level,omitempty" toml:"level,omitempty" yaml:"level,omitempty"`

	// Format is text (default) or json.
	Format string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// DevtoolsConfig configures the devtools server.
type DevtoolsConfig struct {
	// Addr is the listen address. Default: DefaultDevtoolsAddr.
	Addr string `json:"addr,omitempty" toml:"addr,omitempty" yaml:"addr,omitempty"`

	// AllowedOrigins lists origins allowed to open the websocket stream.
	// Empty allows same-origin requests only.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" toml:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the first project file found in dir.
func Load(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, errors.New("P020").
		WithDetail("No " + strings.Join(FileNames, ", ") + " found in " + dir)
}

// LoadFile reads configuration from path. The format follows the file
// extension; unknown extensions are read as JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("P020").WithDetail("No config at " + path)
		}
		return nil, errors.New("P021").Wrap(err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		if pe, ok := err.(*errors.PulseError); ok && pe.Location == nil {
			pe.WithLocation(path, 0, 0)
		}
		return nil, err
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes data in the given format ("json", "toml" or "yaml"),
// applies defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := &Config{}
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, errors.New("P021").
				WithDetail("Failed to parse TOML: " + err.Error())
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, errors.New("P021").
				WithDetail("Unknown keys: " + strings.Join(keys, ", "))
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.New("P021").
				WithDetail("Failed to parse YAML: " + err.Error())
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.New("P021").
				WithDetail("Failed to parse JSON: " + err.Error()).
				WithSuggestion("Check that the file is valid JSON")
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to path in the format its extension
// names.
func (c *Config) SaveTo(path string) error {
	data, err := c.Marshal(formatOf(path))
	if err != nil {
		return errors.New("P021").Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.New("P021").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Marshal encodes the configuration as "json", "toml" or "yaml".
func (c *Config) Marshal(format string) ([]byte, error) {
	switch format {
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "yaml":
		return yaml.Marshal(c)
	default:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

// Path returns the path the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory holding the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = DefaultPrefix
	}
	if c.Storage.Codec == "" {
		c.Storage.Codec = "json"
	}
	if c.Storage.Backend == "bolt" && c.Storage.Path == "" {
		c.Storage.Path = DefaultBoltPath
	}
	if c.Storage.Backend == "sql" && c.Storage.Table == "" {
		c.Storage.Table = DefaultTable
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Devtools.Addr == "" {
		c.Devtools.Addr = DefaultDevtoolsAddr
	}
}

// Validate checks field values and cross-field requirements.
func (c *Config) Validate() error {
	invalid := func(field, detail string) error {
		return errors.New("P021").WithSubject(field).WithDetail(detail)
	}

	if !slices.Contains(Backends, c.Storage.Backend) {
		return invalid("storage.backend", "Backend must be one of "+strings.Join(Backends, ", "))
	}
	if c.Storage.Codec != "json" && c.Storage.Codec != "yaml" {
		return invalid("storage.codec", "Codec must be json or yaml")
	}
	switch c.Storage.Backend {
	case "sql":
		if c.Storage.DSN == "" {
			return invalid("storage.dsn", "The sql backend needs a dsn")
		}
		switch c.Storage.Dialect {
		case "postgres", "mysql", "sqlite":
		default:
			return invalid("storage.dialect", "Dialect must be postgres, mysql or sqlite")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return invalid("storage.bucket", "The s3 backend needs a bucket")
		}
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		return invalid("log.level", "Level must be debug, info, warn or error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format", "Format must be text or json")
	}
	if _, port, err := net.SplitHostPort(c.Devtools.Addr); err != nil || !validPort(port) {
		return invalid("devtools.addr", "Address must be host:port")
	}
	return nil
}

// Logger builds the slog logger the config describes, writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// StoragePath resolves the bolt path against the config directory.
func (c *Config) StoragePath() string {
	if c.Storage.Path == "" || filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.Dir(), c.Storage.Path)
}

// Exists reports whether dir holds a project file.
func Exists(dir string) bool {
	for _, name := range FileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// FindProjectRoot walks up from startDir to the first directory holding a
// project file.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("P020").
				WithDetail("No pulse config found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads the project file of the working directory or its
// nearest parent.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}
	return Load(root)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func validPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && n <= 65535
}

