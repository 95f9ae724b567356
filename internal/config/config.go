// Package config loads the notesync configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then NOTESYNC_*
// environment variables. NOTESYNC_SERVER_PORT sets server.port, NOTESYNC_SYNC_MIN_INTERVAL
// sets sync.min_interval.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "NOTESYNC_"

const (
	defaultPort        = 8080
	defaultSyncDelay   = 5 * time.Second
	defaultMinInterval = 30 * time.Second
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the application configuration.
type Config struct {
	DataDir    string `koanf:"data_dir"`
	DeviceName string `koanf:"device_name"`
	Author     Author `koanf:"author"`
	Log        Log    `koanf:"log"`
	Server     Server `koanf:"server"`
	Sync       Sync   `koanf:"sync"`
}

// Author is the identity used for sync commits.
type Author struct {
	Name  string `koanf:"name"`
	Email string `koanf:"email"`
}

// Log configures logging.
type Log struct {
	Format string `koanf:"format"`
	// File is an optional rotated log file, written in addition to stderr.
	File string `koanf:"file"`
}

// Server configures `notesync serve`.
type Server struct {
	Port   int    `koanf:"port"`
	Token  string `koanf:"token"`
	Secret string `koanf:"secret"`
}

// Sync configures background syncing.
type Sync struct {
	// Delay is the debounce window between a trigger and the sync it causes.
	Delay time.Duration `koanf:"delay"`
	// MinInterval is the minimum time between two background syncs.
	MinInterval time.Duration `koanf:"min_interval"`
	// Watch triggers a sync when the notes database changes.
	Watch bool `koanf:"watch"`
	// FallbackSide is "ours", "theirs" or empty.
	FallbackSide string `koanf:"fallback_side"`
}

// Default returns the configuration used when nothing overrides it.
func Default() map[string]any {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown device"
	}

	return map[string]any{
		"data_dir":          defaultDataDir(),
		"device_name":       host,
		"author.name":       "notesync",
		"author.email":      "notesync@localhost",
		"log.format":        LogFormatText,
		"server.port":       defaultPort,
		"sync.delay":        defaultSyncDelay.String(),
		"sync.min_interval": defaultMinInterval.String(),
		"sync.watch":        true,
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".notesync"
	}
	return filepath.Join(dir, "notesync")
}

// Load reads the configuration. path may be empty, in which case only defaults and
// environment variables are used.
func Load(path string) (*Config, error) {
	return load(path, os.Environ)
}

func load(path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Default(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
		EnvironFunc:   environ,
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// sections are the nested groups; an environment variable naming one of them maps its
// first underscore to a dot.
var sections = map[string]bool{"author": true, "log": true, "server": true, "sync": true}

// envKey maps NOTESYNC_SYNC_MIN_INTERVAL to sync.min_interval.
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if section, rest, ok := strings.Cut(key, "_"); ok && sections[section] {
		key = section + "." + rest
	}
	return key, value
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.DeviceName, validation.Required),
	)
	if err != nil {
		return err
	}

	for _, v := range []validation.Validatable{&c.Author, &c.Log, &c.Server, &c.Sync} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the author.
func (a *Author) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Name, validation.Required),
		validation.Field(&a.Email, validation.Required),
	)
}

// Validate checks the log settings.
func (l *Log) Validate() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Format, validation.Required, validation.In(LogFormatText, LogFormatJSON)),
	)
}

// Validate checks the server settings.
func (s *Server) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ErrNegativeDuration is returned for a negative sync delay or interval.
var ErrNegativeDuration = errors.New("must not be negative")

// Validate checks the sync settings.
func (s *Sync) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Delay, validation.By(nonNegative)),
		validation.Field(&s.MinInterval, validation.By(nonNegative)),
		validation.Field(&s.FallbackSide, validation.In("ours", "theirs")),
	)
}

func nonNegative(value any) error {
	if d, ok := value.(time.Duration); ok && d < 0 {
		return ErrNegativeDuration
	}
	return nil
}
