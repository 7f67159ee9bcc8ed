// Package config merges pagesync settings from defaults, an optional config
// file, PAGESYNC_* environment variables and command line flags.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"

	"github.com/agentworkforce/pagesync/internal/identity"
)

const (
	KeyBaseURL        = "base-url"
	KeyCookie         = "cookie"
	KeySpace          = "space"
	KeyRootTitle      = "root-title"
	KeyRootFolder     = "root-folder"
	KeyCacheDSN       = "cache-dsn"
	KeyTimeout        = "timeout"
	KeyUserAgent      = "user-agent"
	KeyRetries        = "retries"
	KeyLogFile        = "log-file"
	KeyExtensions     = "extensions"
	KeyDebounce       = "debounce"
	KeyResyncInterval = "resync-interval"
	KeyResyncJitter   = "resync-jitter"
)

const (
	EnvPrefix        = "PAGESYNC"
	DefaultUserAgent = "pagesync/1.0"
	DefaultCacheFile = ".pagesync-cache.json"
	DefaultTimeout   = 30 * time.Second
)

var (
	ErrMissingSetting = errors.New("missing required setting")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://agentworkforce.dev/schemas/pagesync/config.json"

type Config struct {
	BaseURL    string
	Cookie     string
	Space      string
	RootTitle  string
	RootFolder string
	// CacheDSN selects the identity cache backend. Defaults to a JSON file
	// inside RootFolder.
	CacheDSN       string
	Timeout        time.Duration
	UserAgent      string
	Retries        int
	LogFile        string
	Extensions     []string
	Debounce       time.Duration
	ResyncInterval time.Duration
	ResyncJitter   float64
}

// New returns a viper instance with pagesync defaults and environment
// bindings. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyTimeout, DefaultTimeout.String())
	v.SetDefault(KeyUserAgent, DefaultUserAgent)
	v.SetDefault(KeyRetries, 2)
	v.SetDefault(KeyExtensions, []string{".md"})
	v.SetDefault(KeyDebounce, (500 * time.Millisecond).String())
	v.SetDefault(KeyResyncInterval, "0s")
	v.SetDefault(KeyResyncJitter, 0.2)
	for _, key := range []string{KeyBaseURL, KeyCookie, KeySpace, KeyRootTitle, KeyRootFolder, KeyCacheDSN, KeyLogFile} {
		v.SetDefault(key, "")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (when set, otherwise pagesync.{json,yaml,toml} from
// the working directory if present), validates the merged settings and
// returns them.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if err := readConfigFile(v, configFile); err != nil {
		return Config{}, err
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.requireConnection(); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.RootFolder) == "" {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingSetting, KeyRootFolder)
	}
	if cfg.CacheDSN == "" {
		root, err := filepath.Abs(cfg.RootFolder)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyRootFolder, err)
		}
		cfg.CacheDSN = identity.FileDSN(filepath.Join(root, DefaultCacheFile))
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	configFile = strings.TrimSpace(configFile)
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		return nil
	}
	v.SetConfigName("pagesync")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	durations := map[string]*time.Duration{
		KeyTimeout:        &cfg.Timeout,
		KeyDebounce:       &cfg.Debounce,
		KeyResyncInterval: &cfg.ResyncInterval,
	}
	for key, target := range durations {
		raw := strings.TrimSpace(v.GetString(key))
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*target = d
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/")
	cfg.Cookie = strings.TrimSpace(v.GetString(KeyCookie))
	cfg.Space = strings.TrimSpace(v.GetString(KeySpace))
	cfg.RootTitle = strings.TrimSpace(v.GetString(KeyRootTitle))
	cfg.RootFolder = strings.TrimSpace(v.GetString(KeyRootFolder))
	cfg.CacheDSN = strings.TrimSpace(v.GetString(KeyCacheDSN))
	cfg.UserAgent = strings.TrimSpace(v.GetString(KeyUserAgent))
	cfg.Retries = v.GetInt(KeyRetries)
	cfg.LogFile = strings.TrimSpace(v.GetString(KeyLogFile))
	cfg.Extensions = splitList(v.GetStringSlice(KeyExtensions))
	cfg.ResyncJitter = v.GetFloat64(KeyResyncJitter)
	return cfg, nil
}

// splitList accepts both repeated values and a comma separated string, the
// form environment variables arrive in.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (c Config) document() map[string]any {
	extensions := make([]any, 0, len(c.Extensions))
	for _, ext := range c.Extensions {
		extensions = append(extensions, ext)
	}
	return map[string]any{
		KeyBaseURL:        c.BaseURL,
		KeyCookie:         c.Cookie,
		KeySpace:          c.Space,
		KeyRootTitle:      c.RootTitle,
		KeyRootFolder:     c.RootFolder,
		KeyCacheDSN:       c.CacheDSN,
		KeyUserAgent:      c.UserAgent,
		KeyLogFile:        c.LogFile,
		KeyTimeout:        c.Timeout.String(),
		KeyRetries:        c.Retries,
		KeyExtensions:     extensions,
		KeyDebounce:       c.Debounce.String(),
		KeyResyncInterval: c.ResyncInterval.String(),
		KeyResyncJitter:   c.ResyncJitter,
	}
}

func validate(cfg Config) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	// Round trip through JSON so numbers reach the validator as json.Number.
	data, err := json.Marshal(cfg.document())
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to load config schema: %w", err)
	}
	return compiler.Compile(schemaURL)
}

func (c Config) requireConnection() error {
	required := []struct {
		key   string
		value string
	}{
		{KeyBaseURL, c.BaseURL},
		{KeyCookie, c.Cookie},
		{KeySpace, c.Space},
		{KeyRootTitle, c.RootTitle},
	}
	for _, setting := range required {
		if setting.value == "" {
			return fmt.Errorf("%w: %s (--%s or %s)", ErrMissingSetting, setting.key, setting.key, EnvName(setting.key))
		}
	}
	return nil
}

// EnvName returns the environment variable read for key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// CacheFile returns the local path of a file backed cache DSN, or "" when
// the cache lives elsewhere.
func (c Config) CacheFile() string {
	path, ok := identity.FilePathFromDSN(c.CacheDSN)
	if !ok {
		return ""
	}
	return path
}
