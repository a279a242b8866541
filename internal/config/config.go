package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Source kinds understood by the loader.
const (
	KindDir     = "dir"
	KindFile    = "file"
	KindURL     = "url"
	KindRustdoc = "rustdoc"
	KindDocsRS  = "docsrs"
)

var kinds = map[string]bool{
	KindDir: true, KindFile: true, KindURL: true, KindRustdoc: true, KindDocsRS: true,
}

// SourceConfig names one place fragments are loaded from. In config files
// and on the command line it is written as "kind:target", with an optional
// "#trait" suffix for single-file sources.
type SourceConfig struct {
	Kind   string `mapstructure:"kind"`
	Target string `mapstructure:"target"`
	Trait  string `mapstructure:"trait"`
}

func (s SourceConfig) String() string {
	out := s.Kind + ":" + s.Target
	if s.Trait != "" {
		out += "#" + s.Trait
	}
	return out
}

// Validate reports whether s names a known source kind and a target.
func (s SourceConfig) Validate() error {
	if !kinds[s.Kind] {
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.Target == "" {
		return fmt.Errorf("%s source has no target", s.Kind)
	}
	return nil
}

type DocsConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

type LoaderConfig struct {
	Concurrency    int            `mapstructure:"concurrency"`
	DebounceMillis int            `mapstructure:"debounce_millis"`
	Sources        []SourceConfig `mapstructure:"sources"`
}

type DaemonConfig struct {
	ExpirationSeconds int `mapstructure:"expiration_seconds"`
}

type RenderConfig struct {
	Style    string `mapstructure:"style"`
	WordWrap int    `mapstructure:"word_wrap"`
}

type Config struct {
	Docs   DocsConfig   `mapstructure:"docs"`
	Loader LoaderConfig `mapstructure:"loader"`
	Daemon DaemonConfig `mapstructure:"daemon"`
	Render RenderConfig `mapstructure:"render"`
}

// cacheBase returns the base cache directory for implindex.
// Checks XDG_CACHE_HOME, then ~/.cache, then /tmp/implindex as fallback.
func cacheBase() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "implindex")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "implindex")
	}
	return filepath.Join(os.TempDir(), "implindex")
}

// DBPath returns the path to the DuckDB database file.
func DBPath() string {
	return filepath.Join(cacheBase(), "index.db")
}

// CASDir returns the path to the content-addressable storage directory.
func CASDir() string {
	return filepath.Join(cacheBase(), "cas")
}

// JSONCacheDir returns the path to the rustdoc JSON cache directory.
func JSONCacheDir() string {
	return filepath.Join(cacheBase(), "json")
}

// LogPath returns the path to the daemon's log file.
func LogPath() string {
	return filepath.Join(cacheBase(), "daemon.log")
}

// SocketPath returns the path to the daemon's unix socket.
func SocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "implindex", "daemon.sock")
	}
	return filepath.Join(fmt.Sprintf("/run/user/%d", os.Getuid()), "implindex", "daemon.sock")
}

func InitializeViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")

	viper.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		viper.AddConfigPath(filepath.Join(xdg, "implindex"))
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "implindex"))
	}

	setDefaults(viper.GetViper())

	viper.SetEnvPrefix("IMPLINDEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("docs.base_url", "https://docs.rs")
	v.SetDefault("docs.user_agent", "implindex (https://github.com/jcdickinson/implindex)")
	v.SetDefault("loader.concurrency", 8)
	v.SetDefault("loader.debounce_millis", 250)
	v.SetDefault("daemon.expiration_seconds", 600)
	v.SetDefault("render.style", "auto")
	v.SetDefault("render.word_wrap", 100)
}

// ParseSource parses "kind:target[#trait]". Without a known kind prefix the
// kind is inferred: http(s) URLs are "url", *.js files are "file", *.json
// files are "rustdoc" and anything else is a "dir".
func ParseSource(s string) (SourceConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SourceConfig{}, fmt.Errorf("empty source")
	}

	var src SourceConfig
	if kind, target, ok := strings.Cut(s, ":"); ok && kinds[kind] {
		src = SourceConfig{Kind: kind, Target: target}
	} else {
		src = SourceConfig{Kind: inferKind(s), Target: s}
	}

	if src.Kind == KindFile {
		if target, trait, ok := strings.Cut(src.Target, "#"); ok {
			src.Target, src.Trait = target, trait
		}
	}
	if src.Target == "" {
		return SourceConfig{}, fmt.Errorf("source %q has no target", s)
	}
	return src, nil
}

func inferKind(s string) string {
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return KindURL
	case strings.HasSuffix(s, ".js"), strings.Contains(s, ".js#"):
		return KindFile
	case strings.HasSuffix(s, ".json"), strings.HasSuffix(s, ".json.zst"):
		return KindRustdoc
	default:
		return KindDir
	}
}

func stringToSourceConfigHookFunc() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(SourceConfig{}) {
			return data, nil
		}
		if f.Kind() == reflect.String {
			return ParseSource(data.(string))
		}
		return data, nil
	}
}

func decode(settings map[string]interface{}) (*Config, error) {
	var config Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringToSourceConfigHookFunc(),
		WeaklyTypedInput: true,
		Result:           &config,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if config.Loader.Concurrency < 1 {
		config.Loader.Concurrency = 1
	}
	for i, s := range config.Loader.Sources {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("loader.sources[%d]: %w", i, err)
		}
	}
	return &config, nil
}

func Load() (*Config, error) {
	if err := InitializeViper(); err != nil {
		return nil, err
	}
	return decode(viper.AllSettings())
}
