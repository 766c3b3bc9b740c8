// Package config handles TOML-based configuration loading and validation.
// TOML is parsed as data only; alias tables, key rings and site tables all
// come from here so none of them is compiled into resolution logic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"embedres/internal/alias"
	"embedres/internal/decode"
	"embedres/internal/media"
	"embedres/internal/scan"
)

// Duration is a time.Duration written as a string ("8s", "1m30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig maps a composite reference's server name to an encoding.
type ServerConfig struct {
	Name     string `toml:"name"`
	Encoding string `toml:"encoding"`
	Param    string `toml:"param"`
	Language string `toml:"language"`
}

// RemoteConfig enables the remote decryption API handler for hosts.
type RemoteConfig struct {
	APIURL string   `toml:"api_url"`
	Hosts  []string `toml:"hosts"`
}

// Config holds all application configuration.
type Config struct {
	Workers          int                       `toml:"workers"`
	BranchTimeout    Duration                  `toml:"branch_timeout"`
	Deadline         Duration                  `toml:"deadline"`
	MaxDepth         int                       `toml:"max_depth"`
	UserAgent        string                    `toml:"user_agent"`
	AllowHTTP        bool                      `toml:"allow_http"`
	Debug            bool                      `toml:"debug"`
	SiteID           string                    `toml:"site"`
	AliasFile        string                    `toml:"alias_file"`
	MegaCloudKeysURL string                    `toml:"megacloud_keys_url"`
	Aliases          []alias.Rule              `toml:"alias"`
	Keys             map[string]decode.Secret  `toml:"keys"`
	Substitutions    []decode.SubstitutionSite `toml:"substitution"`
	HexSites         []decode.XORHexSite       `toml:"hex_site"`
	Servers          []ServerConfig            `toml:"server"`
	Remote           RemoteConfig              `toml:"remote"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Workers:       4,
		BranchTimeout: Duration{8 * time.Second},
		Deadline:      Duration{30 * time.Second},
		MaxDepth:      3,
		Keys:          map[string]decode.Secret{},
	}
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "embedres"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "embedres"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config file and merges with defaults.
// If the config file doesn't exist, defaults are returned.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.AliasFile = expandHome(cfg.AliasFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers must be between 1 and 64, got %d", c.Workers)
	}
	if c.BranchTimeout.Duration <= 0 {
		return fmt.Errorf("branch_timeout must be positive, got %s", c.BranchTimeout)
	}
	if c.Deadline.Duration < 0 {
		return fmt.Errorf("deadline cannot be negative, got %s", c.Deadline)
	}
	if c.MaxDepth < 1 || c.MaxDepth > 10 {
		return fmt.Errorf("max_depth must be between 1 and 10, got %d", c.MaxDepth)
	}
	for i, s := range c.Servers {
		if _, err := s.kind(); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
	}
	if c.Remote.APIURL == "" && len(c.Remote.Hosts) > 0 {
		return fmt.Errorf("remote hosts configured without api_url")
	}
	return nil
}

func (s ServerConfig) kind() (media.EncodingKind, error) {
	if strings.TrimSpace(s.Name) == "" {
		return media.EncodingKind{}, fmt.Errorf("name cannot be empty")
	}
	enc, ok := media.ParseEncoding(s.Encoding)
	if !ok {
		return media.EncodingKind{}, fmt.Errorf("unknown encoding %q for server %q", s.Encoding, s.Name)
	}
	if (enc == media.CipherJSON || enc == media.CustomSubstitution) && s.Param == "" {
		return media.EncodingKind{}, fmt.Errorf("server %q: encoding %s needs a param", s.Name, enc)
	}
	return media.EncodingKind{Encoding: enc, Param: s.Param}, nil
}

// KeyRing builds the CipherJSON key ring from [keys.<id>] tables.
func (c *Config) KeyRing() (*decode.KeyRing, error) {
	ring := decode.NewKeyRing()
	for id, secret := range c.Keys {
		if err := ring.Add(id, secret); err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
	}
	return ring, nil
}

// DecodeOptions assembles the decoder registry options.
func (c *Config) DecodeOptions() (decode.Options, error) {
	ring, err := c.KeyRing()
	if err != nil {
		return decode.Options{}, err
	}
	return decode.Options{Keys: ring, Sites: c.Substitutions, Hex: c.HexSites}, nil
}

// ScanServers converts [[server]] tables into the scanner's composite table.
func (c *Config) ScanServers() ([]scan.Server, error) {
	out := make([]scan.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		kind, err := s.kind()
		if err != nil {
			return nil, err
		}
		out = append(out, scan.Server{
			Name:     s.Name,
			Kind:     kind,
			Language: media.ParseLanguageTag(s.Language),
		})
	}
	return out, nil
}

// AliasResolver loads inline rules, the alias file and the embedded defaults.
func (c *Config) AliasResolver() (*alias.Resolver, error) {
	r, err := alias.Load(c.Aliases, c.AliasFile)
	if err != nil {
		return nil, fmt.Errorf("loading alias table: %w", err)
	}
	return r, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
