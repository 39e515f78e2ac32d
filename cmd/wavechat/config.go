package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/socialwave/wavechat"
	wlog "github.com/socialwave/wavechat/internal/log"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.wavechat/config.toml.
// Every key can be overridden by WAVECHAT_<SECTION>_<KEY>.
type Config struct {
	Default   ConfigDefault   `toml:"default" mapstructure:"default"`
	Endpoints ConfigEndpoints `toml:"endpoints" mapstructure:"endpoints"`
	Sync      ConfigSync      `toml:"sync" mapstructure:"sync"`
	Log       ConfigLog       `toml:"log" mapstructure:"log"`
	Storage   ConfigStorage   `toml:"storage" mapstructure:"storage"`
}

type ConfigDefault struct {
	BaseURL string `toml:"base_url,omitempty" mapstructure:"base_url"`
}

// ConfigEndpoints overrides individual service URLs.
type ConfigEndpoints struct {
	Auth   string `toml:"auth,omitempty" mapstructure:"auth"`
	Users  string `toml:"users,omitempty" mapstructure:"users"`
	Chats  string `toml:"chats,omitempty" mapstructure:"chats"`
	Upload string `toml:"upload,omitempty" mapstructure:"upload"`
}

// ConfigSync holds poll timing as duration strings such as "2s".
type ConfigSync struct {
	PollInterval string `toml:"poll_interval,omitempty" mapstructure:"poll_interval"`
	FetchTimeout string `toml:"fetch_timeout,omitempty" mapstructure:"fetch_timeout"`
}

type ConfigLog struct {
	Level  string `toml:"level,omitempty" mapstructure:"level"`
	Pretty bool   `toml:"pretty,omitempty" mapstructure:"pretty"`
}

// ConfigStorage selects the attachment backend: "http" posts to the upload
// endpoint, "s3" writes to a bucket.
type ConfigStorage struct {
	Backend string   `toml:"backend,omitempty" mapstructure:"backend"`
	S3      ConfigS3 `toml:"s3" mapstructure:"s3"`
}

type ConfigS3 struct {
	Bucket          string `toml:"bucket,omitempty" mapstructure:"bucket"`
	Region          string `toml:"region,omitempty" mapstructure:"region"`
	Endpoint        string `toml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKeyID     string `toml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	PublicURL       string `toml:"public_url,omitempty" mapstructure:"public_url"`
	UsePathStyle    bool   `toml:"use_path_style,omitempty" mapstructure:"use_path_style"`
}

func (c *Config) endpoints() wavechat.Endpoints {
	return wavechat.Endpoints{
		Auth:   c.Endpoints.Auth,
		Users:  c.Endpoints.Users,
		Chats:  c.Endpoints.Chats,
		Upload: c.Endpoints.Upload,
	}
}

func (c *Config) s3() wavechat.S3Config {
	return wavechat.S3Config{
		Endpoint:        c.Storage.S3.Endpoint,
		Region:          c.Storage.S3.Region,
		Bucket:          c.Storage.S3.Bucket,
		AccessKeyID:     c.Storage.S3.AccessKeyID,
		SecretAccessKey: c.Storage.S3.SecretAccessKey,
		UsePathStyle:    c.Storage.S3.UsePathStyle,
		PublicURL:       c.Storage.S3.PublicURL,
	}
}

func (c *Config) logConfig() wlog.Config {
	return wlog.Config{Level: c.Log.Level, Pretty: c.Log.Pretty}
}

func (c *Config) pollInterval() (time.Duration, error) {
	return parseDuration("sync.poll_interval", c.Sync.PollInterval, wavechat.DefaultPollInterval)
}

func (c *Config) fetchTimeout() (time.Duration, error) {
	return parseDuration("sync.fetch_timeout", c.Sync.FetchTimeout, wavechat.DefaultFetchTimeout)
}

func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: expected a positive duration such as 2s", key, s)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns $WAVECHAT_HOME or ~/.wavechat, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("WAVECHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".wavechat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// setDefaults registers every key so AutomaticEnv applies to it on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("default.base_url", wavechat.DefaultBaseURL)
	v.SetDefault("endpoints.auth", "")
	v.SetDefault("endpoints.users", "")
	v.SetDefault("endpoints.chats", "")
	v.SetDefault("endpoints.upload", "")
	v.SetDefault("sync.poll_interval", wavechat.DefaultPollInterval.String())
	v.SetDefault("sync.fetch_timeout", wavechat.DefaultFetchTimeout.String())
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.pretty", false)
	v.SetDefault("storage.backend", "http")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.public_url", "")
	v.SetDefault("storage.s3.use_path_style", false)
}

// loadConfig returns the effective configuration: defaults, then the
// config file, then WAVECHAT_* environment variables.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("WAVECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadFileConfig reads only the config file, without defaults or env.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "endpoints":
		switch field {
		case "auth":
			cfg.Endpoints.Auth = value
		case "users":
			cfg.Endpoints.Users = value
		case "chats":
			cfg.Endpoints.Chats = value
		case "upload":
			cfg.Endpoints.Upload = value
		default:
			return fmt.Errorf("unknown field %q in section [endpoints]", field)
		}
	case "sync":
		if _, err := parseDuration(key, value, 0); err != nil {
			return err
		}
		switch field {
		case "poll_interval":
			cfg.Sync.PollInterval = value
		case "fetch_timeout":
			cfg.Sync.FetchTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "pretty":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid log.pretty %q: expected true or false", value)
			}
			cfg.Log.Pretty = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "storage":
		return setStorageValue(cfg, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, endpoints, sync, log, storage)", section)
	}
	return nil
}

func setStorageValue(cfg *Config, field, value string) error {
	if field == "backend" {
		if value != "http" && value != "s3" {
			return fmt.Errorf("invalid storage.backend %q (valid: http, s3)", value)
		}
		cfg.Storage.Backend = value
		return nil
	}
	s3Field, ok := strings.CutPrefix(field, "s3.")
	if !ok {
		return fmt.Errorf("unknown field %q in section [storage]", field)
	}
	s3 := &cfg.Storage.S3
	switch s3Field {
	case "bucket":
		s3.Bucket = value
	case "region":
		s3.Region = value
	case "endpoint":
		s3.Endpoint = value
	case "access_key_id":
		s3.AccessKeyID = value
	case "secret_access_key":
		s3.SecretAccessKey = value
	case "public_url":
		s3.PublicURL = value
	case "use_path_style":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid storage.s3.use_path_style %q: expected true or false", value)
		}
		s3.UsePathStyle = b
	default:
		return fmt.Errorf("unknown field %q in section [storage.s3]", s3Field)
	}
	return nil
}

// ============================================================================
// config commands
// ============================================================================

var configShowEffective bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Print the merged configuration including defaults and environment overrides")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage wavechat configuration",
	Long:  "View or modify the wavechat CLI configuration stored in ~/.wavechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowEffective {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("cannot marshal config: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'wavechat config set default.base_url <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(out, string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: wavechat config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
