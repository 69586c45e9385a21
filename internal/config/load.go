package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraiz/nusbot/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "NUSBOT"

// SetDefaults registers every key so that environment variables are picked
// up by Unmarshal even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("hub.address", d.Hub.Address)
	v.SetDefault("identity.nick", d.Identity.Nick)
	v.SetDefault("identity.cid", d.Identity.CID)
	v.SetDefault("identity.pid", d.Identity.PID)
	v.SetDefault("identity.description", d.Identity.Description)
	v.SetDefault("scan_interval", d.ScanInterval)
	v.SetDefault("refresh_interval", d.RefreshInterval)
	v.SetDefault("connect_mode", d.ConnectMode)
	v.SetDefault("listen.host", d.Listen.Host)
	v.SetDefault("listen.port_min", d.Listen.PortMin)
	v.SetDefault("listen.port_max", d.Listen.PortMax)
	v.SetDefault("fetch.invite_timeout", d.Fetch.InviteTimeout)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.compressed", d.Fetch.Compressed)
	v.SetDefault("fetch.max_listing_bytes", d.Fetch.MaxListingBytes)
	v.SetDefault("magnet_links", d.MagnetLinks)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("http_token", d.HTTPToken)
	v.SetDefault("reconnect.initial_delay", d.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.reset_after", d.Reconnect.ResetAfter)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("log_level", d.LogLevel)
}

// ReadInConfig points v at path, or at the default locations when path is
// empty, and reads it. A missing file is not an error.
func ReadInConfig(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultDataDir)
		v.AddConfigPath(filepath.Join(home, ".config", "nusbot"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// Load decodes and validates the effective configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
