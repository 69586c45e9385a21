package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kraiz/nusbot/internal/blob"
	"github.com/kraiz/nusbot/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".nusbot")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.yaml")
	DefaultLogFile    = filepath.Join(DefaultDataDir, "logs", "nusbot.log")
)

const (
	DefaultHubAddress  = "10.10.0.1:1511"
	DefaultNick        = "nusbot"
	DefaultCID         = "SXX4RUEEB263P3EX7VAGSMHGO4XVDBTQOJZNONI"
	DefaultPID         = "4MH2IBPDTOP34ELXWSXRY35CSTHDR3PCOMWZPMI"
	DefaultDescription = `I'm a bot, type "nusbot" into the chat!`
	DefaultHTTPAddr    = "127.0.0.1:7939"

	ModePassive = "passive"
	ModeActive  = "active"
)

var (
	ErrInvalidHubAddress = errors.New("config: invalid hub address")
	ErrInvalidIdentity   = errors.New("config: invalid identity")
	ErrInvalidInterval   = errors.New("config: invalid interval")
	ErrInvalidPortRange  = errors.New("config: invalid port range")
	ErrInvalidMode       = errors.New("config: invalid connect mode")
)

type Config struct {
	Hub             HubConfig       `mapstructure:"hub" yaml:"hub"`
	Identity        IdentityConfig  `mapstructure:"identity" yaml:"identity"`
	ScanInterval    time.Duration   `mapstructure:"scan_interval" yaml:"scan_interval"`
	RefreshInterval time.Duration   `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	ConnectMode     string          `mapstructure:"connect_mode" yaml:"connect_mode"`
	Listen          ListenConfig    `mapstructure:"listen" yaml:"listen"`
	Fetch           FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	MagnetLinks     bool            `mapstructure:"magnet_links" yaml:"magnet_links"`
	DataDir         string          `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath          string          `mapstructure:"db_path" yaml:"db_path"`
	HTTPAddr        string          `mapstructure:"http_addr" yaml:"http_addr"`
	HTTPToken       string          `mapstructure:"http_token" yaml:"http_token"`
	Reconnect       ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Archive         blob.S3Config   `mapstructure:"archive" yaml:"archive"`
	LogLevel        string          `mapstructure:"log_level" yaml:"log_level"`

	// Path is the config file the values were read from, if any.
	Path string `mapstructure:"-" yaml:"-"`
}

type HubConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

type IdentityConfig struct {
	Nick        string `mapstructure:"nick" yaml:"nick"`
	CID         string `mapstructure:"cid" yaml:"cid"`
	PID         string `mapstructure:"pid" yaml:"pid"`
	Description string `mapstructure:"description" yaml:"description"`
}

type ListenConfig struct {
	Host    string `mapstructure:"host" yaml:"host"`
	PortMin int    `mapstructure:"port_min" yaml:"port_min"`
	PortMax int    `mapstructure:"port_max" yaml:"port_max"`
}

type FetchConfig struct {
	InviteTimeout   time.Duration `mapstructure:"invite_timeout" yaml:"invite_timeout"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Compressed      bool          `mapstructure:"compressed" yaml:"compressed"`
	MaxListingBytes int64         `mapstructure:"max_listing_bytes" yaml:"max_listing_bytes"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	ResetAfter   time.Duration `mapstructure:"reset_after" yaml:"reset_after"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Hub: HubConfig{Address: DefaultHubAddress},
		Identity: IdentityConfig{
			Nick:        DefaultNick,
			CID:         DefaultCID,
			PID:         DefaultPID,
			Description: DefaultDescription,
		},
		ScanInterval:    60 * time.Minute,
		RefreshInterval: 60 * time.Minute,
		ConnectMode:     ModePassive,
		Fetch: FetchConfig{
			InviteTimeout:   2 * time.Minute,
			Timeout:         5 * time.Minute,
			Compressed:      true,
			MaxListingBytes: 256 << 20,
		},
		DataDir:  DefaultDataDir,
		HTTPAddr: DefaultHTTPAddr,
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Minute,
			ResetAfter:   time.Minute,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration and fills in derived paths.
func (c *Config) Validate() error {
	addr, err := NormalizeHubAddress(c.Hub.Address)
	if err != nil {
		return err
	}
	c.Hub.Address = addr

	if c.Identity.Nick == "" || strings.ContainsAny(c.Identity.Nick, " \n") {
		return fmt.Errorf("%w: nick %q", ErrInvalidIdentity, c.Identity.Nick)
	}
	if !IsBase32ID(c.Identity.CID) {
		return fmt.Errorf("%w: cid must be 39 base32 characters", ErrInvalidIdentity)
	}
	if !IsBase32ID(c.Identity.PID) {
		return fmt.Errorf("%w: pid must be 39 base32 characters", ErrInvalidIdentity)
	}

	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan_interval must be positive", ErrInvalidInterval)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("%w: refresh_interval must not be negative", ErrInvalidInterval)
	}
	if c.Fetch.InviteTimeout <= 0 || c.Fetch.Timeout <= 0 {
		return fmt.Errorf("%w: fetch timeouts must be positive", ErrInvalidInterval)
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("%w: reconnect delays", ErrInvalidInterval)
	}

	switch c.ConnectMode {
	case ModePassive, ModeActive:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.ConnectMode)
	}

	if err := c.validatePorts(); err != nil {
		return err
	}

	// archive settings without a bucket are most likely a typo
	if c.Archive.Endpoint != "" || c.Archive.AccessKey != "" || c.Archive.Prefix != "" {
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir: %w", err)
	}
	c.DataDir = dataDir

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "nusbot.db")
	} else if c.DBPath != ":memory:" {
		dbPath, err := utils.ResolvePath(c.DBPath)
		if err != nil {
			return fmt.Errorf("resolve db_path: %w", err)
		}
		c.DBPath = dbPath
	}

	return nil
}

func (c *Config) validatePorts() error {
	min, max := c.Listen.PortMin, c.Listen.PortMax
	if min == 0 && max == 0 {
		return nil
	}
	if min < 1 || max > 65535 || min > max {
		return fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, min, max)
	}
	return nil
}

// NormalizeHubAddress accepts host:port with an optional adc:// scheme.
func NormalizeHubAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "adc://")
	addr = strings.TrimSuffix(addr, "/")

	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidHubAddress, addr)
	}
	return addr, nil
}

// IsBase32ID reports whether s looks like an encoded 192 bit tiger hash.
func IsBase32ID(s string) bool {
	if len(s) != 39 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z') && !(r >= '2' && r <= '7') {
			return false
		}
	}
	return true
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.HTTPToken != "" {
		cp.HTTPToken = utils.MaskSecret(cp.HTTPToken)
	}
	if cp.Archive.AccessKey != "" {
		cp.Archive.AccessKey = utils.MaskSecret(cp.Archive.AccessKey)
	}
	if cp.Archive.SecretKey != "" {
		cp.Archive.SecretKey = utils.MaskSecret(cp.Archive.SecretKey)
	}
	return &cp
}
