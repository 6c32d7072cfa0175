package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/mtgram/mtgo/mtproto"
	"github.com/mtgram/mtgo/mtproto/crypto"
	"github.com/mtgram/mtgo/session"
	"github.com/mtgram/mtgo/transport"
)

var defaultConfigData = `
home_dc = 2
ping_interval = "60s"
request_timeout = "30s"
dial_timeout = "10s"
# public_keys_file = "keys.pem"

[storage]
type = "memory"

# [proxy]
# socks5 = "127.0.0.1:9050"

# [init_connection]
# layer = 201
# api_id = 12345

# empty list means the built-in production seed
# [[dc]]
# id = 2
# address = "149.154.167.51"
# port = 443
`

const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "30s", "1m" in toml.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type DC struct {
	ID        int    `toml:"id"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	IPv6      bool   `toml:"ipv6"`
	MediaOnly bool   `toml:"media_only"`
	CDN       bool   `toml:"cdn"`
}

type Storage struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

type Proxy struct {
	SOCKS5   string  `toml:"socks5"`
	User     *string `toml:"user"`
	Password *string `toml:"password"`
}

type InitConnection struct {
	Layer          int    `toml:"layer"`
	APIID          int    `toml:"api_id"`
	DeviceModel    string `toml:"device_model"`
	SystemVersion  string `toml:"system_version"`
	AppVersion     string `toml:"app_version"`
	SystemLangCode string `toml:"system_lang_code"`
	LangPack       string `toml:"lang_pack"`
	LangCode       string `toml:"lang_code"`
}

type Config struct {
	HomeDC         int             `toml:"home_dc"`
	PingInterval   Duration        `toml:"ping_interval"`
	RequestTimeout Duration        `toml:"request_timeout"`
	DialTimeout    Duration        `toml:"dial_timeout"`
	PublicKeysFile string          `toml:"public_keys_file"`
	Storage        Storage         `toml:"storage"`
	Proxy          *Proxy          `toml:"proxy"`
	InitConnection *InitConnection `toml:"init_connection"`
	DCs            []DC            `toml:"dc"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c, err := Parse(defaultConfigData)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads the file over the defaults, keys missing in the file keep default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(string(data))
}

func Parse(data string) (*Config, error) {
	c := &Config{}
	if _, err := toml.Decode(defaultConfigData, c); err != nil {
		return nil, fmt.Errorf("failed to decode default config: %w", err)
	}

	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.HomeDC <= 0 {
		return fmt.Errorf("%w: home_dc must be positive", ErrInvalid)
	}
	if c.PingInterval.Duration < 0 || c.RequestTimeout.Duration < 0 || c.DialTimeout.Duration <= 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage %s needs a path", ErrInvalid, c.Storage.Type)
		}
	default:
		return fmt.Errorf("%w: unknown storage type %q", ErrInvalid, c.Storage.Type)
	}

	if p := c.Proxy; p != nil {
		if p.SOCKS5 == "" {
			return fmt.Errorf("%w: proxy needs a socks5 address", ErrInvalid)
		}
		if (p.User == nil) != (p.Password == nil) {
			return fmt.Errorf("%w: both proxy user and password must be specified", ErrInvalid)
		}
		if p.User != nil && (*p.User == "" || *p.Password == "") {
			return fmt.Errorf("%w: proxy user or password can't have zero length", ErrInvalid)
		}
	}

	if ic := c.InitConnection; ic != nil && (ic.Layer <= 0 || ic.APIID <= 0) {
		return fmt.Errorf("%w: init_connection needs layer and api_id", ErrInvalid)
	}

	for i, dc := range c.DCs {
		if dc.ID <= 0 || dc.Address == "" || dc.Port <= 0 || dc.Port > 65535 {
			return fmt.Errorf("%w: dc entry %d is incomplete", ErrInvalid, i)
		}
	}
	return nil
}

// DcOptions returns the configured seed list or the production one.
func (c *Config) DcOptions() []mtproto.DcOption {
	if len(c.DCs) == 0 {
		return mtproto.DefaultDcOptions()
	}

	list := make([]mtproto.DcOption, 0, len(c.DCs))
	for _, dc := range c.DCs {
		o := mtproto.DcOption{
			ID:      dc.ID,
			Address: dc.Address,
			Port:    dc.Port,
			Flags:   mtproto.DcOptionStatic,
		}
		if dc.IPv6 {
			o.Flags |= mtproto.DcOptionIPv6
		}
		if dc.MediaOnly {
			o.Flags |= mtproto.DcOptionMediaOnly
		}
		if dc.CDN {
			o.Flags |= mtproto.DcOptionCDN
		}
		list = append(list, o)
	}
	return list
}

func (c *Config) PublicKeys() ([]*crypto.PublicKey, error) {
	if c.PublicKeysFile == "" {
		return crypto.ProductionPublicKeys(), nil
	}

	data, err := os.ReadFile(c.PublicKeysFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read public keys: %w", err)
	}

	keys, err := crypto.ParsePublicKeysPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public keys from %s: %w", c.PublicKeysFile, err)
	}
	return keys, nil
}

// OpenStorage opens the configured session store.
// SQLite store has to be closed by the caller.
func (c *Config) OpenStorage() (session.Storage, error) {
	switch c.Storage.Type {
	case StorageFile:
		return session.NewFile(c.Storage.Path), nil
	case StorageSQLite:
		return session.NewSQLite(c.Storage.Path)
	case StorageMemory:
		return session.NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: unknown storage type %q", ErrInvalid, c.Storage.Type)
}

// ManagerOptions converts the configuration into mtproto manager options.
func (c *Config) ManagerOptions(store session.Storage, log *zap.Logger) ([]mtproto.Option, error) {
	if log == nil {
		log = zap.NewNop()
	}

	keys, err := c.PublicKeys()
	if err != nil {
		return nil, err
	}

	trOpts := []transport.Option{transport.WithLogger(log)}
	if p := c.Proxy; p != nil {
		var user, password string
		if p.User != nil {
			user, password = *p.User, *p.Password
		}

		dialer, err := transport.SOCKS5(p.SOCKS5, user, password)
		if err != nil {
			return nil, err
		}
		trOpts = append(trOpts, transport.WithDialer(dialer))
	}

	opts := []mtproto.Option{
		mtproto.WithLogger(log),
		mtproto.WithDcOptions(c.DcOptions()),
		mtproto.WithHomeDC(c.HomeDC),
		mtproto.WithPublicKeys(keys),
		mtproto.WithStorage(store),
		mtproto.WithPingInterval(c.PingInterval.Duration),
		mtproto.WithRequestTimeout(c.RequestTimeout.Duration),
		mtproto.WithDialTimeout(c.DialTimeout.Duration),
		mtproto.WithTransport(func() mtproto.Transport {
			return transport.NewTCP(trOpts...)
		}),
	}

	if ic := c.InitConnection; ic != nil {
		opts = append(opts, mtproto.WithInitConnection(mtproto.InitConnectionParams{
			Layer:          ic.Layer,
			APIID:          ic.APIID,
			DeviceModel:    ic.DeviceModel,
			SystemVersion:  ic.SystemVersion,
			AppVersion:     ic.AppVersion,
			SystemLangCode: ic.SystemLangCode,
			LangPack:       ic.LangPack,
			LangCode:       ic.LangCode,
		}))
	}
	return opts, nil
}
