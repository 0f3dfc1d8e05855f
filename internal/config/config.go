// Package config читает файлы конфигурации wampctl и wamprouter. Формат
// выбирается по расширению: .yaml/.yml или .toml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    LogConfig    `yaml:"log" toml:"log"`
	Client ClientConfig `yaml:"client" toml:"client"`
	Router RouterConfig `yaml:"router" toml:"router"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

type ClientConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Realm string `yaml:"realm" toml:"realm"`
	// AuthID и Secret включают WAMP-CRA. Пустой AuthID - анонимная сессия.
	AuthID           string        `yaml:"authid" toml:"authid"`
	Secret           string        `yaml:"secret" toml:"secret"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	// ReconnectInterval == 0 отключает переподключение subscribe.
	// MaxReconnectAttempts == 0 - без ограничения.
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" toml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	// Trace - путь к файлу CBOR-трассы кадров.
	Trace string `yaml:"trace" toml:"trace"`
}

type RouterConfig struct {
	Addr             string            `yaml:"addr" toml:"addr"`
	Path             string            `yaml:"path" toml:"path"`
	Realm            string            `yaml:"realm" toml:"realm"`
	Secrets          map[string]string `yaml:"secrets" toml:"secrets"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout" toml:"handshake_timeout"`
	Trace            string            `yaml:"trace" toml:"trace"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Client: ClientConfig{
			URL:               "ws://localhost:8080/ws",
			Realm:             "realm1",
			HandshakeTimeout:  45 * time.Second,
			RequestTimeout:    10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Router: RouterConfig{
			Addr:             ":8080",
			Path:             "/ws",
			Realm:            "realm1",
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Load читает файл поверх Default и проверяет результат. Пустой путь даёт
// значения по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}

	return nil
}

func (c ClientConfig) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalid, u.Scheme)
	}

	if strings.TrimSpace(c.Realm) == "" {
		return fmt.Errorf("%w: realm is required", ErrInvalid)
	}

	if (c.AuthID == "") != (c.Secret == "") {
		return fmt.Errorf("%w: authid and secret must be set together", ErrInvalid)
	}

	if c.RequestTimeout < 0 || c.HandshakeTimeout < 0 || c.ReconnectInterval < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrInvalid)
	}

	return nil
}

func (c RouterConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalid)
	}

	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: path must start with /", ErrInvalid)
	}

	if strings.TrimSpace(c.Realm) == "" {
		return fmt.Errorf("%w: realm is required", ErrInvalid)
	}

	for authid, secret := range c.Secrets {
		if authid == "" || secret == "" {
			return fmt.Errorf("%w: secrets must have non-empty authid and secret", ErrInvalid)
		}
	}

	return nil
}
