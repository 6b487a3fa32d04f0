// Package config loads the yaml configuration shared by the chat client and
// the collection service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/codec"
	"github.com/mahaj/critica-chat/pkg/model"
)

// DefaultEncryptionKey is the passphrase the browser client ships with.
const DefaultEncryptionKey = "europa-critica-secure-chat-key"

type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Service ServiceConfig `yaml:"service"`
}

// ClientConfig configures the chat client.
type ClientConfig struct {
	APIURL           string        `yaml:"api_url"`
	WSURL            string        `yaml:"ws_url"`
	EncryptionKey    string        `yaml:"encryption_key"`
	Scheme           codec.Scheme  `yaml:"scheme"`
	Placeholder      string        `yaml:"placeholder"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DefaultTopic     string        `yaml:"default_topic"`
	WelcomeSender    string        `yaml:"welcome_sender"`
	WelcomeText      string        `yaml:"welcome_text"`
	Node             int64         `yaml:"node"`
}

// ServiceConfig configures the collection service.
type ServiceConfig struct {
	APIAddr     string         `yaml:"api_addr"`
	GatewayAddr string         `yaml:"gateway_addr"`
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenTTL    time.Duration  `yaml:"token_ttl"`
	Users       []auth.Account `yaml:"users"`
	Store       string         `yaml:"store"`
	ScyllaHosts []string       `yaml:"scylla_hosts"`
	Keyspace    string         `yaml:"keyspace"`
	Presence    string         `yaml:"presence"`
	RedisAddr   string         `yaml:"redis_addr"`
	Broker      string         `yaml:"broker"`
	KafkaBroker []string       `yaml:"kafka_brokers"`
	KafkaTopic  string         `yaml:"kafka_topic"`
}

const (
	BackendMemory = "memory"
	BackendScylla = "scylla"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
)

// DefaultConfig mirrors the local development deployment.
func DefaultConfig() Config {
	return Config{
		Client: ClientConfig{
			APIURL:           "http://localhost:8080/api",
			WSURL:            "ws://localhost:8081/ws",
			EncryptionKey:    DefaultEncryptionKey,
			Scheme:           codec.SchemeOpenSSL,
			Placeholder:      codec.DefaultPlaceholder,
			HTTPTimeout:      15 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			DefaultTopic:     model.DefaultTopic,
			WelcomeSender:    "Sistema",
			WelcomeText:      "Bienvenidos al chat de Europa Crítica",
			Node:             1,
		},
		Service: ServiceConfig{
			APIAddr:     ":8080",
			GatewayAddr: ":8081",
			JWTSecret:   "my_secret_key",
			TokenTTL:    24 * time.Hour,
			Users: []auth.Account{
				{Username: "admin", Password: "admin123", Roles: "admin"},
			},
			Store:       BackendMemory,
			ScyllaHosts: []string{"localhost:9042"},
			Keyspace:    "chat",
			Presence:    BackendMemory,
			RedisAddr:   "localhost:6379",
			Broker:      BackendMemory,
			KafkaBroker: []string{"localhost:19092"},
			KafkaTopic:  "collection-events",
		},
	}
}

// Load reads configuration from path. A missing or empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	setDefault(&c.Client.APIURL, d.Client.APIURL)
	setDefault(&c.Client.WSURL, d.Client.WSURL)
	setDefault(&c.Client.EncryptionKey, d.Client.EncryptionKey)
	setDefault(&c.Client.Scheme, d.Client.Scheme)
	setDefault(&c.Client.Placeholder, d.Client.Placeholder)
	setDefault(&c.Client.HTTPTimeout, d.Client.HTTPTimeout)
	setDefault(&c.Client.HandshakeTimeout, d.Client.HandshakeTimeout)
	setDefault(&c.Client.DefaultTopic, d.Client.DefaultTopic)
	setDefault(&c.Client.WelcomeSender, d.Client.WelcomeSender)
	setDefault(&c.Client.WelcomeText, d.Client.WelcomeText)

	setDefault(&c.Service.APIAddr, d.Service.APIAddr)
	setDefault(&c.Service.GatewayAddr, d.Service.GatewayAddr)
	setDefault(&c.Service.JWTSecret, d.Service.JWTSecret)
	setDefault(&c.Service.TokenTTL, d.Service.TokenTTL)
	setDefault(&c.Service.Store, d.Service.Store)
	setDefault(&c.Service.Keyspace, d.Service.Keyspace)
	setDefault(&c.Service.Presence, d.Service.Presence)
	setDefault(&c.Service.RedisAddr, d.Service.RedisAddr)
	setDefault(&c.Service.Broker, d.Service.Broker)
	setDefault(&c.Service.KafkaTopic, d.Service.KafkaTopic)

	if len(c.Service.Users) == 0 {
		c.Service.Users = d.Service.Users
	}
	if len(c.Service.ScyllaHosts) == 0 {
		c.Service.ScyllaHosts = d.Service.ScyllaHosts
	}
	if len(c.Service.KafkaBroker) == 0 {
		c.Service.KafkaBroker = d.Service.KafkaBroker
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	for name, raw := range map[string]string{"client.api_url": c.Client.APIURL, "client.ws_url": c.Client.WSURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %q is not an absolute url", name, raw))
		}
	}
	if u, err := url.Parse(c.Client.WSURL); err == nil && u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("client.ws_url: scheme must be ws or wss, got %q", u.Scheme))
	}
	if c.Client.Scheme != codec.SchemeOpenSSL && c.Client.Scheme != codec.SchemeGCM {
		errs = append(errs, fmt.Errorf("client.scheme: unknown scheme %q", c.Client.Scheme))
	}
	if !model.IsChatTopic(c.Client.DefaultTopic) {
		errs = append(errs, fmt.Errorf("client.default_topic: %q must start with %q", c.Client.DefaultTopic, model.ChatPrefix))
	}
	if c.Client.Node < 0 || c.Client.Node > 1023 {
		errs = append(errs, fmt.Errorf("client.node: %d out of range 0-1023", c.Client.Node))
	}

	oneOf := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q must be one of %s", name, value, strings.Join(allowed, ", ")))
	}
	oneOf("service.store", c.Service.Store, BackendMemory, BackendScylla)
	oneOf("service.presence", c.Service.Presence, BackendMemory, BackendRedis)
	oneOf("service.broker", c.Service.Broker, BackendMemory, BackendKafka)

	return errors.Join(errs...)
}
