// Package config loads wallet settings from flags, WALLET_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

const (
	KeyTrustAnchors    = "trust-anchors"
	KeyCheckRevocation = "check-revocation"
	KeyProfile         = "profile"
	KeyCustodyURL      = "custody-url"
	KeyListen          = "listen"
	KeyAttesterKey     = "attester-key"
	KeyAttesterCert    = "attester-cert"
	KeyLogLevel        = "log-level"

	defaultConfigName = "wallet"
)

type Config struct {
	TrustAnchorDir  string `mapstructure:"trust-anchors"`
	CheckRevocation bool   `mapstructure:"check-revocation"`
	Profile         string `mapstructure:"profile"`
	CustodyURL      string `mapstructure:"custody-url"`
	ListenAddress   string `mapstructure:"listen"`
	AttesterKey     string `mapstructure:"attester-key"`
	AttesterCert    string `mapstructure:"attester-cert"`
	LogLevel        string `mapstructure:"log-level"`
}

// RegisterFlags adds the settings shared by every command to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyTrustAnchors, "", "directory of PEM trust anchors")
	fs.Bool(KeyCheckRevocation, false, "check certificate revocation (default depends on --profile)")
	fs.String(KeyProfile, "production", "build profile: dev, test or production")
	fs.String(KeyCustodyURL, "", "base URL of the key custody service")
	fs.String(KeyListen, ":8080", "listen address of the custody service")
	fs.String(KeyAttesterKey, "", "PEM private key of the key attester")
	fs.String(KeyAttesterCert, "", "PEM certificate chain of the key attester")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn or error")
}

// Load reads file when given. Otherwise wallet.yaml is looked up in the
// working directory and /etc/mdoc-wallet/, and its absence is not an error.
func Load(file string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mdoc-wallet/")
		v.SetConfigName(defaultConfigName)
	}

	v.SetEnvPrefix("WALLET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if !v.IsSet(KeyCheckRevocation) {
		cfg.CheckRevocation = pki.DefaultCheckRevocation(cfg.Profile)
	}
	return cfg, nil
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Logger writes text records at the configured level to stderr.
func (c *Config) Logger() (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// TrustAnchors loads every PEM certificate under TrustAnchorDir.
func (c *Config) TrustAnchors() ([]*x509.Certificate, error) {
	store, err := c.AnchorStore()
	if err != nil {
		return nil, err
	}
	anchors := store.Anchors()
	if len(anchors) == 0 {
		return nil, fmt.Errorf("no trust anchor found in %s", c.TrustAnchorDir)
	}
	return anchors, nil
}

// AnchorStore opens the trust anchor directory for reading and editing.
func (c *Config) AnchorStore() (*pki.AnchorStore, error) {
	if c.TrustAnchorDir == "" {
		return nil, errors.New("no trust anchor directory configured")
	}
	store, err := pki.NewAnchorStore(c.TrustAnchorDir, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}
	return store, nil
}

// Attester loads the configured attester. Without a key and certificate a
// throwaway development attester is created, which only dev and test
// profiles may use.
func (c *Config) Attester() (*cryptoprovider.Attester, []*x509.Certificate, error) {
	if c.AttesterKey == "" && c.AttesterCert == "" {
		if pki.DefaultCheckRevocation(c.Profile) {
			return nil, nil, fmt.Errorf("profile %s requires --%s and --%s", c.Profile, KeyAttesterKey, KeyAttesterCert)
		}
		attester, root, err := cryptoprovider.NewDevelopmentAttester()
		if err != nil {
			return nil, nil, err
		}
		return attester, []*x509.Certificate{root}, nil
	}
	key, err := pki.LoadPrivateKey(c.AttesterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load attester key: %w", err)
	}
	chain, err := pki.LoadCertificates(c.AttesterCert)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load attester certificate: %w", err)
	}
	return cryptoprovider.NewAttester(key, chain), chain[len(chain)-1:], nil
}
