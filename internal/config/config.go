package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"
)

const (
	DefaultAPIBaseURL = "https://api.adchat.example/v1"
	DefaultStreamURL  = "wss://stream.adchat.example/v1/events"
	DefaultLocale     = "en"

	DefaultChatPageSize    = 20
	DefaultMessagePageSize = 30
)

// Config represents the global ~/.adchat/config.toml.
type Config struct {
	DefaultSession  string `toml:"default_session"`
	APIBaseURL      string `toml:"api_base_url"`
	StreamURL       string `toml:"stream_url"`
	Locale          string `toml:"locale"`
	ChatPageSize    int    `toml:"chat_page_size"`
	MessagePageSize int    `toml:"message_page_size"`
}

// Load reads config from the given path, fills defaults and applies
// environment overrides (ADCHAT_API_URL, ADCHAT_STREAM_URL, ADCHAT_LOCALE).
// A missing file yields the default config, not an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.ChatPageSize <= 0 {
		c.ChatPageSize = DefaultChatPageSize
	}
	if c.MessagePageSize <= 0 {
		c.MessagePageSize = DefaultMessagePageSize
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ADCHAT_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("ADCHAT_STREAM_URL"); v != "" {
		c.StreamURL = v
	}
	if v := os.Getenv("ADCHAT_LOCALE"); v != "" {
		c.Locale = v
	}
}

func (c *Config) validate() error {
	tag, err := language.Parse(c.Locale)
	if err != nil {
		return fmt.Errorf("invalid locale %q: %w", c.Locale, err)
	}
	// Canonical form goes on the wire ("pt-BR", not "pt_br").
	c.Locale = tag.String()
	return nil
}
