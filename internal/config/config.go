// Package config loads the bot's settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Channel       string `env:"CHANNEL,required"`
	BotUsername   string `env:"BOT_USERNAME"`
	BotOAuthToken string `env:"BOT_OAUTH_TOKEN"`
	ChatURL       string `env:"CHAT_URL" envDefault:"wss://irc-ws.chat.twitch.tv:443"`

	FlipTimeout time.Duration `env:"FLIP_TIMEOUT" envDefault:"60s"`

	SendBurst     int           `env:"SEND_BURST" envDefault:"20"`
	SendInterval  time.Duration `env:"SEND_INTERVAL" envDefault:"1500ms"`
	SendQueueSize int           `env:"SEND_QUEUE_SIZE" envDefault:"64"`

	Reconnect     bool          `env:"RECONNECT" envDefault:"true"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"5s"`

	OverlayAddr string `env:"OVERLAY_ADDR" envDefault:":8080"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	CommandLimit  int           `env:"COMMAND_LIMIT" envDefault:"3"`
	CommandWindow time.Duration `env:"COMMAND_WINDOW" envDefault:"10s"`

	NATSURL string `env:"NATS_URL"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file found, using environment variables")
	}
	return parse(env.Options{})
}

// FromMap parses settings from vars only, ignoring the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#"))

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Channel == "" {
		return errors.New("config: CHANNEL is required")
	}
	if cfg.BotUsername != "" && cfg.BotOAuthToken == "" {
		return errors.New("config: BOT_OAUTH_TOKEN is required when BOT_USERNAME is set")
	}
	if cfg.BotUsername == "" && cfg.BotOAuthToken != "" {
		return errors.New("config: BOT_USERNAME is required when BOT_OAUTH_TOKEN is set")
	}

	u, err := url.Parse(cfg.ChatURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("config: CHAT_URL must be a ws:// or wss:// URL, got %q", cfg.ChatURL)
	}

	positive := map[string]time.Duration{
		"FLIP_TIMEOUT":   cfg.FlipTimeout,
		"SEND_INTERVAL":  cfg.SendInterval,
		"RECONNECT_WAIT": cfg.ReconnectWait,
		"COMMAND_WINDOW": cfg.CommandWindow,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if cfg.SendBurst < 1 || cfg.SendQueueSize < 1 || cfg.CommandLimit < 1 {
		return errors.New("config: SEND_BURST, SEND_QUEUE_SIZE and COMMAND_LIMIT must be at least 1")
	}
	return nil
}

// Anonymous reports whether the bot connects without credentials.
func (c *Config) Anonymous() bool {
	return c.BotUsername == ""
}
