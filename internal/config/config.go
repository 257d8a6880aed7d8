package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.vox/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Account  Account  `toml:"account"`
	Backend  Backend  `toml:"backend"`
	Mail     Mail     `toml:"mail"`
	SMS      SMS      `toml:"sms"`
	Intent   Intent   `toml:"intent"`
	Delivery Delivery `toml:"delivery"`
	Sync     Sync     `toml:"sync"`
}

// Account identifies the local account and device.
type Account struct {
	Email    string `toml:"email"`
	DeviceID string `toml:"device_id"`
}

// Backend configures the vox backend API.
type Backend struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Mail configures the mail-API delivery channel.
type Mail struct {
	BaseURL string `toml:"base_url"`
	// Account is the provider account used for draft/send calls. Empty
	// means not yet selected; Candidates lists configured alternatives.
	Account    string   `toml:"account"`
	Candidates []string `toml:"candidates"`
	// EmbedAudio attaches the recording binary to the draft instead of
	// embedding only the short link plus transcription.
	EmbedAudio bool `toml:"embed_audio"`
}

// SMS configures the SMS gateway channel.
type SMS struct {
	GatewayURL        string `toml:"gateway_url"`
	AckTimeoutSeconds int    `toml:"ack_timeout_seconds"`
}

// Intent configures the native-mail-intent channel.
type Intent struct {
	// ComposeCommand is executed with the handoff file as its argument.
	// Empty means the file is only written.
	ComposeCommand string `toml:"compose_command"`
}

// Delivery configures the outbound queue.
type Delivery struct {
	MaxAttempts        int `toml:"max_attempts"`
	RetryDelaySeconds  int `toml:"retry_delay_seconds"`
	PollIntervalMillis int `toml:"poll_interval_millis"`
}

// Sync configures the synchronization engine.
type Sync struct {
	IntervalSeconds int `toml:"interval_seconds"`
	PageDelayMillis int `toml:"page_delay_millis"`
	LookbackDays    int `toml:"lookback_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:  Backend{TimeoutSeconds: 30},
		SMS:      SMS{AckTimeoutSeconds: 30},
		Delivery: Delivery{MaxAttempts: 5, RetryDelaySeconds: 60, PollIntervalMillis: 500},
		Sync:     Sync{IntervalSeconds: 300, PageDelayMillis: 500, LookbackDays: 15},
	}
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when absent.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
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

// RetryDelay returns the delay before a retry-later attempt is due.
func (d Delivery) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

// PollInterval returns the queue drain poll interval.
func (d Delivery) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMillis) * time.Millisecond
}

// AckTimeout returns the bounded wait for the gateway delivery report.
func (s SMS) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutSeconds) * time.Second
}

// Interval returns the periodic sync trigger interval.
func (s Sync) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// PageDelay returns the inter-page throttle delay.
func (s Sync) PageDelay() time.Duration {
	return time.Duration(s.PageDelayMillis) * time.Millisecond
}

// Lookback returns the first-sync watermark window.
func (s Sync) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}
