// Package config provides configuration types and loading for parley.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Queue, Outbound, Lease, Approvals, Router, Channels, Providers, Maintenance.
type Config struct {
	Paths       PathsConfig       `json:"paths"`
	Queue       QueueConfig       `json:"queue"`
	Outbound    OutboundConfig    `json:"outbound"`
	Lease       LeaseConfig       `json:"lease"`
	Approvals   ApprovalsConfig   `json:"approvals"`
	Router      RouterConfig      `json:"router"`
	Channels    ChannelsConfig    `json:"channels"`
	Providers   ProvidersConfig   `json:"providers"`
	Kafka       KafkaConfig       `json:"kafka"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir  string `json:"dataDir" envconfig:"DATA_DIR"`
	LockPath string `json:"lockPath" envconfig:"LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Queue – job queue lease semantics
// ---------------------------------------------------------------------------

// QueueConfig groups job queue settings.
type QueueConfig struct {
	MaxAttempts       int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	LockDuration      time.Duration `json:"lockDuration" envconfig:"LOCK_DURATION"`
	LegacyStaleWindow time.Duration `json:"legacyStaleWindow" envconfig:"LEGACY_STALE_WINDOW"`
	ClaimBackoff      time.Duration `json:"claimBackoff" envconfig:"CLAIM_BACKOFF"`
	ErrorBackoff      time.Duration `json:"errorBackoff" envconfig:"ERROR_BACKOFF"`
}

// OutboundConfig groups outbound delivery queue settings.
type OutboundConfig struct {
	MaxAttempts       int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	LockDuration      time.Duration `json:"lockDuration" envconfig:"LOCK_DURATION"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" envconfig:"HEARTBEAT_INTERVAL"`
	ClaimBackoff      time.Duration `json:"claimBackoff" envconfig:"CLAIM_BACKOFF"`
}

// LeaseConfig groups channel lease coordinator settings.
type LeaseConfig struct {
	TTL               time.Duration `json:"ttl" envconfig:"TTL"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" envconfig:"HEARTBEAT_INTERVAL"`
	ContentionBackoff time.Duration `json:"contentionBackoff" envconfig:"CONTENTION_BACKOFF"`
}

// ApprovalsConfig groups tool approval settings.
type ApprovalsConfig struct {
	TTL time.Duration `json:"ttl" envconfig:"TTL"`
}

// RouterConfig groups model routing thresholds.
type RouterConfig struct {
	ToolThreshold    int    `json:"toolThreshold" envconfig:"TOOL_THRESHOLD"`
	MessageThreshold int    `json:"messageThreshold" envconfig:"MESSAGE_THRESHOLD"`
	ProviderMode     string `json:"providerMode" envconfig:"PROVIDER_MODE"`
	LiteModel        string `json:"liteModel" envconfig:"LITE_MODEL"`
	StandardModel    string `json:"standardModel" envconfig:"STANDARD_MODEL"`
	PowerModel       string `json:"powerModel" envconfig:"POWER_MODEL"`
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
	Web      WebConfig      `json:"web"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" envconfig:"ENABLED"`
	Token     string   `json:"token" envconfig:"TOKEN"`
	AccountID string   `json:"accountId" envconfig:"ACCOUNT_ID"`
	AllowFrom []string `json:"allowFrom"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled          bool     `json:"enabled" envconfig:"ENABLED"`
	AccountID        string   `json:"accountId" envconfig:"ACCOUNT_ID"`
	AllowFrom        []string `json:"allowFrom"`
	DropUnauthorized bool     `json:"dropUnauthorized" envconfig:"DROP_UNAUTHORIZED"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken  string `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken  string `json:"appToken" envconfig:"APP_TOKEN"`
	AccountID string `json:"accountId" envconfig:"ACCOUNT_ID"`
}

// WebConfig configures the web (HTTP) channel.
type WebConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Listen  string `json:"listen" envconfig:"LISTEN"`
	Token   string `json:"token" envconfig:"TOKEN"`
}

// KafkaConfig configures the optional inbound relay feed.
type KafkaConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers       string `json:"brokers" envconfig:"BROKERS"`
	Topic         string `json:"topic" envconfig:"TOPIC"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai"`
	Anthropic ProviderConfig `json:"anthropic"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// MaintenanceConfig groups periodic sweep settings.
type MaintenanceConfig struct {
	StaleJobSweep       string `json:"staleJobSweep" envconfig:"STALE_JOB_SWEEP"`
	ApprovalExpirySweep string `json:"approvalExpirySweep" envconfig:"APPROVAL_EXPIRY_SWEEP"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxAttempts:       3,
			LockDuration:      60 * time.Second,
			LegacyStaleWindow: 5 * time.Minute,
			ClaimBackoff:      1 * time.Second,
			ErrorBackoff:      2 * time.Second,
		},
		Outbound: OutboundConfig{
			MaxAttempts:       5,
			LockDuration:      120 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			ClaimBackoff:      1 * time.Second,
		},
		Lease: LeaseConfig{
			TTL:               45 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ContentionBackoff: 3 * time.Second,
		},
		Approvals: ApprovalsConfig{
			TTL: 5 * time.Minute,
		},
		Router: RouterConfig{
			ToolThreshold:    5,
			MessageThreshold: 15,
			LiteModel:        "openai/gpt-4.1-mini",
			StandardModel:    "openai/gpt-4.1",
			PowerModel:       "openai/o3",
		},
		Channels: ChannelsConfig{
			Web: WebConfig{Listen: "127.0.0.1:8087"},
		},
		Maintenance: MaintenanceConfig{
			StaleJobSweep:       "* * * * *",
			ApprovalExpirySweep: "*/10 * * * *",
		},
	}
}
