package store

import (
	"time"
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Outbound delivery statuses.
const (
	OutboundPending    = "pending"
	OutboundProcessing = "processing"
	OutboundSent       = "sent"
	OutboundFailed     = "failed"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Job is a single inbound processing unit, keyed by conversation.
type Job struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	MessageID       string     `json:"message_id"`
	Payload         string     `json:"payload,omitempty"`
	AgentID         string     `json:"agent_id,omitempty"`
	ParentJobID     string     `json:"parent_job_id,omitempty"`
	RootJobID       string     `json:"root_job_id,omitempty"`
	IsInternal      bool       `json:"is_internal"`
	DelegationDepth int        `json:"delegation_depth"`
	Status          string     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	ProcessorID     string     `json:"processor_id,omitempty"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	ErrorReason     string     `json:"error_reason,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Result          string     `json:"result,omitempty"`
	ModelUsed       string     `json:"model_used,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OutboundMessage is a per-channel outbound send job.
// Rows are never deleted; sent and failed entries stay for audit.
type OutboundMessage struct {
	ID             string     `json:"id"`
	Channel        string     `json:"channel"`
	AccountID      string     `json:"account_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	Recipient      string     `json:"recipient,omitempty"`
	Payload        string     `json:"payload"`
	Status         string     `json:"status"`
	ProcessorID    string     `json:"processor_id,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ChannelLease is the per-account exclusive connection lease.
// At most one owner may hold a non-expired lease per account.
type ChannelLease struct {
	AccountID   string    `json:"account_id"`
	OwnerID     string    `json:"owner_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// ToolApproval gates a sensitive tool call behind human confirmation.
type ToolApproval struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	JobID          string     `json:"job_id"`
	ToolName       string     `json:"tool_name"`
	ToolInput      string     `json:"tool_input"`
	Status         string     `json:"status"`
	Channel        string     `json:"channel"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	payload TEXT DEFAULT '',
	agent_id TEXT DEFAULT '',
	parent_job_id TEXT DEFAULT '',
	root_job_id TEXT DEFAULT '',
	is_internal BOOLEAN NOT NULL DEFAULT 0,
	delegation_depth INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	processor_id TEXT DEFAULT '',
	locked_until DATETIME,
	started_at DATETIME,
	last_heartbeat_at DATETIME,
	error_reason TEXT DEFAULT '',
	error_message TEXT DEFAULT '',
	result TEXT DEFAULT '',
	model_used TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_conversation ON jobs(conversation_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_root ON jobs(root_job_id);

CREATE TABLE IF NOT EXISTS outbound_messages (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	account_id TEXT DEFAULT '',
	conversation_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	recipient TEXT DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	processor_id TEXT DEFAULT '',
	locked_until DATETIME,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT DEFAULT '',
	next_attempt_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbound_claim ON outbound_messages(channel, account_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_messages(status);

CREATE TABLE IF NOT EXISTS channel_leases (
	account_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	expires_at DATETIME NOT NULL,
	heartbeat_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_approvals (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	tool_input TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	channel TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON tool_approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_conversation ON tool_approvals(conversation_id, status, created_at);

CREATE TABLE IF NOT EXISTS inbound_dedupe (
	channel TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (channel, external_message_id)
);
`
