// Package model defines core data types shared across the engine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// SyncStatus represents the pull-path sync state of an account.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
)

// Credentials holds the protocol connection parameters of a mailbox.
type Credentials struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"password,omitempty"` // Never expose via JSON
	SSL      bool   `json:"ssl" yaml:"ssl"`
}

// Addr returns the host and port, defaulting the port to 993.
func (c Credentials) Addr() (string, int) {
	port := c.Port
	if port == 0 {
		port = 993
	}
	return c.Host, port
}

// Account identifies one mailbox connection and its sync state.
//
// SyncCursors maps folder name to the highest UID successfully observed for
// that folder; it is monotonically non-decreasing across restarts and
// partial failures.
type Account struct {
	ID                   string            `json:"id" yaml:"id"`
	Email                string            `json:"email" yaml:"email"`
	GrantID              string            `json:"grant_id,omitempty" yaml:"grant_id,omitempty"` // provider correlation id for webhook events
	Credentials          Credentials       `json:"credentials" yaml:"credentials"`
	SyncCursors          map[string]uint32 `json:"sync_cursors,omitempty" yaml:"-"`
	SyncStatus           SyncStatus        `json:"sync_status" yaml:"-"`
	InitialSyncCompleted bool              `json:"initial_sync_completed" yaml:"-"`
	LastError            string            `json:"last_error,omitempty" yaml:"-"`
	LastActivityAt       *time.Time        `json:"last_activity_at,omitempty" yaml:"-"`
	SyncedMessageCount   int64             `json:"synced_message_count" yaml:"-"`
	CreatedAt            time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time         `json:"updated_at" yaml:"-"`
}

// Cursor returns the stored cursor for a folder (0 when never synced).
func (a *Account) Cursor(folder string) uint32 {
	if a.SyncCursors == nil {
		return 0
	}
	return a.SyncCursors[folder]
}

// Address is the uniform {email, name} shape all provider address lists
// are normalized into.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Message is the canonical record of one email.
//
// (AccountID, ProviderMessageID) is unique; re-ingestion from either path
// must not create a duplicate. Folder is always Classify(Labels), never set
// independently.
type Message struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	ThreadID          string     `json:"thread_id,omitempty"`
	Labels            []string   `json:"labels"`
	Folder            string     `json:"folder"`
	From              []Address  `json:"from"`
	To                []Address  `json:"to"`
	Cc                []Address  `json:"cc,omitempty"`
	Bcc               []Address  `json:"bcc,omitempty"`
	Subject           string     `json:"subject"`
	Snippet           string     `json:"snippet,omitempty"`
	BodyText          string     `json:"body_text,omitempty"`
	ReceivedAt        *time.Time `json:"received_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	IsRead            bool       `json:"is_read"`
	IsStarred         bool       `json:"is_starred"`
	IsTrashed         bool       `json:"is_trashed"`
	AttachmentCount   int        `json:"attachment_count"`
	HasAttachments    bool       `json:"has_attachments"`
	Payload           string     `json:"-"` // raw provider payload, kept for audit
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// WebhookEvent is the durable record of one inbound push notification.
// Rows are inserted before processing and never deleted, so a crash between
// acknowledgment and processing leaves a replayable record.
type WebhookEvent struct {
	ID              string    `json:"id"`
	ProviderEventID string    `json:"provider_event_id"`
	Type            string    `json:"type"`
	Payload         string    `json:"payload"`
	Processed       bool      `json:"processed"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Severity classifies an operator alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is the abstract payload handed to the alert transport.
type Alert struct {
	Source    string         `json:"source"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Counters  map[string]int `json:"counters,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MessageChange describes a broadcastable mutation of the message set.
type MessageChange struct {
	Kind              string `json:"kind"` // "created", "updated", "deleted"
	AccountID         string `json:"account_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Folder            string `json:"folder,omitempty"`
}
