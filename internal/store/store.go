// Package store provides idempotent SQLite persistence for accounts,
// canonical messages, and webhook events.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id                     TEXT PRIMARY KEY,
	email                  TEXT NOT NULL,
	grant_id               TEXT NOT NULL DEFAULT '',
	host                   TEXT NOT NULL DEFAULT '',
	port                   INTEGER NOT NULL DEFAULT 0,
	username               TEXT NOT NULL DEFAULT '',
	password               TEXT NOT NULL DEFAULT '',
	ssl                    INTEGER NOT NULL DEFAULT 1,
	sync_status            TEXT NOT NULL DEFAULT 'idle',
	initial_sync_completed INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT NOT NULL DEFAULT '',
	last_activity_at       DATETIME,
	synced_message_count   INTEGER NOT NULL DEFAULT 0,
	created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_grant
	ON accounts(grant_id) WHERE grant_id != '';

CREATE TABLE IF NOT EXISTS sync_cursors (
	account_id TEXT NOT NULL,
	folder     TEXT NOT NULL,
	cursor     INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, folder)
);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	thread_id           TEXT NOT NULL DEFAULT '',
	labels              TEXT NOT NULL DEFAULT '[]',
	folder              TEXT NOT NULL DEFAULT 'inbox',
	from_addrs          TEXT NOT NULL DEFAULT '[]',
	to_addrs            TEXT NOT NULL DEFAULT '[]',
	cc_addrs            TEXT NOT NULL DEFAULT '[]',
	bcc_addrs           TEXT NOT NULL DEFAULT '[]',
	subject             TEXT NOT NULL DEFAULT '',
	snippet             TEXT NOT NULL DEFAULT '',
	body_text           TEXT NOT NULL DEFAULT '',
	received_at         DATETIME,
	sent_at             DATETIME,
	is_read             INTEGER NOT NULL DEFAULT 0,
	is_starred          INTEGER NOT NULL DEFAULT 0,
	is_trashed          INTEGER NOT NULL DEFAULT 0,
	attachment_count    INTEGER NOT NULL DEFAULT 0,
	has_attachments     INTEGER NOT NULL DEFAULT 0,
	payload             TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (account_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_updated ON messages(updated_at);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(account_id, folder);

CREATE TABLE IF NOT EXISTS webhook_events (
	id                TEXT PRIMARY KEY,
	provider_event_id TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	payload           TEXT NOT NULL,
	processed         INTEGER NOT NULL DEFAULT 0,
	received_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_provider
	ON webhook_events(provider_event_id) WHERE provider_event_id != '';
CREATE INDEX IF NOT EXISTS idx_events_processed ON webhook_events(processed);
`

// Store wraps the engine database.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens or creates the engine database at path.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "create db directory")
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, eris.Wrap(err, "open db")
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "init schema")
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
