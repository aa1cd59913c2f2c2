package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mailforge/syncd/internal/model"
)

// SaveAccount inserts or replaces an account record. Sync state columns
// (status, cursors, counters) are preserved on conflict; only identity and
// credential fields are overwritten.
func (s *Store) SaveAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = model.NewID()
	}
	if a.SyncStatus == "" {
		a.SyncStatus = model.SyncStatusIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts
			(id, email, grant_id, host, port, username, password, ssl, sync_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			grant_id = excluded.grant_id,
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			ssl = excluded.ssl,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Email, a.GrantID,
		a.Credentials.Host, a.Credentials.Port, a.Credentials.Username,
		a.Credentials.Password, a.Credentials.SSL, a.SyncStatus,
	)
	if err != nil {
		return eris.Wrapf(err, "save account %s", a.Email)
	}
	return nil
}

const accountCols = `id, email, grant_id, host, port, username, password, ssl,
	sync_status, initial_sync_completed, last_error, last_activity_at,
	synced_message_count, created_at, updated_at`

// GetAccount loads one account with its per-folder cursors. Returns nil
// when the account does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return s.scanAccount(ctx, row)
}

// AccountByGrant resolves an account by the provider-supplied correlation
// id carried in webhook events. Returns nil when no account matches.
func (s *Store) AccountByGrant(ctx context.Context, grantID string) (*model.Account, error) {
	if grantID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE grant_id = ?`, grantID)
	return s.scanAccount(ctx, row)
}

// ListAccounts returns all accounts with their cursors.
func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := s.scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if err := s.loadCursors(ctx, a); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (s *Store) scanAccount(ctx context.Context, row *sql.Row) (*model.Account, error) {
	a, err := s.scanAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCursors(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) scanAccountRow(row rowScanner) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.GrantID,
		&a.Credentials.Host, &a.Credentials.Port, &a.Credentials.Username,
		&a.Credentials.Password, &a.Credentials.SSL,
		&a.SyncStatus, &a.InitialSyncCompleted, &a.LastError, &a.LastActivityAt,
		&a.SyncedMessageCount, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) loadCursors(ctx context.Context, a *model.Account) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT folder, cursor FROM sync_cursors WHERE account_id = ?`, a.ID)
	if err != nil {
		return eris.Wrap(err, "load cursors")
	}
	defer rows.Close()

	a.SyncCursors = make(map[string]uint32)
	for rows.Next() {
		var folder string
		var cursor uint32
		if err := rows.Scan(&folder, &cursor); err != nil {
			return err
		}
		a.SyncCursors[folder] = cursor
	}
	return rows.Err()
}

// UpdateFolderCursor persists the running cursor for (account, folder).
// The stored value never decreases: a late or replayed checkpoint with a
// smaller cursor is a no-op.
func (s *Store) UpdateFolderCursor(ctx context.Context, accountID, folder string, cursor uint32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (account_id, folder, cursor)
		 VALUES (?, ?, ?)
		 ON CONFLICT(account_id, folder) DO UPDATE SET
			cursor = MAX(cursor, excluded.cursor),
			updated_at = CURRENT_TIMESTAMP`,
		accountID, folder, cursor,
	)
	if err != nil {
		return eris.Wrapf(err, "update cursor %s/%s", accountID, folder)
	}
	return nil
}

// UpdateAccountStatus sets the coarse health indicator for an account.
// Last-writer-wins is acceptable here; correctness is carried by the
// idempotent message upsert, not by status.
func (s *Store) UpdateAccountStatus(ctx context.Context, accountID string, status model.SyncStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET sync_status = ?, last_error = ?,
			last_activity_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, lastError, time.Now().UTC(), accountID,
	)
	if err != nil {
		return eris.Wrapf(err, "update status %s", accountID)
	}
	return nil
}

// MarkInitialSyncCompleted records that the account finished its first full
// sync.
func (s *Store) MarkInitialSyncCompleted(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET initial_sync_completed = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, accountID)
	return err
}

// AddSyncedCount increments the account's lifetime synced message counter.
func (s *Store) AddSyncedCount(ctx context.Context, accountID string, n int) error {
	if n == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET synced_message_count = synced_message_count + ?,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, n, accountID)
	return err
}
