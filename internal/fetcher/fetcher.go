// Package fetcher drives cursor-bounded incremental batch sync of one
// account over a stateful protocol connection.
package fetcher

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/imapconn"
	"github.com/mailforge/syncd/internal/model"
	"github.com/mailforge/syncd/internal/normalize"
)

// Connection is the narrow protocol surface the fetcher drives. Satisfied
// by *imapconn.Conn; tests substitute a fake.
type Connection interface {
	ListFolders() ([]string, error)
	FetchSince(folder string, cursor uint32, limit int) ([]imapconn.RawMessage, error)
	Stale(p imapconn.Policy) bool
	Close()
}

// Dialer opens a fresh connection for the given credentials.
type Dialer func(creds model.Credentials) (Connection, error)

// Store is the persistence surface the fetcher writes through.
type Store interface {
	UpsertMessages(ctx context.Context, msgs []*model.Message) (int, error)
	UpdateFolderCursor(ctx context.Context, accountID, folder string, cursor uint32) error
	UpdateAccountStatus(ctx context.Context, accountID string, status model.SyncStatus, lastError string) error
	MarkInitialSyncCompleted(ctx context.Context, accountID string) error
	AddSyncedCount(ctx context.Context, accountID string, n int) error
}

// Config bounds the sync loop. The two-level batching (small pages,
// periodic cursor checkpoint, capped batches per call) keeps memory flat,
// preserves progress on crash, and hands control back to the caller on
// very large mailboxes; the persisted cursor picks up the remainder on
// the next invocation.
type Config struct {
	BatchSize       int // messages per fetch (50)
	MaxBatches      int // batches per folder per invocation (100)
	CheckpointEvery int // persist the cursor every N batches (5)
	Policy          imapconn.Policy
}

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		MaxBatches:      100,
		CheckpointEvery: 5,
		Policy:          imapconn.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = d.MaxBatches
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.Policy.MaxAge == 0 && c.Policy.MaxBatches == 0 {
		c.Policy = d.Policy
	}
	return c
}

// FolderResult reports one folder's sync outcome. Err is a report, not a
// thrown failure: a folder abort never takes down the account loop.
type FolderResult struct {
	Folder      string
	ItemsSynced int
	Inserted    int
	Skipped     int
	NewCursor   uint32
	Err         error
}

// SyncResult aggregates one account invocation.
type SyncResult struct {
	AccountID   string
	Folders     []FolderResult
	ItemsSynced int
	Inserted    int
	Skipped     int
}

// Fetcher syncs accounts through a Dialer and a Store.
type Fetcher struct {
	store  Store
	dial   Dialer
	cfg    Config
	logger *logrus.Logger
}

// New creates a fetcher. Zero-valued config fields get defaults.
func New(store Store, dial Dialer, cfg Config, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fetcher{store: store, dial: dial, cfg: cfg.withDefaults(), logger: logger}
}

// SyncAccount opens one connection and incrementally syncs every folder of
// the account. Folder-level failures are recorded in the result; only a
// failure to open the initial connection fails the whole account.
func (f *Fetcher) SyncAccount(ctx context.Context, acct *model.Account) (*SyncResult, error) {
	result := &SyncResult{AccountID: acct.ID}

	if err := f.store.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusSyncing, ""); err != nil {
		return result, err
	}

	conn, err := f.dial(acct.Credentials)
	if err != nil {
		f.store.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusError, err.Error()) //nolint:errcheck
		return result, err
	}
	defer func() { conn.Close() }()

	folders, err := conn.ListFolders()
	if err != nil {
		f.store.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusError, err.Error()) //nolint:errcheck
		return result, err
	}

	var lastErr error
	for _, folder := range folders {
		select {
		case <-ctx.Done():
			f.store.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusIdle, "sync cancelled") //nolint:errcheck
			return result, ctx.Err()
		default:
		}

		fr := f.SyncFolder(ctx, &conn, acct, folder, acct.Cursor(folder))
		result.Folders = append(result.Folders, fr)
		result.ItemsSynced += fr.ItemsSynced
		result.Inserted += fr.Inserted
		result.Skipped += fr.Skipped
		if fr.Err != nil {
			lastErr = fr.Err
			f.logger.WithError(fr.Err).WithFields(logrus.Fields{
				"account": acct.Email,
				"folder":  folder,
			}).Warn("Folder sync aborted")
		}
	}

	if err := f.store.AddSyncedCount(ctx, acct.ID, result.Inserted); err != nil {
		f.logger.WithError(err).Warn("Failed to update synced count")
	}

	if lastErr != nil {
		f.store.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusError, lastErr.Error()) //nolint:errcheck
	} else {
		f.store.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusCompleted, "") //nolint:errcheck
		if !acct.InitialSyncCompleted {
			if err := f.store.MarkInitialSyncCompleted(ctx, acct.ID); err != nil {
				f.logger.WithError(err).Warn("Failed to mark initial sync")
			}
		}
	}

	f.logger.WithFields(logrus.Fields{
		"account":  acct.Email,
		"synced":   result.ItemsSynced,
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
	}).Info("Account sync finished")

	return result, nil
}

// SyncFolder runs the bounded batch loop for one folder starting at
// cursorStart (0 for a full sync). The returned cursor is the maximum
// sequence number observed, including items that failed normalization: a
// poison message must not block cursor advancement.
func (f *Fetcher) SyncFolder(ctx context.Context, conn *Connection, acct *model.Account, folder string, cursorStart uint32) (result FolderResult) {
	result = FolderResult{Folder: folder, NewCursor: cursorStart}
	maxSeen := cursorStart
	lastCheckpoint := cursorStart

	defer func() {
		result.NewCursor = maxSeen
		if maxSeen > lastCheckpoint {
			if err := f.store.UpdateFolderCursor(ctx, acct.ID, folder, maxSeen); err != nil {
				f.logger.WithError(err).WithField("folder", folder).
					Warn("Final cursor checkpoint failed")
			}
		}
	}()

	for batchNum := 1; batchNum <= f.cfg.MaxBatches; batchNum++ {
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		default:
		}

		if (*conn).Stale(f.cfg.Policy) {
			if err := f.renew(conn, acct.Credentials); err != nil {
				result.Err = err
				return result
			}
		}

		batch, err := f.fetchWithRetry(conn, acct.Credentials, folder, maxSeen)
		if err != nil {
			result.Err = err
			return result
		}
		if len(batch) == 0 {
			return result
		}

		msgs := make([]*model.Message, 0, len(batch))
		for _, raw := range batch {
			if raw.UID > maxSeen {
				maxSeen = raw.UID
			}
			m, err := normalize.FromIMAP(raw, acct.ID, folder, f.logger)
			if err != nil {
				result.Skipped++
				if !errors.Is(err, normalize.ErrSkip) {
					f.logger.WithError(err).WithField("uid", raw.UID).
						Warn("Normalization failed, skipping")
				}
				continue
			}
			msgs = append(msgs, m)
		}

		inserted, err := f.store.UpsertMessages(ctx, msgs)
		if err != nil {
			// The store already fell back to per-row persistence; an error
			// here means the batch as a whole could not be written. Count
			// it, keep the cursor advance, and move on.
			f.logger.WithError(err).WithField("folder", folder).
				Warn("Batch persist failed")
		}
		result.ItemsSynced += len(msgs)
		result.Inserted += inserted

		if batchNum%f.cfg.CheckpointEvery == 0 && maxSeen > lastCheckpoint {
			if err := f.store.UpdateFolderCursor(ctx, acct.ID, folder, maxSeen); err != nil {
				f.logger.WithError(err).WithField("folder", folder).
					Warn("Cursor checkpoint failed")
			} else {
				lastCheckpoint = maxSeen
			}
		}

		if len(batch) < f.cfg.BatchSize {
			// Short batch: folder exhausted.
			return result
		}
	}

	f.logger.WithFields(logrus.Fields{
		"folder":  folder,
		"batches": f.cfg.MaxBatches,
	}).Info("Batch cap reached, yielding; remainder resumes from the persisted cursor")
	return result
}

// fetchWithRetry performs one fetch, allowing exactly one reopen-and-retry
// on failure. A second failure is returned and aborts the current folder.
func (f *Fetcher) fetchWithRetry(conn *Connection, creds model.Credentials, folder string, cursor uint32) ([]imapconn.RawMessage, error) {
	batch, err := (*conn).FetchSince(folder, cursor, f.cfg.BatchSize)
	if err == nil {
		return batch, nil
	}

	f.logger.WithError(err).WithField("folder", folder).
		Warn("Fetch failed, reopening connection once")
	if rerr := f.renew(conn, creds); rerr != nil {
		return nil, rerr
	}
	return (*conn).FetchSince(folder, cursor, f.cfg.BatchSize)
}

func (f *Fetcher) renew(conn *Connection, creds model.Credentials) error {
	(*conn).Close()
	fresh, err := f.dial(creds)
	if err != nil {
		return err
	}
	*conn = fresh
	return nil
}
