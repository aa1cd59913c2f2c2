package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mailforge/syncd/internal/model"
)

const messageCols = `id, account_id, provider_message_id, thread_id, labels, folder,
	from_addrs, to_addrs, cc_addrs, bcc_addrs, subject, snippet, body_text,
	received_at, sent_at, is_read, is_starred, is_trashed,
	attachment_count, has_attachments, payload, created_at, updated_at`

// UpsertMessages inserts a batch of canonical messages with one multi-row
// INSERT OR IGNORE keyed on (account_id, provider_message_id). Rows that
// already exist are silently skipped; the returned count is the number
// actually inserted.
//
// If the batch statement itself fails, each row is retried individually so
// one bad row does not lose the whole batch. Per-row failures are logged
// and counted, never fatal.
func (s *Store) UpsertMessages(ctx context.Context, msgs []*model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	placeholders := make([]string, 0, len(msgs))
	args := make([]any, 0, len(msgs)*21)
	for _, m := range msgs {
		placeholders = append(placeholders,
			"(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, messageArgs(m)...)
	}

	query := `INSERT OR IGNORE INTO messages
		(id, account_id, provider_message_id, thread_id, labels, folder,
		 from_addrs, to_addrs, cc_addrs, bcc_addrs, subject, snippet, body_text,
		 received_at, sent_at, is_read, is_starred, is_trashed,
		 attachment_count, has_attachments, payload)
		VALUES ` + strings.Join(placeholders, ", ")

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.WithError(err).Warn("Batch message upsert failed, falling back to per-row")
		return s.upsertMessagesOneByOne(ctx, msgs)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return int(n), nil
}

// UpsertMessage inserts a single message, ignoring duplicates. Returns true
// when a row was actually inserted.
func (s *Store) UpsertMessage(ctx context.Context, m *model.Message) (bool, error) {
	query := `INSERT OR IGNORE INTO messages
		(id, account_id, provider_message_id, thread_id, labels, folder,
		 from_addrs, to_addrs, cc_addrs, bcc_addrs, subject, snippet, body_text,
		 received_at, sent_at, is_read, is_starred, is_trashed,
		 attachment_count, has_attachments, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query, messageArgs(m)...)
	if err != nil {
		return false, eris.Wrapf(err, "upsert message %s", m.ProviderMessageID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) upsertMessagesOneByOne(ctx context.Context, msgs []*model.Message) (int, error) {
	inserted := 0
	for _, m := range msgs {
		ok, err := s.UpsertMessage(ctx, m)
		if err != nil {
			s.logger.WithError(err).
				WithField("provider_message_id", m.ProviderMessageID).
				Warn("Row upsert failed, skipping")
			continue
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func messageArgs(m *model.Message) []any {
	if m.ID == "" {
		m.ID = model.NewID()
	}
	return []any{
		m.ID, m.AccountID, m.ProviderMessageID, m.ThreadID,
		marshalJSON(m.Labels), m.Folder,
		marshalJSON(m.From), marshalJSON(m.To), marshalJSON(m.Cc), marshalJSON(m.Bcc),
		m.Subject, m.Snippet, m.BodyText,
		m.ReceivedAt, m.SentAt,
		m.IsRead, m.IsStarred, m.IsTrashed,
		m.AttachmentCount, m.HasAttachments, m.Payload,
	}
}

// UpdateMessageFlags applies a targeted flag update by provider message id.
// Unknown messages are not an error; callers treat a zero update as "not
// found". Fields the update's source does not know about are left alone.
func (s *Store) UpdateMessageFlags(ctx context.Context, accountID, providerMessageID string, isRead, isStarred bool, labels []string, folder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = ?, is_starred = ?, labels = ?, folder = ?,
			updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND provider_message_id = ?`,
		isRead, isStarred, marshalJSON(labels), folder, accountID, providerMessageID,
	)
	if err != nil {
		return false, eris.Wrap(err, "update message flags")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateMessageFolder corrects only the derived canonical folder. Used by
// the reconciliation monitor.
func (s *Store) UpdateMessageFolder(ctx context.Context, accountID, providerMessageID, folder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET folder = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND provider_message_id = ?`,
		folder, accountID, providerMessageID,
	)
	if err != nil {
		return false, eris.Wrap(err, "update message folder")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkMessageTrashed soft-deletes a message; the row is never physically
// removed on provider delete notifications.
func (s *Store) MarkMessageTrashed(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_trashed = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND provider_message_id = ?`,
		accountID, providerMessageID,
	)
	if err != nil {
		return false, eris.Wrap(err, "mark message trashed")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetMessage loads one message by provider message id.
func (s *Store) GetMessage(ctx context.Context, accountID, providerMessageID string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE account_id = ? AND provider_message_id = ?`,
		accountID, providerMessageID,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "get message")
	}
	return m, nil
}

// RecentMessages returns messages modified within the trailing window,
// newest first, capped at limit rows to bound sweep cost.
func (s *Store) RecentMessages(ctx context.Context, window time.Duration, limit int) ([]*model.Message, error) {
	since := time.Now().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE updated_at >= ? ORDER BY updated_at DESC LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "query recent messages")
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			s.logger.WithError(err).Warn("Skipping unreadable message row")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages for an account.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID,
	).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var labels, from, to, cc, bcc string
	err := row.Scan(
		&m.ID, &m.AccountID, &m.ProviderMessageID, &m.ThreadID, &labels, &m.Folder,
		&from, &to, &cc, &bcc, &m.Subject, &m.Snippet, &m.BodyText,
		&m.ReceivedAt, &m.SentAt, &m.IsRead, &m.IsStarred, &m.IsTrashed,
		&m.AttachmentCount, &m.HasAttachments, &m.Payload,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(labels, &m.Labels)
	unmarshalJSON(from, &m.From)
	unmarshalJSON(to, &m.To)
	unmarshalJSON(cc, &m.Cc)
	unmarshalJSON(bcc, &m.Bcc)
	return &m, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalJSON(s string, v any) {
	if s == "" {
		return
	}
	json.Unmarshal([]byte(s), v) //nolint:errcheck
}
