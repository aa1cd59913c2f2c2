package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/mailforge/syncd/internal/model"
)

// InsertEvent durably records an inbound webhook event before it is
// processed. Redelivery of the same provider event id is ignored (the
// provider retries on its own schedule); in that case the original row is
// returned with inserted=false.
func (s *Store) InsertEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = model.NewID()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_events (id, provider_event_id, type, payload)
		 VALUES (?, ?, ?, ?)`,
		ev.ID, ev.ProviderEventID, ev.Type, ev.Payload,
	)
	if err != nil {
		return false, eris.Wrap(err, "insert webhook event")
	}
	n, _ := res.RowsAffected()
	if n == 0 && ev.ProviderEventID != "" {
		// Redelivery: reuse the stored row's id so a second processing
		// attempt marks the original record.
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM webhook_events WHERE provider_event_id = ?`,
			ev.ProviderEventID,
		).Scan(&id)
		if err == nil {
			ev.ID = id
		}
	}
	return n > 0, nil
}

// GetEvent loads one webhook event by id. Returns nil when absent.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider_event_id, type, payload, processed, received_at
		 FROM webhook_events WHERE id = ?`, id)

	var ev model.WebhookEvent
	err := row.Scan(&ev.ID, &ev.ProviderEventID, &ev.Type, &ev.Payload,
		&ev.Processed, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "get webhook event")
	}
	return &ev, nil
}

// MarkEventProcessed flags an event as handled. Rows are never deleted;
// the table is the audit trail and the replay source.
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "mark event processed %s", id)
	}
	return nil
}

// UnprocessedEvents returns queued events that were never successfully
// handled, oldest first, for the out-of-band replay sweep. limit <= 0
// means no limit.
func (s *Store) UnprocessedEvents(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider_event_id, type, payload, processed, received_at
		 FROM webhook_events WHERE processed = 0
		 ORDER BY received_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "query unprocessed events")
	}
	defer rows.Close()

	var events []*model.WebhookEvent
	for rows.Next() {
		var ev model.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.ProviderEventID, &ev.Type, &ev.Payload,
			&ev.Processed, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
