package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/broadcast"
	"github.com/mailforge/syncd/internal/classify"
	"github.com/mailforge/syncd/internal/model"
	"github.com/mailforge/syncd/internal/normalize"
)

// Store is the persistence surface the processor drives. Satisfied by
// *store.Store; tests substitute slow or failing implementations.
type Store interface {
	GetEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
	UnprocessedEvents(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
	AccountByGrant(ctx context.Context, grantID string) (*model.Account, error)
	UpsertMessage(ctx context.Context, m *model.Message) (bool, error)
	UpdateMessageFlags(ctx context.Context, accountID, providerMessageID string, isRead, isStarred bool, labels []string, folder string) (bool, error)
	MarkMessageTrashed(ctx context.Context, accountID, providerMessageID string) (bool, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status model.SyncStatus, lastError string) error
}

const (
	defaultWorkers      = 4
	defaultEventTimeout = 15 * time.Second
	defaultQueueDepth   = 256
)

// Processor drains persisted webhook events through a bounded worker
// pool. Events that fail stay unprocessed in the store and can be
// replayed later.
type Processor struct {
	store     Store
	broadcast broadcast.Broadcaster
	logger    *logrus.Logger

	workers int
	timeout time.Duration

	queue chan string
	wg    sync.WaitGroup
}

// ProcessorOptions tunes the pool. Zero values take defaults.
type ProcessorOptions struct {
	Workers      int
	EventTimeout time.Duration
	QueueDepth   int
}

// NewProcessor creates a processor over st. bc may be nil.
func NewProcessor(st Store, bc broadcast.Broadcaster, logger *logrus.Logger, opts ProcessorOptions) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = defaultEventTimeout
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if bc == nil {
		bc = broadcast.Discard{}
	}
	return &Processor{
		store:     st,
		broadcast: bc,
		logger:    logger,
		workers:   opts.Workers,
		timeout:   opts.EventTimeout,
		queue:     make(chan string, opts.QueueDepth),
	}
}

// Start launches the worker pool. Workers exit when Stop is called or
// ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-p.queue:
					if !ok {
						return
					}
					p.handle(ctx, id)
				}
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight events to finish.
func (p *Processor) Stop() {
	close(p.queue)
	p.wg.Wait()
}

// Submit queues an event id for processing without blocking. Returns
// false when the queue is full; the event stays in the store and will
// be picked up by a replay.
func (p *Processor) Submit(eventID string) bool {
	select {
	case p.queue <- eventID:
		return true
	default:
		p.logger.WithField("event_id", eventID).Warn("Processor queue full, leaving event for replay")
		return false
	}
}

func (p *Processor) handle(ctx context.Context, eventID string) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		p.logger.WithError(err).WithField("event_id", eventID).Error("Failed to load webhook event")
		return
	}
	if ev == nil || ev.Processed {
		return
	}
	if err := p.Process(ctx, ev); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event_id": ev.ID,
			"type":     ev.Type,
		}).Error("Failed to process webhook event")
	}
}

// Process applies a single event under the per-event timeout. On
// success the event is marked processed; on failure or timeout it stays
// unprocessed for replay.
func (p *Processor) Process(ctx context.Context, ev *model.WebhookEvent) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.dispatch(cctx, ev)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-cctx.Done():
		// The dispatch goroutine is abandoned; it observes cctx and
		// unwinds on its own.
		return eris.Wrapf(cctx.Err(), "event %s (%s) timed out", ev.ID, ev.Type)
	}

	if err := p.store.MarkEventProcessed(ctx, ev.ID); err != nil {
		return eris.Wrapf(err, "failed to mark event %s processed", ev.ID)
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, ev *model.WebhookEvent) error {
	var env eventEnvelope
	if err := json.Unmarshal([]byte(ev.Payload), &env); err != nil {
		return eris.Wrapf(err, "failed to decode payload of event %s", ev.ID)
	}

	switch {
	case strings.HasPrefix(ev.Type, "message."):
		return p.handleMessage(ctx, ev, env.Data.Object)
	case strings.HasPrefix(ev.Type, "folder."):
		// Folder taxonomy is derived from message labels, so folder
		// lifecycle events carry no state we track.
		p.logger.WithField("type", ev.Type).Debug("Folder event acknowledged")
		return nil
	case strings.HasPrefix(ev.Type, "grant."):
		return p.handleGrant(ctx, ev, env.Data.Object)
	default:
		p.logger.WithField("type", ev.Type).Info("Ignoring unknown webhook event type")
		return nil
	}
}

func (p *Processor) handleMessage(ctx context.Context, ev *model.WebhookEvent, object json.RawMessage) error {
	var pm normalize.ProviderMessage
	if err := json.Unmarshal(object, &pm); err != nil {
		return eris.Wrapf(err, "failed to decode message object of event %s", ev.ID)
	}

	account, err := p.store.AccountByGrant(ctx, pm.GrantID)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve grant %s", pm.GrantID)
	}
	if account == nil {
		// No account claimed this grant. There is nothing to retry, so
		// the event is dropped rather than left for replay.
		p.logger.WithFields(logrus.Fields{
			"grant_id": pm.GrantID,
			"type":     ev.Type,
		}).Warn("Dropping event for unknown grant")
		return nil
	}

	switch ev.Type {
	case "message.created":
		return p.applyCreated(ctx, account, pm, object)
	case "message.updated":
		return p.applyUpdated(ctx, account, pm, object)
	case "message.deleted":
		return p.applyDeleted(ctx, account, pm)
	default:
		p.logger.WithField("type", ev.Type).Info("Ignoring unknown message event type")
		return nil
	}
}

func (p *Processor) applyCreated(ctx context.Context, account *model.Account, pm normalize.ProviderMessage, object json.RawMessage) error {
	m, err := normalize.FromProvider(pm, account.ID, object)
	if err != nil {
		if eris.Is(err, normalize.ErrSkip) {
			p.logger.WithField("account_id", account.ID).Warn("Skipping unidentifiable message object")
			return nil
		}
		return err
	}

	inserted, err := p.store.UpsertMessage(ctx, m)
	if err != nil {
		return eris.Wrapf(err, "failed to store message %s", m.ProviderMessageID)
	}
	if !inserted {
		// Already ingested via pull sync or an earlier delivery.
		return nil
	}
	p.broadcast.Broadcast(model.MessageChange{
		Kind:              "created",
		AccountID:         account.ID,
		ProviderMessageID: m.ProviderMessageID,
		Folder:            m.Folder,
	})
	return nil
}

func (p *Processor) applyUpdated(ctx context.Context, account *model.Account, pm normalize.ProviderMessage, object json.RawMessage) error {
	folder := classify.Classify(pm.Folders)
	updated, err := p.store.UpdateMessageFlags(ctx, account.ID, pm.ID, !pm.Unread, pm.Starred, pm.Folders, folder)
	if err != nil {
		return eris.Wrapf(err, "failed to update message %s", pm.ID)
	}
	if !updated {
		// The update raced ahead of the create. Fall back to a full
		// upsert so ingestion converges regardless of arrival order.
		m, err := normalize.FromProvider(pm, account.ID, object)
		if err != nil {
			if eris.Is(err, normalize.ErrSkip) {
				return nil
			}
			return err
		}
		if _, err := p.store.UpsertMessage(ctx, m); err != nil {
			return eris.Wrapf(err, "failed to store message %s", pm.ID)
		}
	}
	p.broadcast.Broadcast(model.MessageChange{
		Kind:              "updated",
		AccountID:         account.ID,
		ProviderMessageID: pm.ID,
		Folder:            folder,
	})
	return nil
}

func (p *Processor) applyDeleted(ctx context.Context, account *model.Account, pm normalize.ProviderMessage) error {
	trashed, err := p.store.MarkMessageTrashed(ctx, account.ID, pm.ID)
	if err != nil {
		return eris.Wrapf(err, "failed to trash message %s", pm.ID)
	}
	if !trashed {
		// Never ingested; nothing to do.
		return nil
	}
	p.broadcast.Broadcast(model.MessageChange{
		Kind:              "deleted",
		AccountID:         account.ID,
		ProviderMessageID: pm.ID,
	})
	return nil
}

// grantObject is the data object of grant lifecycle events.
type grantObject struct {
	GrantID string `json:"grant_id"`
}

func (p *Processor) handleGrant(ctx context.Context, ev *model.WebhookEvent, object json.RawMessage) error {
	var g grantObject
	if err := json.Unmarshal(object, &g); err != nil {
		return eris.Wrapf(err, "failed to decode grant object of event %s", ev.ID)
	}

	account, err := p.store.AccountByGrant(ctx, g.GrantID)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve grant %s", g.GrantID)
	}
	if account == nil {
		p.logger.WithField("grant_id", g.GrantID).Warn("Dropping grant event for unknown grant")
		return nil
	}

	switch ev.Type {
	case "grant.expired", "grant.revoked":
		reason := "re-authentication required: " + strings.TrimPrefix(ev.Type, "grant.")
		if err := p.store.UpdateAccountStatus(ctx, account.ID, model.SyncStatusError, reason); err != nil {
			return eris.Wrapf(err, "failed to flag account %s", account.ID)
		}
		p.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"type":       ev.Type,
		}).Warn("Account requires re-authentication")
	case "grant.activated":
		if err := p.store.UpdateAccountStatus(ctx, account.ID, model.SyncStatusIdle, ""); err != nil {
			return eris.Wrapf(err, "failed to reset account %s", account.ID)
		}
	default:
		p.logger.WithField("type", ev.Type).Info("Ignoring unknown grant event type")
	}
	return nil
}

// Replay pushes all unprocessed events through the dispatch path
// synchronously, oldest first. Returns the number handled successfully.
func (p *Processor) Replay(ctx context.Context, limit int) (int, error) {
	events, err := p.store.UnprocessedEvents(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "failed to list unprocessed events")
	}

	handled := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if err := p.Process(ctx, ev); err != nil {
			p.logger.WithError(err).WithField("event_id", ev.ID).Error("Replay failed for event")
			continue
		}
		handled++
	}
	return handled, nil
}
