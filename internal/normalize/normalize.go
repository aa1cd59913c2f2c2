// Package normalize maps raw parsed messages from either ingestion path
// into the canonical message record. All provider-specific field shapes
// (address lists, flag markers, label arrays) are absorbed here so the
// store and the classifier never see them.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/classify"
	"github.com/mailforge/syncd/internal/imapconn"
	"github.com/mailforge/syncd/internal/model"
)

// ErrSkip signals a structurally unparseable item. It is a skip, not a
// failure: the caller counts it and still advances the cursor past it so a
// malformed message can never permanently stall sync.
var ErrSkip = errors.New("message skipped")

const (
	maxBodyBytes    = 100 * 1024
	maxSnippetBytes = 1024
)

// FromIMAP converts one fetched protocol item into a canonical message.
// The folder the item was fetched from becomes its raw label set.
func FromIMAP(raw imapconn.RawMessage, accountID, folder string, logger *logrus.Logger) (*model.Message, error) {
	if raw.Envelope == nil {
		return nil, ErrSkip
	}

	providerID := strings.TrimSpace(raw.Envelope.MessageId)
	if providerID == "" {
		// No Message-ID header; UIDs are stable per folder, so a synthetic
		// key keeps re-ingestion idempotent.
		if raw.UID == 0 {
			return nil, ErrSkip
		}
		providerID = fmt.Sprintf("uid:%s:%d", folder, raw.UID)
	}

	m := &model.Message{
		AccountID:         accountID,
		ProviderMessageID: providerID,
		Labels:            []string{folder},
	}
	m.Folder = classify.Classify(m.Labels)

	m.Subject = raw.Envelope.Subject
	m.ThreadID = strings.TrimSpace(raw.Envelope.InReplyTo)
	m.From = imapAddresses(raw.Envelope.From)
	m.To = imapAddresses(raw.Envelope.To)
	m.Cc = imapAddresses(raw.Envelope.Cc)
	m.Bcc = imapAddresses(raw.Envelope.Bcc)
	if !raw.Envelope.Date.IsZero() {
		sent := raw.Envelope.Date
		m.SentAt = &sent
	}
	if !raw.InternalDate.IsZero() {
		received := raw.InternalDate
		m.ReceivedAt = &received
	} else if m.SentAt != nil {
		m.ReceivedAt = m.SentAt
	}

	for _, flag := range raw.Flags {
		switch flag {
		case imap.SeenFlag:
			m.IsRead = true
		case imap.FlaggedFlag:
			m.IsStarred = true
		case imap.DeletedFlag:
			m.IsTrashed = true
		}
	}

	if len(raw.Raw) > 0 {
		fillBody(m, raw.Raw, logger)
	}

	return m, nil
}

// fillBody parses the RFC822 content for text and attachment summary.
// Parse failures degrade to the raw text; they never fail the message.
func fillBody(m *model.Message, raw []byte, logger *logrus.Logger) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		if logger != nil {
			logger.WithError(err).WithField("provider_message_id", m.ProviderMessageID).
				Debug("MIME parse failed, storing raw text")
		}
		m.BodyText = Truncate(string(raw), maxBodyBytes)
		m.Snippet = snippet(m.BodyText)
		return
	}
	text := env.Text
	if text == "" {
		text = env.HTML
	}
	m.BodyText = Truncate(text, maxBodyBytes)
	m.Snippet = snippet(text)
	m.AttachmentCount = len(env.Attachments)
	m.HasAttachments = m.AttachmentCount > 0
}

func imapAddresses(addrs []*imap.Address) []model.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		out = append(out, model.Address{
			Email: a.Address(),
			Name:  a.PersonalName,
		})
	}
	return out
}

// ProviderAddress is the hosted provider's address shape.
type ProviderAddress struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ProviderAttachment carries only what the attachment summary needs.
type ProviderAttachment struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// ProviderMessage is the message object embedded in hosted-provider
// webhook payloads.
type ProviderMessage struct {
	ID          string               `json:"id"`
	GrantID     string               `json:"grant_id"`
	ThreadID    string               `json:"thread_id"`
	Folders     []string             `json:"folders"`
	From        []ProviderAddress    `json:"from"`
	To          []ProviderAddress    `json:"to"`
	Cc          []ProviderAddress    `json:"cc"`
	Bcc         []ProviderAddress    `json:"bcc"`
	Subject     string               `json:"subject"`
	Snippet     string               `json:"snippet"`
	Body        string               `json:"body"`
	Date        int64                `json:"date"` // unix seconds
	Unread      bool                 `json:"unread"`
	Starred     bool                 `json:"starred"`
	Attachments []ProviderAttachment `json:"attachments"`
}

// FromProvider converts a webhook message object into a canonical message.
// rawPayload is retained verbatim for audit.
func FromProvider(pm ProviderMessage, accountID string, rawPayload []byte) (*model.Message, error) {
	if strings.TrimSpace(pm.ID) == "" {
		return nil, ErrSkip
	}

	m := &model.Message{
		AccountID:         accountID,
		ProviderMessageID: pm.ID,
		ThreadID:          pm.ThreadID,
		Labels:            append([]string(nil), pm.Folders...),
		Subject:           pm.Subject,
		Snippet:           Truncate(pm.Snippet, maxSnippetBytes),
		BodyText:          Truncate(pm.Body, maxBodyBytes),
		From:              providerAddresses(pm.From),
		To:                providerAddresses(pm.To),
		Cc:                providerAddresses(pm.Cc),
		Bcc:               providerAddresses(pm.Bcc),
		IsRead:            !pm.Unread, // provider reports "unread", we store the inverse
		IsStarred:         pm.Starred,
		AttachmentCount:   len(pm.Attachments),
		HasAttachments:    len(pm.Attachments) > 0,
		Payload:           string(rawPayload),
	}
	m.Folder = classify.Classify(m.Labels)

	if pm.Date > 0 {
		ts := time.Unix(pm.Date, 0).UTC()
		m.ReceivedAt = &ts
		m.SentAt = &ts
	}
	if m.Snippet == "" && m.BodyText != "" {
		m.Snippet = snippet(m.BodyText)
	}

	return m, nil
}

func providerAddresses(addrs []ProviderAddress) []model.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Address{Email: a.Email, Name: a.Name})
	}
	return out
}

// Truncate bounds s to max bytes without splitting a UTF-8 rune. Only a
// trailing partial rune is backtracked over; input that is not valid
// UTF-8 to begin with is cut at max as-is.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for i := 0; i < utf8.UTFMax && len(cut) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size != 1 {
			return cut
		}
		cut = cut[:len(cut)-1]
	}
	return s[:max]
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return Truncate(text, maxSnippetBytes)
}
