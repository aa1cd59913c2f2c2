// Package imapconn owns the stateful protocol connection for one account:
// open, age, close, reopen. Batch fetching policy lives with the caller;
// this package only answers "is this handle still safe to use".
package imapconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/model"
)

// ErrConnection marks auth or network failures opening or using the
// connection. Callers retry exactly once via reopen; a second failure
// aborts the current folder only.
var ErrConnection = errors.New("imap connection failed")

const dialTimeout = 30 * time.Second

// Policy bounds how long a single connection may be reused. MaxAge stays
// well under typical 30-minute server idle timeouts; MaxBatches forces a
// renewal even on fast loops so one connection never lives forever.
type Policy struct {
	MaxAge     time.Duration
	MaxBatches int
}

// DefaultPolicy returns the standard renewal policy.
func DefaultPolicy() Policy {
	return Policy{MaxAge: 10 * time.Minute, MaxBatches: 25}
}

// RawMessage is one fetched item before normalization.
type RawMessage struct {
	UID          uint32
	Flags        []string
	Envelope     *imap.Envelope
	InternalDate time.Time
	Raw          []byte // full RFC822 content, may be empty
}

// Conn is one live, single-threaded protocol connection.
type Conn struct {
	cl       *client.Client
	openedAt time.Time
	batches  int
	logger   *logrus.Logger
}

// Open dials and authenticates a connection. Failures wrap ErrConnection.
func Open(creds model.Credentials, logger *logrus.Logger) (*Conn, error) {
	if logger == nil {
		logger = logrus.New()
	}
	host, port := creds.Addr()
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: dialTimeout}

	var cl *client.Client
	var err error
	if creds.SSL {
		cl, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, eris.Wrapf(ErrConnection, "dial %s: %v", addr, err)
	}

	if err := cl.Login(creds.Username, creds.Password); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, eris.Wrapf(ErrConnection, "login %s: %v", creds.Username, err)
	}

	logger.WithFields(logrus.Fields{
		"host": host,
		"user": creds.Username,
	}).Debug("IMAP connection opened")

	return &Conn{cl: cl, openedAt: time.Now(), logger: logger}, nil
}

// Close logs out and drops the connection. Safe to call on a dead handle.
func (c *Conn) Close() {
	if c == nil || c.cl == nil {
		return
	}
	c.cl.Logout() //nolint:errcheck
	c.cl = nil
}

// Age returns how long the connection has been held.
func (c *Conn) Age() time.Duration {
	return time.Since(c.openedAt)
}

// Stale reports whether the handle must be renewed (closed and reopened)
// before further use.
func (c *Conn) Stale(p Policy) bool {
	if c == nil || c.cl == nil {
		return true
	}
	if p.MaxAge > 0 && c.Age() > p.MaxAge {
		return true
	}
	if p.MaxBatches > 0 && c.batches >= p.MaxBatches {
		return true
	}
	return false
}

// ListFolders returns all selectable folder names.
func (c *Conn) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		noselect := false
		for _, attr := range m.Attributes {
			if attr == imap.NoSelectAttr {
				noselect = true
				break
			}
		}
		if !noselect {
			folders = append(folders, m.Name)
		}
	}
	if err := <-done; err != nil {
		return nil, eris.Wrapf(ErrConnection, "list folders: %v", err)
	}
	return folders, nil
}

// FetchSince returns up to limit messages from folder with UID strictly
// greater than cursor, in ascending UID order. A short result means the
// folder is exhausted past the cursor.
func (c *Conn) FetchSince(folder string, cursor uint32, limit int) ([]RawMessage, error) {
	if _, err := c.cl.Select(folder, true); err != nil {
		return nil, eris.Wrapf(ErrConnection, "select %q: %v", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(cursor+1, 0) // 0 means *
	criteria.Uid = uidRange

	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, eris.Wrapf(ErrConnection, "uid search %q: %v", folder, err)
	}
	// Some servers echo the cursor itself for "cursor+1:*" on an exhausted
	// folder; drop anything at or below the cursor.
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > cursor {
			filtered = append(filtered, uid)
		}
	}
	uids = filtered
	if len(uids) == 0 {
		c.batches++
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}

	fetchSet := new(imap.SeqSet)
	fetchSet.AddNum(uids...)
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid,
		imap.FetchInternalDate, imap.FetchRFC822,
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(fetchSet, items, messages)
	}()

	var fetched []RawMessage
	for msg := range messages {
		fetched = append(fetched, RawMessage{
			UID:          msg.Uid,
			Flags:        append([]string(nil), msg.Flags...),
			Envelope:     msg.Envelope,
			InternalDate: msg.InternalDate,
			Raw:          readBody(msg),
		})
	}
	if err := <-done; err != nil {
		return fetched, eris.Wrapf(ErrConnection, "uid fetch %q: %v", folder, err)
	}

	c.batches++
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].UID < fetched[j].UID })
	return fetched, nil
}

// readBody extracts the RFC822 literal from a fetch response. Servers key
// the section differently, so try the nil key first, then any section.
func readBody(msg *imap.Message) []byte {
	if msg.Body == nil {
		return nil
	}
	if literal, ok := msg.Body[nil]; ok && literal != nil {
		if b, err := io.ReadAll(literal); err == nil {
			return b
		}
	}
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		if b, err := io.ReadAll(literal); err == nil && len(b) > 0 {
			return b
		}
	}
	return nil
}
