package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/model"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeStore struct {
	msgs    []*model.Message
	listErr error
	onList  func()

	folderUpdates int
}

func (f *fakeStore) RecentMessages(_ context.Context, _ time.Duration, limit int) ([]*model.Message, error) {
	if f.onList != nil {
		f.onList()
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.msgs) > limit {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

func (f *fakeStore) UpdateMessageFolder(_ context.Context, accountID, providerMessageID, folder string) (bool, error) {
	for _, m := range f.msgs {
		if m.AccountID == accountID && m.ProviderMessageID == providerMessageID {
			m.Folder = folder
			f.folderUpdates++
			return true, nil
		}
	}
	return false, nil
}

type recordingNotifier struct {
	alerts []model.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a model.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func message(account, id, folder string, labels ...string) *model.Message {
	return &model.Message{
		AccountID:         account,
		ProviderMessageID: id,
		Labels:            labels,
		Folder:            folder,
	}
}

func driftedStore(n int) *fakeStore {
	st := &fakeStore{}
	for i := 0; i < n; i++ {
		// Labeled SENT but filed under inbox: drifted.
		st.msgs = append(st.msgs, message("a1", fmt.Sprintf("m%d", i), "inbox", "SENT"))
	}
	for i := 0; i < 20; i++ {
		st.msgs = append(st.msgs, message("a1", fmt.Sprintf("ok%d", i), "inbox", "INBOX"))
	}
	return st
}

func TestSweepDetectsWithoutHealing(t *testing.T) {
	st := driftedStore(5)
	m := New(st, nil, Options{AutoHeal: false}, quietLogger())

	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Checked != 25 {
		t.Errorf("checked = %d, want 25", stats.Checked)
	}
	if stats.Mismatched != 5 {
		t.Errorf("mismatched = %d, want 5", stats.Mismatched)
	}
	if stats.Healed != 0 || st.folderUpdates != 0 {
		t.Errorf("detection-only sweep wrote %d updates", st.folderUpdates)
	}
	if stats.ByAccount["a1"] != 5 || stats.ByFolder["sent"] != 5 {
		t.Errorf("breakdowns = %v / %v", stats.ByAccount, stats.ByFolder)
	}
}

func TestSweepHealsAndConverges(t *testing.T) {
	st := driftedStore(5)
	m := New(st, nil, Options{AutoHeal: true}, quietLogger())

	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Healed != 5 {
		t.Errorf("healed = %d, want 5", stats.Healed)
	}

	// A second sweep over healed data must be a no-op.
	st.folderUpdates = 0
	stats, err = m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("resweep: %v", err)
	}
	if stats.Mismatched != 0 || st.folderUpdates != 0 {
		t.Errorf("resweep found %d mismatches, wrote %d updates", stats.Mismatched, st.folderUpdates)
	}
}

func TestSweepHealCap(t *testing.T) {
	st := driftedStore(8)
	m := New(st, nil, Options{AutoHeal: true, MaxHeals: 3}, quietLogger())

	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Healed != 3 {
		t.Errorf("healed = %d, want cap of 3", stats.Healed)
	}
	if stats.Mismatched != 8 {
		t.Errorf("mismatched = %d, want 8 still counted", stats.Mismatched)
	}
}

func TestSweepSkipsTrashed(t *testing.T) {
	st := &fakeStore{}
	trashed := message("a1", "t1", "inbox", "SENT")
	trashed.IsTrashed = true
	st.msgs = append(st.msgs, trashed)

	m := New(st, nil, Options{AutoHeal: true}, quietLogger())
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Mismatched != 0 || st.folderUpdates != 0 {
		t.Errorf("trashed row was counted or healed: %+v", stats)
	}
}

func TestSweepAlertThreshold(t *testing.T) {
	st := driftedStore(12)
	rec := &recordingNotifier{}
	m := New(st, rec, Options{AlertThreshold: 10}, quietLogger())

	if _, err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rec.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(rec.alerts))
	}
	a := rec.alerts[0]
	if a.Severity != model.SeverityWarning || a.Counters["mismatched"] != 12 {
		t.Errorf("alert = %+v", a)
	}

	// Below threshold: silent.
	rec.alerts = nil
	m2 := New(driftedStore(3), rec, Options{AlertThreshold: 10}, quietLogger())
	if _, err := m2.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rec.alerts) != 0 {
		t.Errorf("alerts below threshold = %d, want 0", len(rec.alerts))
	}
}

func TestSweepRowCap(t *testing.T) {
	st := driftedStore(5)
	m := New(st, nil, Options{MaxRows: 10}, quietLogger())

	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Checked != 10 {
		t.Errorf("checked = %d, want MaxRows cap of 10", stats.Checked)
	}
}

func TestRunCompletesInFlightSweepOnCancel(t *testing.T) {
	st := driftedStore(10)
	ctx, cancel := context.WithCancel(context.Background())
	// The shutdown signal lands while the sweep is already under way.
	st.onList = cancel

	m := New(st, nil, Options{AutoHeal: true, Interval: time.Hour}, quietLogger())
	total := m.Run(ctx)

	if total.Checked != 30 {
		t.Errorf("checked = %d, want the full sweep of 30", total.Checked)
	}
	if total.Healed != 10 || st.folderUpdates != 10 {
		t.Errorf("healed = %d (writes %d), want all 10 drifted rows healed", total.Healed, st.folderUpdates)
	}
}

func TestNewNilLogger(t *testing.T) {
	m := New(driftedStore(1), nil, Options{}, nil)
	if _, err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestRunBacksOffAfterFailure(t *testing.T) {
	st := &fakeStore{listErr: errors.New("db locked")}
	rec := &recordingNotifier{}
	m := New(st, rec, Options{Interval: time.Hour, Backoff: 10 * time.Millisecond}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	total := m.Run(ctx)

	// With a 10ms backoff and an hour interval, only the backoff path can
	// produce multiple sweeps inside the window.
	if total.Errors != 0 {
		t.Errorf("errors counter = %d, want 0 (list failure is not a heal error)", total.Errors)
	}
	if len(rec.alerts) < 2 {
		t.Fatalf("alerts = %d, want repeated error alerts from backoff retries", len(rec.alerts))
	}
	for _, a := range rec.alerts {
		if a.Severity != model.SeverityError {
			t.Errorf("alert severity = %q, want error", a.Severity)
		}
	}
}
