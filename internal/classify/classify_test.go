package classify

import "testing"

func TestClassifyCanonicalNames(t *testing.T) {
	cases := map[string]string{
		"INBOX":                  "inbox",
		"inbox":                  "inbox",
		"Sent":                   "sent",
		"SENT MAIL":              "sent",
		"[Gmail]/Sent Mail":      "sent",
		"Drafts":                 "drafts",
		"Trash":                  "trash",
		"Deleted Items":          "trash",
		"Junk":                   "spam",
		"SPAM":                   "spam",
		"[Google Mail]/All Mail": "archive",
		"Archive":                "archive",
	}
	for label, want := range cases {
		if got := Classify([]string{label}); got != want {
			t.Errorf("Classify(%q) = %q, want %q", label, got, want)
		}
	}
}

func TestClassifyTotality(t *testing.T) {
	inputs := [][]string{
		nil,
		{},
		{""},
		{"   "},
		{"!!!"},
		{"Some Random Folder"},
		{"UNREAD"},
	}
	for _, labels := range inputs {
		got := Classify(labels)
		if got == "" {
			t.Errorf("Classify(%v) returned empty folder", labels)
		}
		if again := Classify(labels); again != got {
			t.Errorf("Classify(%v) not deterministic: %q then %q", labels, got, again)
		}
	}
}

func TestClassifyEmptyDefaultsToInbox(t *testing.T) {
	if got := Classify(nil); got != DefaultFolder {
		t.Errorf("Classify(nil) = %q, want %q", got, DefaultFolder)
	}
}

func TestClassifyUnknownLabelSanitized(t *testing.T) {
	if got := Classify([]string{"Project / Q3 Reports"}); got != "project_q3_reports" {
		t.Errorf("got %q, want %q", got, "project_q3_reports")
	}
	if got := Classify([]string{"Wichtige E-Mails!"}); got != "wichtige_e_mails" {
		t.Errorf("got %q, want %q", got, "wichtige_e_mails")
	}
}

func TestClassifyFlagLabelsIgnored(t *testing.T) {
	// Flag-like labels must not mask the real folder label.
	if got := Classify([]string{"UNREAD", "SENT"}); got != "sent" {
		t.Errorf(`Classify(["UNREAD","SENT"]) = %q, want "sent"`, got)
	}
	if got := Classify([]string{"STARRED", "INBOX"}); got != "inbox" {
		t.Errorf(`Classify(["STARRED","INBOX"]) = %q, want "inbox"`, got)
	}
	// A label set of only flags falls back to the default.
	if got := Classify([]string{"UNREAD", "STARRED"}); got != DefaultFolder {
		t.Errorf(`Classify(["UNREAD","STARRED"]) = %q, want %q`, got, DefaultFolder)
	}
}

func TestClassifyLongLabelTruncated(t *testing.T) {
	long := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 50 chars
	got := Classify([]string{long})
	if len(got) > 40 {
		t.Errorf("sanitized label too long: %d chars", len(got))
	}
}
