// Package classify maps raw provider folder-label sets to one canonical
// folder name. It is the single source of truth for "what folder should
// this message be in": both ingestion paths and the reconciliation monitor
// call the same function.
package classify

import (
	"regexp"
	"strings"
)

// DefaultFolder is returned for empty or unclassifiable label sets.
const DefaultFolder = "inbox"

// canonicalFolders maps known label spellings to canonical folder names.
// Keys are lowercase; lookups are therefore case-insensitive.
var canonicalFolders = map[string]string{
	"inbox":   "inbox",
	"sent":    "sent",
	"drafts":  "drafts",
	"draft":   "drafts",
	"trash":   "trash",
	"deleted": "trash",
	"spam":    "spam",
	"junk":    "spam",
	"archive": "archive",
	"all":     "archive",

	// Common provider spellings.
	"sent mail":                "sent",
	"sent messages":            "sent",
	"sent items":               "sent",
	"deleted items":            "trash",
	"junk email":               "spam",
	"all mail":                 "archive",
	"[gmail]/sent mail":        "sent",
	"[gmail]/drafts":           "drafts",
	"[gmail]/trash":            "trash",
	"[gmail]/spam":             "spam",
	"[gmail]/all mail":         "archive",
	"[google mail]/sent mail":  "sent",
	"[google mail]/drafts":     "drafts",
	"[google mail]/trash":      "trash",
	"[google mail]/spam":       "spam",
	"[google mail]/all mail":   "archive",
	"category_personal":        "inbox",
	"category_social":          "inbox",
	"category_updates":         "inbox",
	"category_forums":          "inbox",
	"category_promotions":      "inbox",
}

// flagLabels are state markers that ride along in provider label sets but
// say nothing about folder placement.
var flagLabels = map[string]bool{
	"unread":            true,
	"starred":           true,
	"important":         true,
	"[gmail]/starred":   true,
	"[gmail]/important": true,
	"attachment":        true,
}

var reTokenUnsafe = regexp.MustCompile(`[^a-z0-9\s\-.]`)
var reTokenSep = regexp.MustCompile(`[.\s\-]+`)

// Classify returns the canonical folder for a raw label set. It is a pure,
// deterministic, total function: any input, including nil and unknown
// labels, yields a non-empty result.
//
// Resolution order per label: exact canonical match, case-insensitive
// match, then a sanitized provider-specific token. The first label that
// resolves wins; labels that sanitize to nothing are skipped.
func Classify(labels []string) string {
	for _, label := range labels {
		key := strings.TrimSpace(strings.ToLower(label))
		if key == "" {
			continue
		}
		if flagLabels[key] {
			continue
		}
		if canonical, ok := canonicalFolders[key]; ok {
			return canonical
		}
	}
	// No known label: derive a provider-specific folder from the first
	// non-flag label that survives sanitization.
	for _, label := range labels {
		key := strings.TrimSpace(strings.ToLower(label))
		if flagLabels[key] {
			continue
		}
		if token := sanitizeLabel(label); token != "" {
			return token
		}
	}
	return DefaultFolder
}

// sanitizeLabel reduces a raw label to a lowercase alphanumeric token with
// underscore separators, e.g. "Project / Q3 Reports" -> "project_q3_reports".
func sanitizeLabel(label string) string {
	s := strings.ReplaceAll(label, "[", "")
	s = strings.ReplaceAll(s, "]", "")
	s = strings.ReplaceAll(s, "/", " ")
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.TrimSpace(strings.ToLower(s))
	s = reTokenUnsafe.ReplaceAllString(s, "")
	s = reTokenSep.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "_")
	}
	return s
}
