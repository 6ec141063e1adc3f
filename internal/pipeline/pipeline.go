// Package pipeline drives the search, fetch, classify, deduplicate and
// upload stages of one document-archival run across the two remote accounts.
package pipeline

import (
	"context"
	"strings"
	"time"
)

// Criteria is the immutable search window for one run.
type Criteria struct {
	Keywords []string
	From     time.Time
	To       time.Time
}

// MessageRef identifies one matching message from the source account.
type MessageRef struct {
	ID            string
	SenderName    string
	SenderAddress string
	Subject       string
	Snippet       string
}

// Attachment is one attachment of a message with its bytes populated.
type Attachment struct {
	MessageID string
	Filename  string
	Size      int64
	Data      []byte
}

// MailSource abstracts the source mail account. Search produces one finite,
// non-restartable result set per run; messages that could not be resolved
// without stopping the search come back as skip records for the run's error
// list.
type MailSource interface {
	Search(ctx context.Context, crit Criteria) ([]MessageRef, []RunError, error)
	FetchAttachments(ctx context.Context, messageID string) ([]Attachment, error)
}

// FileSink abstracts the destination storage account. EnsurePath is
// idempotent: existing folders are reused, segments resolved left to right.
type FileSink interface {
	EnsurePath(ctx context.Context, segments []string) (string, error)
	Exists(ctx context.Context, folderID, filename string) (bool, error)
	Upload(ctx context.Context, folderID, filename string, data []byte) (string, error)
}

// Classifier maps message context to a canonical institution label, empty
// for none.
type Classifier func(senderAddress, senderName, subject, bodySnippet string) string

// SanitizeSender turns a sender display name into a filename-safe prefix:
// "LangFuse GmbH" becomes "langfuse-gmbh".
func SanitizeSender(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '-', r == '_', r == '.':
			b.WriteByte('-')
		}
	}
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '-' })
	return strings.Join(parts, "-")
}
