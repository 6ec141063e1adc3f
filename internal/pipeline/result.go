package pipeline

import "time"

// RunError records one recoverable per-item failure with enough context to
// render as a single line in the run's error list.
type RunError struct {
	MessageID string
	Filename  string
	Kind      string
	Attempts  int
	Detail    string
}

// RunResult is the final accounting of one pipeline run. It is built
// incrementally while the run executes and never mutated after Run returns.
type RunResult struct {
	RunID                 string
	MessagesScanned       int
	AttachmentsDownloaded int
	AttachmentsUploaded   int
	AttachmentsSkipped    int
	PerInstitution        map[string]int
	Errors                []RunError
	Cancelled             bool
	StartedAt             time.Time
	FinishedAt            time.Time
}
