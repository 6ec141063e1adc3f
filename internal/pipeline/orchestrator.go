package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel bounds concurrent attachment processing per message to
// stay under the remote rate limits.
const DefaultMaxParallel = 4

// Orchestrator drives one run of the five-stage pipeline. Configure the
// fields, then call Run once per run; the zero value is not usable.
type Orchestrator struct {
	Source   MailSource
	Sink     FileSink
	Classify Classifier
	Events   *Emitter

	// BasePath is the destination base location, e.g. ["billing"].
	BasePath []string
	// MaxParallel bounds concurrent attachment fetch/upload; 0 means
	// DefaultMaxParallel.
	MaxParallel int

	// RefreshSource and RefreshSink force a credential refresh for the
	// respective role when a remote call reports an auth fault. Optional.
	RefreshSource func(ctx context.Context) error
	RefreshSink   func(ctx context.Context) error

	mu        sync.Mutex
	pathCache map[string]string
	runID     string
}

// errRunAborted wraps the fault that ended a run early.
var errRunAborted = errors.New("run aborted")

// Run executes search, fetch, classify, deduplicate and upload over the
// criteria. The returned RunResult is always populated, even on abort or
// cancellation; err is non-nil only when the run could not continue (an auth
// fault a forced refresh did not resolve, or a failed search stage).
func (o *Orchestrator) Run(ctx context.Context, crit Criteria) (*RunResult, error) {
	res := &RunResult{
		RunID:          uuid.NewString(),
		PerInstitution: make(map[string]int),
		StartedAt:      time.Now(),
	}
	o.pathCache = make(map[string]string)
	o.runID = res.RunID

	err := o.run(ctx, crit, res)
	res.FinishedAt = time.Now()
	if err != nil {
		o.emit(Event{Kind: EventError, Text: err.Error()})
	}
	o.emit(Event{Kind: EventCompleted, Result: res})
	if o.Events != nil {
		o.Events.Close()
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, crit Criteria, res *RunResult) error {
	// Resolve the base destination once per run so a broken destination
	// account fails fast, before any mail is fetched.
	if _, err := o.ensurePath(ctx, o.BasePath); err != nil {
		return fmt.Errorf("resolve base destination: %w", err)
	}

	o.emit(Event{Kind: EventStage, Stage: "search", Text: fmt.Sprintf("searching %s to %s", crit.From.Format("2006-01-02"), crit.To.Format("2006-01-02"))})

	var messages []MessageRef
	var skipped []RunError
	_, err := o.call(ctx, o.RefreshSource, func() error {
		var serr error
		messages, skipped, serr = o.Source.Search(ctx, crit)
		return serr
	})
	if err != nil {
		return fmt.Errorf("%w: search: %v", errRunAborted, err)
	}
	// Messages the source could not resolve cost one message each, not the
	// run.
	for _, re := range skipped {
		o.recordError(res, re)
	}
	o.emit(Event{Kind: EventStage, Stage: "search", Text: fmt.Sprintf("found %d matching messages", len(messages))})

	for i, msg := range messages {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		res.MessagesScanned++
		o.emit(Event{Kind: EventStage, Stage: "fetch", Text: fmt.Sprintf("message %d/%d from %s", i+1, len(messages), msg.SenderAddress)})

		var atts []Attachment
		attempts, err := o.call(ctx, o.RefreshSource, func() error {
			var ferr error
			atts, ferr = o.Source.FetchAttachments(ctx, msg.ID)
			return ferr
		})
		if err != nil {
			if faultKind(err) == FaultAuth {
				return fmt.Errorf("%w: fetch %s: %v", errRunAborted, msg.ID, err)
			}
			o.recordError(res, RunError{MessageID: msg.ID, Kind: faultKind(err).String(), Attempts: attempts, Detail: err.Error()})
			continue
		}

		o.addDownloaded(res, len(atts))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.maxParallel())
		for _, att := range atts {
			if ctx.Err() != nil {
				res.Cancelled = true
				break
			}
			g.Go(func() error {
				return o.processAttachment(gctx, crit, msg, att, res)
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) {
				res.Cancelled = true
				break
			}
			return fmt.Errorf("%w: %v", errRunAborted, err)
		}
		if res.Cancelled {
			break
		}
	}

	if ctx.Err() != nil {
		res.Cancelled = true
	}
	return nil
}

// processAttachment runs classify, path resolution, the duplicate check and
// the upload for one attachment. Per-item faults are recorded and swallowed;
// only unresolvable auth faults propagate.
func (o *Orchestrator) processAttachment(ctx context.Context, crit Criteria, msg MessageRef, att Attachment, res *RunResult) error {
	label := o.Classify(msg.SenderAddress, msg.SenderName, msg.Subject, msg.Snippet)
	filename := att.Filename
	if prefix := SanitizeSender(msg.SenderName); prefix != "" {
		filename = prefix + "-" + att.Filename
	}
	o.emit(Event{Kind: EventStage, Stage: "classify", Text: classifyDetail(filename, label)})

	segments := make([]string, 0, len(o.BasePath)+2)
	segments = append(segments, o.BasePath...)
	segments = append(segments, strconv.Itoa(crit.To.Year()))
	if label != "" {
		segments = append(segments, label)
	}

	folderID, err := o.ensurePath(ctx, segments)
	if err != nil {
		if faultKind(err) == FaultAuth {
			return err
		}
		o.recordError(res, RunError{MessageID: msg.ID, Filename: filename, Kind: faultKind(err).String(), Detail: err.Error()})
		return nil
	}

	var exists bool
	attempts, err := o.call(ctx, o.RefreshSink, func() error {
		var eerr error
		exists, eerr = o.Sink.Exists(ctx, folderID, filename)
		return eerr
	})
	if err != nil {
		if faultKind(err) == FaultAuth {
			return err
		}
		o.recordError(res, RunError{MessageID: msg.ID, Filename: filename, Kind: faultKind(err).String(), Attempts: attempts, Detail: err.Error()})
		return nil
	}
	if exists {
		o.emit(Event{Kind: EventStage, Stage: "dedupe", Text: filename + " already present, skipping"})
		o.mu.Lock()
		res.AttachmentsSkipped++
		o.mu.Unlock()
		return nil
	}

	o.emit(Event{Kind: EventStage, Stage: "upload", Text: "uploading " + filename})
	attempts, err = o.call(ctx, o.RefreshSink, func() error {
		_, uerr := o.Sink.Upload(ctx, folderID, filename, att.Data)
		return uerr
	})
	if err != nil {
		if faultKind(err) == FaultAuth {
			return err
		}
		o.recordError(res, RunError{MessageID: msg.ID, Filename: filename, Kind: faultKind(err).String(), Attempts: attempts, Detail: err.Error()})
		return nil
	}

	o.mu.Lock()
	res.AttachmentsUploaded++
	if label != "" {
		res.PerInstitution[label]++
	}
	o.mu.Unlock()
	o.emit(Event{Kind: EventStage, Stage: "upload", Text: "uploaded " + filename})
	return nil
}

// ensurePath resolves a destination path to a folder id, caching per run so
// each distinct path is resolved exactly once no matter how many attachments
// share it.
func (o *Orchestrator) ensurePath(ctx context.Context, segments []string) (string, error) {
	key := strings.Join(segments, "/")

	o.mu.Lock()
	if id, ok := o.pathCache[key]; ok {
		o.mu.Unlock()
		return id, nil
	}
	o.mu.Unlock()

	var folderID string
	_, err := o.call(ctx, o.RefreshSink, func() error {
		var perr error
		folderID, perr = o.Sink.EnsurePath(ctx, segments)
		return perr
	})
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	o.pathCache[key] = folderID
	o.mu.Unlock()
	return folderID, nil
}

// call runs a remote operation with bounded retries; when the final fault is
// an auth fault it forces one credential refresh and retries the operation
// once more.
func (o *Orchestrator) call(ctx context.Context, refresh func(ctx context.Context) error, fn func() error) (int, error) {
	attempts, err := withRetry(ctx, fn)
	if err == nil || faultKind(err) != FaultAuth || refresh == nil {
		return attempts, err
	}
	if rerr := refresh(ctx); rerr != nil {
		return attempts, err
	}
	more, err := withRetry(ctx, fn)
	return attempts + more, err
}

func (o *Orchestrator) addDownloaded(res *RunResult, n int) {
	o.mu.Lock()
	res.AttachmentsDownloaded += n
	o.mu.Unlock()
}

func (o *Orchestrator) recordError(res *RunResult, re RunError) {
	o.mu.Lock()
	res.Errors = append(res.Errors, re)
	o.mu.Unlock()
	o.emit(Event{Kind: EventError, Text: fmt.Sprintf("%s (%s, %d attempts): %s", re.Filename, re.Kind, re.Attempts, re.Detail)})
}

func (o *Orchestrator) emit(ev Event) {
	if o.Events == nil {
		return
	}
	if ev.RunID == "" {
		ev.RunID = o.runID
	}
	o.Events.Emit(ev)
}

func (o *Orchestrator) maxParallel() int {
	if o.MaxParallel > 0 {
		return o.MaxParallel
	}
	return DefaultMaxParallel
}

func classifyDetail(filename, label string) string {
	if label == "" {
		return filename + " -> general document"
	}
	return filename + " -> " + label
}
