package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	driveapi "google.golang.org/api/drive/v3"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/adolfousier/invoicepilot/internal/auth"
	"github.com/adolfousier/invoicepilot/internal/config"
	"github.com/adolfousier/invoicepilot/internal/drive"
	"github.com/adolfousier/invoicepilot/internal/gmail"
	"github.com/adolfousier/invoicepilot/internal/institution"
	"github.com/adolfousier/invoicepilot/internal/pipeline"
	"github.com/adolfousier/invoicepilot/internal/runlog"
	"github.com/adolfousier/invoicepilot/internal/schedule"
)

const usage = `invoicepilot - fetch invoice attachments from Gmail into Google Drive

Usage:
  invoicepilot manual [--date-range FROM:TO]   run now (default: previous month to today)
  invoicepilot scheduled                       run only on the configured day of month
  invoicepilot auth gmail|drive|reset          manage stored credentials
`

func main() {
	log.SetFlags(log.Ltime)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "manual":
		err = runManual(ctx, os.Args[2:])
	case "scheduled":
		err = runScheduled(ctx)
	case "auth":
		err = runAuth(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("error: %v", err)
	}
}

func runManual(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("manual", flag.ExitOnError)
	dateRange := fs.String("date-range", "", "custom date range in form YYYY-MM-DD:YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var from, to time.Time
	if *dateRange != "" {
		from, to, err = schedule.ParseRange(*dateRange)
		if err != nil {
			return err
		}
	} else {
		from, to = schedule.DefaultManualRange(time.Now())
	}
	log.Printf("date range: %s to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))

	return runPipeline(ctx, cfg, from, to)
}

func runScheduled(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	now := time.Now()
	if !schedule.ShouldRun(now, cfg.FetchDay) {
		log.Printf("not scheduled to run today (configured day: %d, today: %d)", cfg.FetchDay, now.Day())
		return nil
	}

	from, to := schedule.PreviousMonthRange(now)
	log.Printf("scheduled run for %s to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))

	return runPipeline(ctx, cfg, from, to)
}

func runAuth(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("auth requires exactly one of: gmail, drive, reset")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, oauthConfigs, err := newCredentialStore(cfg)
	if err != nil {
		return err
	}

	switch args[0] {
	case "gmail":
		if err := store.Reset(auth.RoleSource); err != nil {
			return err
		}
		_, err = authorize(ctx, store, auth.RoleSource, oauthConfigs[auth.RoleSource], logNotice)
		return err
	case "drive":
		if err := store.Reset(auth.RoleDestination); err != nil {
			return err
		}
		_, err = authorize(ctx, store, auth.RoleDestination, oauthConfigs[auth.RoleDestination], logNotice)
		return err
	case "reset":
		if err := store.Reset(auth.RoleSource); err != nil {
			return err
		}
		if err := store.Reset(auth.RoleDestination); err != nil {
			return err
		}
		log.Printf("all credentials cleared; the next run will re-authenticate")
		return nil
	default:
		return fmt.Errorf("unknown auth action %q (want gmail, drive or reset)", args[0])
	}
}

// newCredentialStore builds the per-role credential store and the OAuth2
// client configurations the flows and refreshes use.
func newCredentialStore(cfg *config.Config) (*auth.Store, map[auth.Role]*oauth2.Config, error) {
	dir, err := auth.DefaultDir()
	if err != nil {
		return nil, nil, err
	}

	oauthConfigs := map[auth.Role]*oauth2.Config{
		auth.RoleSource: {
			ClientID:     cfg.GmailClientID,
			ClientSecret: cfg.GmailClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		auth.RoleDestination: {
			ClientID:     cfg.DriveClientID,
			ClientSecret: cfg.DriveClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{driveapi.DriveFileScope},
		},
	}
	return auth.NewStore(dir, oauthConfigs), oauthConfigs, nil
}

// ensureCredential returns once the role holds a valid credential, running a
// full authorization flow when none is stored.
func ensureCredential(ctx context.Context, store *auth.Store, role auth.Role, cfg *oauth2.Config, notify func(auth.Notice)) error {
	_, err := store.Get(ctx, role)
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrAuthRequired) {
		return err
	}
	_, err = authorize(ctx, store, role, cfg, notify)
	return err
}

func authorize(ctx context.Context, store *auth.Store, role auth.Role, cfg *oauth2.Config, notify func(auth.Notice)) (auth.Credential, error) {
	log.Printf("authorizing %s account...", role)
	flow := auth.NewFlow(role, cfg, store)
	flow.Notify = notify
	cred, err := flow.Run(ctx)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("authorize %s account: %w", role, err)
	}
	log.Printf("%s account authorized", role)
	return cred, nil
}

func logNotice(n auth.Notice) {
	switch n.Kind {
	case auth.NoticeAuthURL:
		log.Printf("visit this URL to authorize the %s account:\n\n  %s\n", n.Role, n.Text)
	case auth.NoticeBrowserFailed:
		log.Printf("%s: %s", n.Role, n.Text)
	}
}

func runPipeline(ctx context.Context, cfg *config.Config, from, to time.Time) error {
	store, oauthConfigs, err := newCredentialStore(cfg)
	if err != nil {
		return err
	}

	var logStore *runlog.Store
	if cfg.LogDBPath != "" {
		logStore, err = runlog.Open(cfg.LogDBPath)
		if err != nil {
			return err
		}
		defer logStore.Close()
	}

	events := pipeline.NewEmitter()
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumeEvents(events.Events(), logStore)
	}()

	// Flow notices ride the same ordered stream as pipeline progress.
	notify := func(n auth.Notice) {
		switch n.Kind {
		case auth.NoticeAuthURL:
			events.Emit(pipeline.Event{Kind: pipeline.EventAuthURL, Text: n.Text})
		case auth.NoticeBrowserFailed:
			events.Emit(pipeline.Event{Kind: pipeline.EventBrowserFailed, Text: n.Text})
		}
	}

	// Both roles must hold a valid credential before the run starts; the
	// flows share the redirect port, so they run one after the other.
	if err := ensureCredential(ctx, store, auth.RoleSource, oauthConfigs[auth.RoleSource], notify); err != nil {
		events.Close()
		<-done
		return err
	}
	if err := ensureCredential(ctx, store, auth.RoleDestination, oauthConfigs[auth.RoleDestination], notify); err != nil {
		events.Close()
		<-done
		return err
	}

	source, err := gmail.New(ctx, store.TokenSource(ctx, auth.RoleSource))
	if err != nil {
		events.Close()
		<-done
		return err
	}
	sink, err := drive.New(ctx, store.TokenSource(ctx, auth.RoleDestination))
	if err != nil {
		events.Close()
		<-done
		return err
	}
	orch := &pipeline.Orchestrator{
		Source:   source,
		Sink:     sink,
		Classify: institution.Classify,
		Events:   events,
		BasePath: cfg.BaseSegments(),
		RefreshSource: func(ctx context.Context) error {
			_, err := store.Refresh(ctx, auth.RoleSource)
			return err
		},
		RefreshSink: func(ctx context.Context) error {
			_, err := store.Refresh(ctx, auth.RoleDestination)
			return err
		},
	}

	res, runErr := orch.Run(ctx, pipeline.Criteria{Keywords: cfg.Keywords, From: from, To: to})
	<-done

	if logStore != nil && res != nil {
		if err := logStore.SaveResult(context.Background(), res); err != nil {
			log.Printf("could not persist run result: %v", err)
		}
	}
	if res != nil {
		printSummary(res)
	}

	if runErr != nil && (res == nil || !res.Cancelled) {
		return runErr
	}
	return nil
}

// consumeEvents is the single consumer of a run's progress stream: it prints
// every event and mirrors it into the activity log when one is configured.
func consumeEvents(events <-chan pipeline.Event, logStore *runlog.Store) {
	for ev := range events {
		line := ev.Text
		switch {
		case ev.Kind == pipeline.EventStage && ev.Stage != "":
			line = ev.Stage + ": " + ev.Text
		case ev.Kind == pipeline.EventAuthURL:
			line = "visit this URL to authorize:\n\n  " + ev.Text + "\n"
		case ev.Kind == pipeline.EventCompleted && ev.Result != nil:
			line = "run " + ev.Result.RunID + " finished"
		}
		log.Printf("[%s] %s", ev.Kind, line)

		if logStore != nil {
			if err := logStore.Append(context.Background(), ev.RunID, ev.Kind.String(), line); err != nil {
				log.Printf("could not persist activity line: %v", err)
			}
		}
	}
}

func printSummary(res *pipeline.RunResult) {
	fmt.Println()
	fmt.Println("=== Summary ===")
	fmt.Printf("Messages scanned:       %d\n", res.MessagesScanned)
	fmt.Printf("Attachments downloaded: %d\n", res.AttachmentsDownloaded)
	fmt.Printf("Attachments uploaded:   %d\n", res.AttachmentsUploaded)
	fmt.Printf("Duplicates skipped:     %d\n", res.AttachmentsSkipped)
	for name, count := range res.PerInstitution {
		fmt.Printf("  %-22s %d\n", name+":", count)
	}
	if len(res.Errors) > 0 {
		fmt.Printf("Errors:                 %d\n", len(res.Errors))
		for _, re := range res.Errors {
			item := re.Filename
			if item == "" {
				item = re.MessageID
			}
			fmt.Printf("  %s (%s, %d attempts): %s\n", item, re.Kind, re.Attempts, re.Detail)
		}
	}
	if res.Cancelled {
		fmt.Println("Run cancelled before completion.")
	}
}
