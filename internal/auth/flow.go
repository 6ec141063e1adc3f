package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRedirectPort is the loopback port the authorization redirect URI is
// registered for with both providers.
const DefaultRedirectPort = 8080

// DefaultRedirectWait bounds how long a flow waits for the browser redirect
// before failing with ErrRedirectTimeout.
const DefaultRedirectWait = 5 * time.Minute

// FlowState is the lifecycle of one authorization round-trip. Exchanged and
// Failed are terminal; retrying means starting a fresh Flow.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowChallengeGenerated
	FlowAwaitingRedirect
	FlowCodeReceived
	FlowExchanged
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowChallengeGenerated:
		return "challenge-generated"
	case FlowAwaitingRedirect:
		return "awaiting-redirect"
	case FlowCodeReceived:
		return "code-received"
	case FlowExchanged:
		return "exchanged"
	case FlowFailed:
		return "failed"
	}
	return "unknown"
}

// NoticeKind distinguishes the signals a running flow can surface to its
// caller.
type NoticeKind int

const (
	// NoticeAuthURL carries the authorization URL the user must visit.
	NoticeAuthURL NoticeKind = iota
	// NoticeBrowserFailed reports that opening the browser automatically
	// failed; the flow keeps waiting for a manual visit.
	NoticeBrowserFailed
)

// Notice is a progress signal emitted by a Flow.
type Notice struct {
	Role Role
	Kind NoticeKind
	Text string
}

// listenerMu serializes flows that share a redirect port. Both roles use the
// same registered loopback port, so two concurrent flows must take turns.
var listenerMu sync.Mutex

// Flow runs one PKCE authorization round-trip for a role and stores the
// resulting credential. A Flow is single-use.
type Flow struct {
	role  Role
	cfg   *oauth2.Config
	store *Store

	// Port is the loopback redirect port; 0 picks an ephemeral port.
	Port int
	// Timeout bounds the wait for the redirect.
	Timeout time.Duration
	// Notify receives progress signals; nil disables them.
	Notify func(Notice)
	// OpenBrowser attempts to open the authorization URL; overridable.
	OpenBrowser func(url string) error

	mu       sync.Mutex
	state    FlowState
	verifier string
}

// NewFlow creates an authorization flow for the role. cfg must carry the
// role's client id/secret, endpoint and scopes; the redirect URL is filled in
// by Run once the listener is bound.
func NewFlow(role Role, cfg *oauth2.Config, store *Store) *Flow {
	clone := *cfg
	return &Flow{
		role:        role,
		cfg:         &clone,
		store:       store,
		Port:        DefaultRedirectPort,
		Timeout:     DefaultRedirectWait,
		OpenBrowser: openBrowser,
		state:       FlowIdle,
	}
}

// State returns the flow's current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s FlowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flow) notify(kind NoticeKind, text string) {
	if f.Notify != nil {
		f.Notify(Notice{Role: f.role, Kind: kind, Text: text})
	}
}

func (f *Flow) fail(err error) (Credential, error) {
	f.setState(FlowFailed)
	return Credential{}, err
}

type redirectResult struct {
	code string
	err  error
}

// Run drives the state machine to completion: generate the challenge, wait
// for the redirect, exchange the code, store the credential.
func (f *Flow) Run(ctx context.Context) (Credential, error) {
	if f.State() != FlowIdle {
		return Credential{}, fmt.Errorf("%s flow already consumed (state %s)", f.role, f.State())
	}

	f.verifier = oauth2.GenerateVerifier()
	stateToken, err := randomState()
	if err != nil {
		return f.fail(fmt.Errorf("generate state token: %w", err))
	}
	f.setState(FlowChallengeGenerated)

	// Flows sharing the redirect port take turns.
	listenerMu.Lock()
	defer listenerMu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.Port))
	if err != nil {
		return f.fail(fmt.Errorf("bind redirect listener on port %d: %w", f.Port, err))
	}
	port := listener.Addr().(*net.TCPAddr).Port
	f.cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", port)

	authURL := f.cfg.AuthCodeURL(stateToken,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(f.verifier),
	)

	results := make(chan redirectResult, 1)
	srv := &http.Server{Handler: redirectHandler(stateToken, results)}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case results <- redirectResult{err: fmt.Errorf("redirect listener: %w", err)}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	f.setState(FlowAwaitingRedirect)
	f.notify(NoticeAuthURL, authURL)
	if err := f.OpenBrowser(authURL); err != nil {
		// Non-fatal; the user can follow the URL manually.
		f.notify(NoticeBrowserFailed, fmt.Sprintf("could not open browser: %v", err))
	}

	timer := time.NewTimer(f.Timeout)
	defer timer.Stop()

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return f.fail(res.err)
		}
		code = res.code
	case <-timer.C:
		return f.fail(fmt.Errorf("%s authorization: %w", f.role, ErrRedirectTimeout))
	case <-ctx.Done():
		return f.fail(ctx.Err())
	}
	f.setState(FlowCodeReceived)

	tok, err := f.cfg.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return f.fail(fmt.Errorf("exchange %s authorization code: %v: %w", f.role, err, ErrAuthRequired))
	}

	cred := credentialFromToken(tok)
	cred.Role = f.role
	if err := f.store.Put(f.role, cred); err != nil {
		return f.fail(err)
	}
	f.setState(FlowExchanged)
	return cred, nil
}

// redirectHandler accepts exactly one redirect carrying code or error query
// parameters and replies with a static confirmation page.
func redirectHandler(stateToken string, results chan<- redirectResult) http.Handler {
	var once sync.Once
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		var res redirectResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied by provider: %s", q.Get("error"))
		case q.Get("state") != stateToken:
			res.err = fmt.Errorf("state token mismatch in redirect")
		case q.Get("code") == "":
			res.err = fmt.Errorf("authorization code missing from redirect")
		default:
			res.code = q.Get("code")
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "<html><body><h1>Authorization failed</h1><p>Return to the terminal for details.</p></body></html>")
		} else {
			fmt.Fprint(w, "<html><body><h1>Authorization successful</h1><p>You can close this window and return to the terminal.</p></body></html>")
		}

		once.Do(func() { results <- res })
	})
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
