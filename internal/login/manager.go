package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clawfounder/clawfounder/internal/accounts"
	"github.com/clawfounder/clawfounder/internal/worker"
)

// ErrNoSession indicates a cancel for a key with no login in flight.
var ErrNoSession = errors.New("login: no session in progress")

const (
	defaultHardTimeout   = 180 * time.Second
	defaultURLWait       = 15 * time.Second
	defaultRecencyWindow = 60 * time.Second
)

// Result is the terminal outcome of a login session, retained per key so
// status queries can report the last attempt.
type Result struct {
	OK       bool      `json:"ok"`
	Identity string    `json:"identity,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// StartResponse is what the HTTP caller receives when a login begins.
// Status is "awaiting_user" when an authorization URL is available,
// "started" when the flow runs out-of-band, "succeeded" when the flow
// finished before the caller was answered.
type StartResponse struct {
	Status  string `json:"status"`
	AuthURL string `json:"authUrl,omitempty"`
}

// Manager owns every in-flight login session, at most one per
// (connector, accountId) key. Starting a login for a busy key kills and
// replaces the old session rather than queueing.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	results  map[string]Result

	launcher worker.Launcher
	registry *accounts.Store
	flows    map[string]Flow
	credDir  string

	// HardTimeout force-kills any session that has not reached a terminal
	// state. URLWait bounds how long a caller waits for an authorization
	// URL before getting a generic "started" answer.
	HardTimeout time.Duration
	URLWait     time.Duration

	// CredentialRecencyWindow tolerates non-zero exits from delegated CLIs:
	// a credential artifact written within the window still counts as
	// success. The heuristic is racy under clock skew; the window is
	// configurable for that reason.
	CredentialRecencyWindow time.Duration
}

type session struct {
	key       string
	connector string
	accountID string
	flow      Flow
	handle    worker.Handle
	started   time.Time
	timer     *time.Timer

	lines     []string // appended only by the watcher goroutine
	cancelled bool
	timedOut  bool
	awaiting  bool // URL helper exited; waiting for the redirect code
}

// NewManager wires a login manager over the given flow table.
func NewManager(launcher worker.Launcher, registry *accounts.Store, flows map[string]Flow) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		results:  make(map[string]Result),
		launcher: launcher,
		registry: registry,
		flows:    flows,
		credDir:  registry.CredentialDir(),
	}
}

func sessionKey(connector, accountID string) string {
	return connector + ":" + accountID
}

func (m *Manager) hardTimeout() time.Duration {
	if m.HardTimeout > 0 {
		return m.HardTimeout
	}
	return defaultHardTimeout
}

func (m *Manager) urlWait() time.Duration {
	if m.URLWait > 0 {
		return m.URLWait
	}
	return defaultURLWait
}

func (m *Manager) recencyWindow() time.Duration {
	if m.CredentialRecencyWindow > 0 {
		return m.CredentialRecencyWindow
	}
	return defaultRecencyWindow
}

// StartLogin begins a delegated login for (connector, accountID), replacing
// any session already running under the same key. For browser-code flows the
// response carries the authorization URL once the worker prints it; CLI
// flows answer "started" immediately.
func (m *Manager) StartLogin(ctx context.Context, connector, accountID string) (StartResponse, error) {
	flow, ok := m.flows[connector]
	if !ok {
		return StartResponse{}, fmt.Errorf("login: connector %q has no delegated flow", connector)
	}
	if accountID == "" {
		accountID = accounts.DefaultAccountID
	}
	if !accounts.ValidID(accountID) {
		return StartResponse{}, fmt.Errorf("login: invalid account id %q", accountID)
	}
	key := sessionKey(connector, accountID)

	m.mu.Lock()
	if old := m.sessions[key]; old != nil {
		m.removeLocked(old, "replaced")
	}
	handle, err := m.launcher.Launch(context.Background(), flow.Start(accountID))
	if err != nil {
		m.mu.Unlock()
		return StartResponse{}, fmt.Errorf("login: spawn: %w", err)
	}
	sess := &session{
		key:       key,
		connector: connector,
		accountID: accountID,
		flow:      flow,
		handle:    handle,
		started:   time.Now(),
	}
	sess.timer = time.AfterFunc(m.hardTimeout(), func() { m.expire(sess) })
	m.sessions[key] = sess
	m.mu.Unlock()

	log.Printf("[LoginManager] %s: session started (pid %d)", key, handle.PID())

	urlCh := make(chan string, 1)
	resultCh := make(chan Result, 1)
	go m.watch(sess, urlCh, resultCh)

	if flow.Immediate {
		return StartResponse{Status: "started"}, nil
	}
	select {
	case u := <-urlCh:
		return StartResponse{Status: "awaiting_user", AuthURL: u}, nil
	case res := <-resultCh:
		if res.OK {
			return StartResponse{Status: "succeeded"}, nil
		}
		return StartResponse{}, errors.New(res.Error)
	case <-time.After(m.urlWait()):
		return StartResponse{Status: "started"}, nil
	case <-ctx.Done():
		return StartResponse{}, ctx.Err()
	}
}

// watch drains the session's stdout, relaying the first authorization URL,
// then settles the session once the process exits.
func (m *Manager) watch(sess *session, urlCh chan<- string, resultCh chan<- Result) {
	urlSent := false
	for line := range sess.handle.Lines() {
		sess.lines = append(sess.lines, line)
		if !urlSent {
			if u := authURL(line); u != "" {
				urlSent = true
				urlCh <- u
			}
		}
	}
	<-sess.handle.Done()
	if res, settled := m.finish(sess, sess.handle.ExitCode()); settled {
		resultCh <- res
	}
}

// finish resolves the session after process exit. It reports settled=false
// when the session was cancelled or replaced, or when a browser-code flow
// is still awaiting its redirect code.
func (m *Manager) finish(sess *session, exitCode int) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.cancelled || m.sessions[sess.key] != sess {
		return Result{}, false
	}

	obj := lastJSON(sess.lines)
	identity := identityFrom(obj)
	if v, ok := obj["success"].(bool); ok && !v {
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = "login reported failure"
		}
		return m.failLocked(sess, msg), true
	}
	// URL helpers report misconfiguration as {"error": ...} and still exit
	// zero. Without this check the session would park awaiting a code that
	// can never arrive.
	if msg, ok := obj["error"].(string); ok && msg != "" {
		if _, hasURL := obj["authUrl"]; !hasURL && identity == "" {
			return m.failLocked(sess, msg), true
		}
	}

	if exitCode == 0 {
		if sess.flow.AwaitsCode && identity == "" {
			// URL helper is done; the session now waits for the OAuth
			// redirect to deliver a code.
			sess.awaiting = true
			sess.handle = nil
			return Result{}, false
		}
		return m.succeedLocked(sess, identity), true
	}

	if sess.timedOut {
		return m.failLocked(sess, "login timed out"), true
	}

	// Some delegated CLIs exit non-zero on benign warnings. A fresh
	// credential artifact is the real signal.
	if path := sess.flow.artifactPath(m.credDir, sess.accountID); path != "" {
		if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) <= m.recencyWindow() {
			return m.succeedLocked(sess, identity), true
		}
	}

	msg := fmt.Sprintf("login process exited with code %d", exitCode)
	if stderr := strings.TrimSpace(sess.handle.Stderr()); stderr != "" {
		msg += ": " + tail(stderr, 300)
	}
	return m.failLocked(sess, msg), true
}

func (m *Manager) succeedLocked(sess *session, identity string) Result {
	sess.timer.Stop()
	delete(m.sessions, sess.key)

	credFile := ""
	if sess.flow.CredentialFile != nil {
		credFile = sess.flow.CredentialFile(sess.accountID)
	}
	if _, err := m.registry.UpsertLogin(sess.connector, sess.accountID, identity, credFile); err != nil {
		log.Printf("[LoginManager] %s: registry upsert failed: %v", sess.key, err)
	}
	// Materialize the credential record before answering so connectivity
	// checks flip immediately; tools like gcloud write their real artifact
	// elsewhere and never touch this file.
	if err := ensureCredentialRecord(sess.flow.credentialPath(m.credDir, sess.accountID), identity); err != nil {
		log.Printf("[LoginManager] %s: credential record write failed: %v", sess.key, err)
	}

	res := Result{OK: true, Identity: identity, At: time.Now()}
	m.results[sess.key] = res
	log.Printf("[LoginManager] %s: login succeeded (%s)", sess.key, identity)

	if sess.flow.Enrich != nil {
		flow, path := sess.flow, sess.flow.credentialPath(m.credDir, sess.accountID)
		key := sess.key
		go func() {
			if err := flow.Enrich(context.Background(), m.launcher, path); err != nil {
				log.Printf("[LoginManager] %s: enrichment failed: %v", key, err)
			}
		}()
	}
	return res
}

func (m *Manager) failLocked(sess *session, msg string) Result {
	sess.timer.Stop()
	delete(m.sessions, sess.key)
	res := Result{Error: msg, At: time.Now()}
	m.results[sess.key] = res
	log.Printf("[LoginManager] %s: login failed: %s", sess.key, msg)
	return res
}

// expire enforces the hard timeout.
func (m *Manager) expire(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[sess.key] != sess {
		return
	}
	sess.timedOut = true
	if sess.awaiting || sess.handle == nil {
		m.failLocked(sess, "login timed out")
		return
	}
	log.Printf("[LoginManager] %s: hard timeout, killing login process", sess.key)
	sess.handle.Kill()
}

// Cancel kills the session for (connector, accountID) and removes it.
// Credential artifacts already written stay in place.
func (m *Manager) Cancel(connector, accountID string) error {
	if accountID == "" {
		accountID = accounts.DefaultAccountID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionKey(connector, accountID)]
	if sess == nil {
		return ErrNoSession
	}
	m.removeLocked(sess, "cancelled")
	return nil
}

// removeLocked detaches a session without recording a result.
func (m *Manager) removeLocked(sess *session, reason string) {
	sess.cancelled = true
	sess.timer.Stop()
	if sess.handle != nil {
		sess.handle.Kill()
	}
	delete(m.sessions, sess.key)
	log.Printf("[LoginManager] %s: session %s", sess.key, reason)
}

// CompleteCode finishes a browser-code flow by exchanging the OAuth redirect
// code. A pending session for the key is superseded; the exchange also works
// without one, e.g. after a daemon restart mid-flow.
func (m *Manager) CompleteCode(ctx context.Context, connector, accountID, code string) (Result, error) {
	flow, ok := m.flows[connector]
	if !ok || flow.Exchange == nil {
		return Result{}, fmt.Errorf("login: connector %q has no code exchange", connector)
	}
	if accountID == "" {
		accountID = accounts.DefaultAccountID
	}
	if strings.TrimSpace(code) == "" {
		return Result{}, errors.New("login: empty authorization code")
	}
	key := sessionKey(connector, accountID)

	m.mu.Lock()
	if sess := m.sessions[key]; sess != nil {
		m.removeLocked(sess, "superseded by code exchange")
	}
	m.mu.Unlock()

	handle, err := m.launcher.Launch(ctx, flow.Exchange(accountID, code))
	if err != nil {
		return m.record(key, Result{Error: "exchange spawn failed: " + err.Error()}), nil
	}
	handle.Stdin().Close()

	var lines []string
	for line := range handle.Lines() {
		lines = append(lines, line)
	}
	select {
	case <-handle.Done():
	case <-time.After(m.hardTimeout()):
		handle.Kill()
		<-handle.Done()
	}

	obj := lastJSON(lines)
	identity := identityFrom(obj)
	success, _ := obj["success"].(bool)
	if handle.ExitCode() != 0 || !success {
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = fmt.Sprintf("code exchange exited with code %d", handle.ExitCode())
			if stderr := strings.TrimSpace(handle.Stderr()); stderr != "" {
				msg += ": " + tail(stderr, 300)
			}
		}
		return m.record(key, Result{Error: msg}), nil
	}

	credFile := ""
	if flow.CredentialFile != nil {
		credFile = flow.CredentialFile(accountID)
	}
	if _, err := m.registry.UpsertLogin(connector, accountID, identity, credFile); err != nil {
		log.Printf("[LoginManager] %s: registry upsert failed: %v", key, err)
	}
	if err := ensureCredentialRecord(flow.credentialPath(m.credDir, accountID), identity); err != nil {
		log.Printf("[LoginManager] %s: credential record write failed: %v", key, err)
	}
	log.Printf("[LoginManager] %s: code exchange succeeded (%s)", key, identity)
	return m.record(key, Result{OK: true, Identity: identity}), nil
}

func (m *Manager) record(key string, res Result) Result {
	res.At = time.Now()
	m.mu.Lock()
	m.results[key] = res
	m.mu.Unlock()
	return res
}

// AwaitingCode returns the account of the session waiting for connector's
// OAuth redirect code, when one exists.
func (m *Manager) AwaitingCode(connector string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.connector == connector && sess.awaiting {
			return sess.accountID, true
		}
	}
	return "", false
}

// InProgress reports whether a session is live for the key.
func (m *Manager) InProgress(connector, accountID string) bool {
	if accountID == "" {
		accountID = accounts.DefaultAccountID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(connector, accountID)] != nil
}

// LastResult returns the outcome of the most recent settled login for the
// key, if any.
func (m *Manager) LastResult(connector, accountID string) (Result, bool) {
	if accountID == "" {
		accountID = accounts.DefaultAccountID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[sessionKey(connector, accountID)]
	return res, ok
}

// authURL extracts an authorization URL from one stdout line, when the line
// is a JSON object carrying one.
func authURL(line string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return ""
	}
	if u, ok := obj["authUrl"].(string); ok {
		return u
	}
	return ""
}

// lastJSON returns the last stdout line that parses as a JSON object.
// A nil map means no line did.
func lastJSON(lines []string) map[string]any {
	for i := len(lines) - 1; i >= 0; i-- {
		var obj map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &obj); err == nil && obj != nil {
			return obj
		}
	}
	return nil
}

// identityFrom pulls the resulting identity out of a worker's final JSON.
func identityFrom(obj map[string]any) string {
	for _, field := range []string{"email", "identity", "account"} {
		if v, ok := obj[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
