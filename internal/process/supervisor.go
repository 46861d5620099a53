// Package process supervises the external tool subprocesses behind sessions.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/logging"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/provider"
)

const (
	// DefaultGraceWindow is how long a graceful terminate waits before SIGKILL.
	DefaultGraceWindow = 5 * time.Second
	// DefaultSendTimeout bounds a stdin write to a process that is not reading.
	DefaultSendTimeout = 10 * time.Second
)

// SessionStore is the subset of the session store the supervisor writes to.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (model.Session, bool, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.Status) error
	UpdateSessionPID(ctx context.Context, id string, pid *int) error
	UpdateNativeSessionID(ctx context.Context, id, nativeID string) error
	AddSessionLog(ctx context.Context, sessionID string, role model.Role, content string) error
	GetSessionLogs(ctx context.Context, sessionID string) ([]model.SessionLog, error)
	UpdateSessionStats(ctx context.Context, sessionID string, u model.StatsUpdate) error
}

// Event reports a session status change observed by the supervisor.
type Event struct {
	SessionID string       `json:"session_id"`
	Provider  string       `json:"provider"`
	Status    model.Status `json:"status"`
	PID       int          `json:"pid,omitempty"`
	Time      time.Time    `json:"time"`
}

// Completion is the outcome of a finished process.
type Completion struct {
	Status      model.Status
	Output      string
	ResultText  string
	RateLimited bool
}

// Handle identifies a started process.
type Handle struct {
	SessionID string
	PID       int
	StartedAt time.Time

	proc *managed
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGraceWindow sets the SIGTERM to SIGKILL escalation delay.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithSendTimeout bounds how long Send may block on a full stdin pipe.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.sendTimeout = d }
}

// WithPricing enables cost estimation for chunks that report tokens but no cost.
func WithPricing(cfg config.Config) Option {
	return func(s *Supervisor) { s.pricing = cfg.LookupPricing }
}

// WithStatusObserver registers fn to receive every status change.
func WithStatusObserver(fn func(Event)) Option {
	return func(s *Supervisor) { s.observer = fn }
}

// Supervisor spawns provider processes under a global concurrency ceiling.
type Supervisor struct {
	store       SessionStore
	limit       int
	grace       time.Duration
	sendTimeout time.Duration
	pricing     func(provider string) (config.ProviderPricing, bool)
	observer    func(Event)
	log         *logrus.Entry

	mu     sync.Mutex
	procs  map[string]*managed
	active int
}

// NewSupervisor creates a supervisor allowing at most limit live processes.
func NewSupervisor(store SessionStore, limit int, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:       store,
		limit:       limit,
		grace:       DefaultGraceWindow,
		sendTimeout: DefaultSendTimeout,
		log:         logging.NewLogger("supervisor"),
		procs:       make(map[string]*managed),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// managed is the live handle for one process.
type managed struct {
	sessionID string
	provider  provider.Provider
	cmd       *exec.Cmd
	workspace string
	startedAt time.Time

	stdinMu sync.Mutex
	stdin   *os.File

	mu          sync.Mutex
	output      strings.Builder
	resultText  string
	nativeID    string
	rateLimited bool
	doneSeen    bool
	exited      bool
	timedOut    bool

	done   chan struct{}
	result Completion
}

// expire marks the process as timed out unless Wait has already returned.
func (m *managed) expire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exited {
		return false
	}
	m.timedOut = true
	return true
}

// exit records that Wait returned and reports whether a deadline fired first.
func (m *managed) exit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exited = true
	return m.timedOut
}

func (m *managed) pid() int {
	if m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Spawn starts a fresh invocation of p for the session.
func (s *Supervisor) Spawn(ctx context.Context, sessionID string, p provider.Provider, task, workspace string, opts provider.Options) (Handle, error) {
	if opts.Mode == "" {
		opts.Mode = model.ModeTask
	}
	return s.start(ctx, sessionID, p, p.BuildArgs(task, opts), workspace, opts)
}

// Resume restarts a provider's own session in chat mode. The provider must
// support resume.
func (s *Supervisor) Resume(ctx context.Context, sessionID string, p provider.Provider, nativeSessionID, workspace string, opts provider.Options) (Handle, error) {
	if !p.Capabilities().Resume {
		return Handle{}, apperr.ResumeUnsupported(p.Name())
	}
	opts.Mode = model.ModeChat
	return s.start(ctx, sessionID, p, p.BuildResumeArgs(nativeSessionID, opts), workspace, opts)
}

func (s *Supervisor) reserve(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[sessionID]; ok {
		return apperr.InvalidInput(fmt.Sprintf("session '%s' already has a running process", sessionID))
	}
	if s.active >= s.limit {
		return apperr.CapacityExceeded(s.limit)
	}
	s.active++
	return nil
}

func (s *Supervisor) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Supervisor) start(ctx context.Context, sessionID string, p provider.Provider, args []string, workspace string, opts provider.Options) (Handle, error) {
	if err := s.reserve(sessionID); err != nil {
		return Handle{}, err
	}

	log := s.log.WithFields(logrus.Fields{"session": sessionID, "provider": p.Name()})

	cmd := exec.Command(p.Command(), args...)
	cmd.Dir = workspace
	cmd.Env = mergeEnv(os.Environ(), p.Env(), opts.Env)
	setProcessGroup(cmd)

	m := &managed{
		sessionID: sessionID,
		provider:  p,
		cmd:       cmd,
		workspace: workspace,
		done:      make(chan struct{}),
	}

	stdinR, stdin, stdout, stderr, err := pipes(cmd)
	if err == nil {
		err = cmd.Start()
		_ = stdinR.Close()
		if err != nil {
			_ = stdin.Close()
		}
	}
	if err != nil {
		s.release()
		return Handle{}, s.spawnFailed(ctx, log, sessionID, p, err)
	}
	m.startedAt = time.Now()
	m.stdin = stdin
	if opts.Mode != model.ModeChat {
		_ = stdin.Close()
		m.stdin = nil
	}

	s.mu.Lock()
	s.procs[sessionID] = m
	s.mu.Unlock()

	pid := m.pid()
	log = log.WithField("pid", pid)

	// Pid and status are written before the output goroutines start so an
	// instant exit cannot be overwritten by the running status. The pid goes
	// first: a running session without one looks stale to the reaper.
	persistErr := s.store.UpdateSessionPID(ctx, sessionID, &pid)
	if persistErr == nil {
		persistErr = s.store.UpdateSessionStatus(ctx, sessionID, model.StatusRunning)
	}

	if persistErr != nil {
		log.WithError(persistErr).Error("recording spawn failed, killing process")
		_ = signalGroup(pid, syscall.SIGKILL)
		go s.supervise(m, stdout, stderr, log)
		return Handle{}, persistErr
	}

	log.WithField("args", len(args)).Info("process started")
	s.notify(m, model.StatusRunning)
	go s.supervise(m, stdout, stderr, log)
	return Handle{SessionID: sessionID, PID: pid, StartedAt: m.startedAt, proc: m}, nil
}

// pipes wires the standard streams. stdin is a plain os.Pipe so writes can
// carry a deadline; the caller closes its read end once the process starts.
func pipes(cmd *exec.Cmd) (*os.File, *os.File, io.ReadCloser, io.ReadCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cmd.Stdin = pr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_, _ = pr.Close(), pw.Close()
		return nil, nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_, _ = pr.Close(), pw.Close()
		return nil, nil, nil, nil, err
	}
	return pr, pw, stdout, stderr, nil
}

// spawnFailed records a process that never started as crashed.
func (s *Supervisor) spawnFailed(ctx context.Context, log *logrus.Entry, sessionID string, p provider.Provider, err error) error {
	log.WithError(err).Error("process failed to start")
	_ = s.store.AddSessionLog(ctx, sessionID, model.RoleSystem, "failed to start process: "+err.Error())
	if uerr := s.store.UpdateSessionStatus(ctx, sessionID, model.StatusCrashed); uerr != nil {
		log.WithError(uerr).Error("recording crashed status failed")
	}
	if s.observer != nil {
		s.observer(Event{SessionID: sessionID, Provider: p.Name(), Status: model.StatusCrashed, Time: time.Now()})
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return apperr.ProviderUnavailable(p.Name(), err.Error())
	}
	return apperr.ProcessCrashed(sessionID, err)
}

// supervise drains both output streams, then waits for exit and finalizes.
func (s *Supervisor) supervise(m *managed, stdout, stderr io.Reader, log *logrus.Entry) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdout, func(chunk string) { s.handleStdout(m, chunk, log) })
	}()
	go func() {
		defer wg.Done()
		readLines(stderr, func(chunk string) { s.handleStderr(m, chunk, log) })
	}()
	wg.Wait()

	waitErr := m.cmd.Wait()
	s.finalize(m, waitErr, log)
}

func readLines(r io.Reader, fn func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) handleStdout(m *managed, chunk string, log *logrus.Entry) {
	ctx := context.Background()

	m.mu.Lock()
	m.output.WriteString(chunk)
	m.mu.Unlock()

	if err := s.store.AddSessionLog(ctx, m.sessionID, model.RoleAssistant, chunk); err != nil {
		log.WithError(err).Warn("persisting output failed")
	}

	res := m.provider.ParseOutput(chunk)
	if update := s.statsFromParse(m.provider.Name(), res); !update.IsEmpty() {
		if err := s.store.UpdateSessionStats(ctx, m.sessionID, update); err != nil {
			log.WithError(err).Warn("updating stats failed")
		}
	}

	m.mu.Lock()
	newNative := res.NativeSessionID != "" && res.NativeSessionID != m.nativeID
	if newNative {
		m.nativeID = res.NativeSessionID
	}
	if res.ResultText != "" {
		m.resultText = res.ResultText
	}
	if res.RateLimited {
		m.rateLimited = true
	}
	firstDone := !m.doneSeen && m.provider.IsTaskComplete(chunk)
	if firstDone {
		m.doneSeen = true
	}
	m.mu.Unlock()

	if newNative {
		if err := s.store.UpdateNativeSessionID(ctx, m.sessionID, res.NativeSessionID); err != nil {
			log.WithError(err).Warn("recording native session id failed")
		}
	}
	if res.RateLimited {
		log.Warn("provider reported rate limiting")
	}
	if firstDone {
		log.Debug("output signals task completion; waiting for exit")
	}
}

func (s *Supervisor) handleStderr(m *managed, chunk string, log *logrus.Entry) {
	m.mu.Lock()
	m.output.WriteString(chunk)
	m.mu.Unlock()

	if err := s.store.AddSessionLog(context.Background(), m.sessionID, model.RoleSystem, chunk); err != nil {
		log.WithError(err).Warn("persisting stderr failed")
	}

	// Tools usually report throttling on stderr.
	if m.provider.ParseOutput(chunk).RateLimited {
		m.mu.Lock()
		m.rateLimited = true
		m.mu.Unlock()
		log.Warn("provider reported rate limiting")
	}
}

// statsFromParse converts parsed signals to an additive stats update,
// estimating cost from pricing when only tokens were reported.
func (s *Supervisor) statsFromParse(providerName string, res provider.ParseResult) model.StatsUpdate {
	var u model.StatsUpdate
	if res.Tokens != nil {
		u.TokensIn = model.Ptr(res.Tokens.In)
		u.TokensOut = model.Ptr(res.Tokens.Out)
	}
	switch {
	case res.Cost != nil:
		u.CostEstimate = model.Ptr(*res.Cost)
	case res.Tokens != nil && s.pricing != nil:
		if pricing, ok := s.pricing(providerName); ok {
			u.CostEstimate = model.Ptr(pricing.CalculateCost(res.Tokens.In, res.Tokens.Out))
		}
	}
	if res.FilesChanged != nil {
		u.FilesChanged = model.Ptr(*res.FilesChanged)
	}
	return u
}

// classify maps a Wait result to a terminal status.
func classify(waitErr error, timedOut bool) model.Status {
	if timedOut {
		return model.StatusTimeout
	}
	if waitErr == nil {
		return model.StatusCompleted
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if exitErr.ExitCode() < 0 {
			return model.StatusCrashed
		}
		return model.StatusFailed
	}
	return model.StatusCrashed
}

// finalize records the terminal state and releases the capacity slot.
// It runs exactly once per started process.
func (s *Supervisor) finalize(m *managed, waitErr error, log *logrus.Entry) {
	ctx := context.Background()
	status := classify(waitErr, m.exit())
	duration := time.Since(m.startedAt).Seconds()
	if m.stdin != nil {
		_ = m.stdin.Close()
	}

	if err := s.store.UpdateSessionStats(ctx, m.sessionID, model.StatsUpdate{DurationSeconds: &duration}); err != nil {
		log.WithError(err).Warn("recording duration failed")
	}
	if err := s.store.UpdateSessionPID(ctx, m.sessionID, nil); err != nil {
		log.WithError(err).Warn("clearing pid failed")
	}
	if err := s.store.UpdateSessionStatus(ctx, m.sessionID, status); err != nil {
		log.WithError(err).Error("recording final status failed")
	}

	s.mu.Lock()
	delete(s.procs, m.sessionID)
	s.active--
	s.mu.Unlock()

	m.mu.Lock()
	m.result = Completion{
		Status:      status,
		Output:      m.output.String(),
		ResultText:  m.resultText,
		RateLimited: m.rateLimited,
	}
	m.mu.Unlock()
	close(m.done)

	entry := log.WithFields(logrus.Fields{"status": status, "duration": fmt.Sprintf("%.1fs", duration)})
	if waitErr != nil {
		entry = entry.WithError(waitErr)
	}
	entry.Info("process exited")
	s.notify(m, status)
}

func (s *Supervisor) notify(m *managed, status model.Status) {
	if s.observer == nil {
		return
	}
	s.observer(Event{
		SessionID: m.sessionID,
		Provider:  m.provider.Name(),
		Status:    status,
		PID:       m.pid(),
		Time:      time.Now(),
	})
}

func (s *Supervisor) lookup(sessionID string) *managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

// IsActive reports whether the session has a live process.
func (s *Supervisor) IsActive(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

// ActiveCount returns the number of live processes.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveSessions returns the ids of sessions with live processes, sorted.
func (s *Supervisor) ActiveSessions() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Limit returns the concurrency ceiling.
func (s *Supervisor) Limit() int {
	return s.limit
}

// Send writes input and a newline to the process's stdin.
func (s *Supervisor) Send(ctx context.Context, sessionID, input string) error {
	m := s.lookup(sessionID)
	if m == nil {
		return apperr.SessionNotActive(sessionID)
	}

	m.stdinMu.Lock()
	defer m.stdinMu.Unlock()
	if m.stdin == nil {
		return apperr.InvalidInput(fmt.Sprintf("session '%s' does not accept input", sessionID))
	}
	if err := s.store.AddSessionLog(ctx, sessionID, model.RoleUser, input); err != nil {
		return err
	}

	budget := s.sendTimeout
	if d, ok := ctx.Deadline(); ok && time.Until(d) < budget {
		budget = time.Until(d)
	}
	_ = m.stdin.SetWriteDeadline(time.Now().Add(budget))
	if _, err := io.WriteString(m.stdin, input+"\n"); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return apperr.Timeout(sessionID, budget).WithDetail("operation", "send")
		}
		return apperr.ProcessCrashed(sessionID, err)
	}
	return nil
}

// Terminate stops the session's process. The graceful path sends SIGTERM and
// escalates to SIGKILL after the grace window; force sends SIGKILL at once.
// It does not wait for the exit to be classified.
func (s *Supervisor) Terminate(sessionID string, force bool) error {
	m := s.lookup(sessionID)
	if m == nil {
		return apperr.SessionNotActive(sessionID)
	}
	s.terminate(m, force)
	return nil
}

func (s *Supervisor) terminate(m *managed, force bool) {
	pid := m.pid()
	log := s.log.WithFields(logrus.Fields{"session": m.sessionID, "pid": pid, "force": force})
	if force {
		log.Info("killing process")
		_ = signalGroup(pid, syscall.SIGKILL)
		return
	}

	log.Info("terminating process")
	_ = signalGroup(pid, syscall.SIGTERM)
	// A stopped process cannot act on SIGTERM.
	_ = signalGroup(pid, syscall.SIGCONT)
	go func() {
		select {
		case <-m.done:
		case <-time.After(s.grace):
			log.Warn("grace window elapsed, killing process")
			_ = signalGroup(pid, syscall.SIGKILL)
		}
	}()
}

// Pause stops the process with SIGSTOP and records the paused status.
func (s *Supervisor) Pause(ctx context.Context, sessionID string) error {
	return s.setStopped(ctx, sessionID, syscall.SIGSTOP, model.StatusPaused)
}

// Unpause continues a paused process and records the running status.
func (s *Supervisor) Unpause(ctx context.Context, sessionID string) error {
	return s.setStopped(ctx, sessionID, syscall.SIGCONT, model.StatusRunning)
}

func (s *Supervisor) setStopped(ctx context.Context, sessionID string, sig syscall.Signal, status model.Status) error {
	m := s.lookup(sessionID)
	if m == nil {
		return apperr.SessionNotActive(sessionID)
	}
	if err := signalGroup(m.pid(), sig); err != nil {
		return apperr.ProcessCrashed(sessionID, err)
	}
	if err := s.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"session": sessionID, "status": status}).Info("process state changed")
	s.notify(m, status)
	return nil
}

// WaitForCompletion blocks until the session's process is classified or the
// timeout elapses. A zero timeout waits indefinitely. On timeout the process
// is killed, its exit is recorded as timeout, and a TIMEOUT error is returned
// with the output gathered so far.
//
// Sessions that are already terminal return their persisted output.
func (s *Supervisor) WaitForCompletion(ctx context.Context, sessionID string, timeout time.Duration) (Completion, error) {
	m := s.lookup(sessionID)
	if m == nil {
		return s.persistedCompletion(ctx, sessionID)
	}
	return s.await(ctx, m, timeout)
}

// Wait is WaitForCompletion for a handle returned by Spawn or Resume. It
// reads the handle's own result, so a process that exits before Wait is
// called still reports its rate-limit flag and result text.
func (s *Supervisor) Wait(ctx context.Context, h Handle, timeout time.Duration) (Completion, error) {
	if h.proc == nil {
		return s.WaitForCompletion(ctx, h.SessionID, timeout)
	}
	return s.await(ctx, h.proc, timeout)
}

func (s *Supervisor) await(ctx context.Context, m *managed, timeout time.Duration) (Completion, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-m.done:
		return m.result, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-expired:
	}

	if !m.expire() {
		// Exited on its own as the deadline fired.
		<-m.done
		return m.result, nil
	}
	s.log.WithFields(logrus.Fields{"session": m.sessionID, "timeout": timeout}).Warn("wait deadline exceeded")
	s.terminate(m, true)

	select {
	case <-m.done:
		return m.result, apperr.Timeout(m.sessionID, timeout)
	case <-time.After(s.grace):
		m.mu.Lock()
		out := m.output.String()
		m.mu.Unlock()
		return Completion{Status: model.StatusTimeout, Output: out}, apperr.Timeout(m.sessionID, timeout)
	}
}

func (s *Supervisor) persistedCompletion(ctx context.Context, sessionID string) (Completion, error) {
	sess, ok, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Completion{}, err
	}
	if !ok {
		return Completion{}, apperr.SessionNotFound(sessionID)
	}
	if !sess.Status.IsTerminal() {
		return Completion{}, apperr.SessionNotActive(sessionID)
	}
	logs, err := s.store.GetSessionLogs(ctx, sessionID)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Status: sess.Status, Output: OutputFromLogs(logs)}, nil
}

// OutputFromLogs rebuilds process output from assistant and system entries.
func OutputFromLogs(logs []model.SessionLog) string {
	var b strings.Builder
	for _, l := range logs {
		if l.Role == model.RoleUser {
			continue
		}
		b.WriteString(l.Content)
	}
	return b.String()
}

// Shutdown terminates every live process and waits for them to be
// classified or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*managed, 0, len(s.procs))
	for _, m := range s.procs {
		live = append(live, m)
	}
	s.mu.Unlock()

	if len(live) > 0 {
		s.log.WithField("count", len(live)).Info("shutting down live processes")
	}
	for _, m := range live {
		s.terminate(m, false)
	}
	for _, m := range live {
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// mergeEnv overlays each layer onto base. Later layers win.
func mergeEnv(base []string, layers ...map[string]string) []string {
	env := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := env[k]; !seen {
			order = append(order, k)
		}
		env[k] = v
	}
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := env[k]; !seen {
				order = append(order, k)
			}
			env[k] = layer[k]
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}
