// Package router selects providers for tasks and runs them with fallback.
package router

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/logging"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/process"
	"github.com/theirongolddev/cdispatch/internal/provider"
	"github.com/theirongolddev/cdispatch/internal/workspace"
)

// Store is the session store as seen by the router.
type Store interface {
	process.SessionStore
	CreateSession(ctx context.Context, workspacePath, provider string, task *string) (model.Session, error)
	GetSessionStats(ctx context.Context, sessionID string) (model.SessionStats, bool, error)
	AddQualityCheck(ctx context.Context, sessionID, name string, passed bool, output string) (model.QualityCheck, error)
}

// DiffProbe reports the change footprint of a workspace.
type DiffProbe func(ctx context.Context, dir string) (workspace.Diff, error)

// CheckRunner runs post-run quality checks in a workspace.
type CheckRunner func(ctx context.Context, dir string, checks []config.QualityCheckConfig) []workspace.CheckResult

// Option configures a Router.
type Option func(*Router)

// WithDiffProbe replaces the git diff probe. A nil probe disables it.
func WithDiffProbe(p DiffProbe) Option {
	return func(r *Router) { r.diff = p }
}

// WithCheckRunner replaces the quality check runner.
func WithCheckRunner(c CheckRunner) Option {
	return func(r *Router) { r.checks = c }
}

type rule struct {
	re       *regexp.Regexp
	provider string
}

// Router picks providers and drives sessions through the supervisor. It
// treats its config as an immutable snapshot.
type Router struct {
	cfg      config.Config
	registry *provider.Registry
	store    Store
	sup      *process.Supervisor
	rules    []rule
	diff     DiffProbe
	checks   CheckRunner
	log      *logrus.Entry

	mu    sync.Mutex
	avail map[string]bool
}

// New builds a router over the given registry, store and supervisor.
func New(cfg config.Config, registry *provider.Registry, store Store, sup *process.Supervisor, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		registry: registry,
		store:    store,
		sup:      sup,
		diff:     workspace.DiffStats,
		checks:   workspace.RunQualityChecks,
		log:      logging.NewLogger("router"),
		avail:    make(map[string]bool),
	}
	for _, rr := range cfg.Routing.Rules {
		re, err := regexp.Compile("(?i)" + rr.Pattern)
		if err != nil {
			return nil, apperr.InvalidInput("invalid routing pattern " + rr.Pattern + ": " + err.Error())
		}
		r.rules = append(r.rules, rule{re: re, provider: rr.Provider})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Registry returns the provider registry.
func (r *Router) Registry() *provider.Registry {
	return r.registry
}

// Supervisor returns the process supervisor.
func (r *Router) Supervisor() *process.Supervisor {
	return r.sup
}

// IsAvailable reports whether name is registered, enabled and detected.
// Detection results are cached for the router's lifetime.
func (r *Router) IsAvailable(ctx context.Context, name string) bool {
	p, ok := r.registry.Get(name)
	if !ok || !r.cfg.Provider(name).IsEnabled() {
		return false
	}

	r.mu.Lock()
	cached, seen := r.avail[name]
	r.mu.Unlock()
	if seen {
		return cached
	}

	detected := p.Detect(ctx)
	r.mu.Lock()
	r.avail[name] = detected
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"provider": name, "available": detected}).Debug("provider detection")
	return detected
}

func (r *Router) markUnavailable(name string) {
	r.mu.Lock()
	r.avail[name] = false
	r.mu.Unlock()
}

// InvalidateAvailability clears cached detection results.
func (r *Router) InvalidateAvailability() {
	r.mu.Lock()
	r.avail = make(map[string]bool)
	r.mu.Unlock()
}

// Chain returns every available provider for task in precedence order:
// preferred, matching routing rules, the fallback list, then the remaining
// registered providers. Names appear once.
func (r *Router) Chain(ctx context.Context, task, preferred string) ([]provider.Provider, error) {
	var (
		chain []provider.Provider
		seen  = make(map[string]bool)
	)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if !r.IsAvailable(ctx, name) {
			return
		}
		p, _ := r.registry.Get(name)
		chain = append(chain, p)
	}

	if preferred != "" {
		if _, ok := r.registry.Get(preferred); !ok {
			return nil, apperr.ProviderNotFound(preferred)
		}
		add(preferred)
	}
	for _, rl := range r.rules {
		if rl.re.MatchString(task) {
			add(rl.provider)
		}
	}
	for _, name := range r.cfg.FallbackChain() {
		add(name)
	}
	for _, name := range r.registry.Names() {
		add(name)
	}
	return chain, nil
}

// SelectProvider returns the highest-precedence available provider for task.
func (r *Router) SelectProvider(ctx context.Context, task, preferred string) (provider.Provider, error) {
	chain, err := r.Chain(ctx, task, preferred)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, apperr.NoProviderAvailable(r.registry.Names())
	}
	return chain[0], nil
}

// RunOptions tune one Run call. A zero Timeout uses the configured default.
type RunOptions struct {
	Provider  string
	Mode      model.Mode
	Workspace string
	Timeout   time.Duration
	Model     string
	ExtraArgs []string
	Env       map[string]string
}

// Run executes task with the first provider in the chain that does not
// fail with an unavailable or rate-limited error.
func (r *Router) Run(ctx context.Context, task string, opts RunOptions) (model.RunResult, error) {
	if opts.Mode == "" {
		opts.Mode = model.ModeTask
	}
	ws, err := workspace.Resolve(opts.Workspace)
	if err != nil {
		return model.RunResult{}, err
	}

	chain, err := r.Chain(ctx, task, opts.Provider)
	if err != nil {
		return model.RunResult{}, err
	}
	if len(chain) == 0 {
		return model.RunResult{}, apperr.NoProviderAvailable(r.registry.Names())
	}

	var (
		tried   []string
		lastErr error
	)
	for _, p := range chain {
		log := r.log.WithFields(logrus.Fields{"provider": p.Name(), "mode": opts.Mode})
		res, err := r.attempt(ctx, p, task, ws, opts, log)
		if err == nil {
			return res, nil
		}
		if !apperr.IsFallbackable(err) {
			return model.RunResult{}, err
		}
		if apperr.Is(err, apperr.CodeProviderUnavailable) {
			r.markUnavailable(p.Name())
		}
		log.WithError(err).Warn("provider attempt failed, trying next")
		tried = append(tried, p.Name())
		lastErr = err
	}
	return model.RunResult{}, apperr.Exhausted(tried, lastErr)
}

func (r *Router) attempt(ctx context.Context, p provider.Provider, task, ws string, opts RunOptions, log *logrus.Entry) (model.RunResult, error) {
	sess, err := r.store.CreateSession(ctx, ws, p.Name(), &task)
	if err != nil {
		return model.RunResult{}, err
	}
	log = log.WithField("session", sess.ID)
	if err := r.store.AddSessionLog(ctx, sess.ID, model.RoleUser, task); err != nil {
		return model.RunResult{}, err
	}

	popts := provider.Options{
		Mode:      opts.Mode,
		Model:     opts.Model,
		ExtraArgs: opts.ExtraArgs,
		Env:       opts.Env,
	}
	h, err := r.sup.Spawn(ctx, sess.ID, p, task, ws, popts)
	if err != nil {
		return model.RunResult{}, err
	}
	log.Info("session started")

	if opts.Mode == model.ModeChat {
		return r.result(ctx, sess.ID, p.Name(), model.StatusRunning, "", "")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout()
	}
	c, err := r.sup.Wait(ctx, h, timeout)
	if err != nil {
		return model.RunResult{}, err
	}
	if c.Status != model.StatusCompleted && c.RateLimited {
		return model.RunResult{}, apperr.RateLimited(p.Name()).WithDetail("session", sess.ID)
	}

	r.foldDiff(ctx, sess.ID, ws, log)
	res, err := r.result(ctx, sess.ID, p.Name(), c.Status, c.Output, Summarize(c.ResultText, c.Output))
	if err != nil {
		return model.RunResult{}, err
	}
	if c.Status == model.StatusCompleted {
		res.QualityChecks, err = r.runChecks(ctx, sess.ID, ws)
		if err != nil {
			return model.RunResult{}, err
		}
	}
	log.WithField("status", c.Status).Info("session finished")
	return res, nil
}

// foldDiff overwrites the snapshot stats with the workspace diff.
func (r *Router) foldDiff(ctx context.Context, sessionID, ws string, log *logrus.Entry) {
	if r.diff == nil {
		return
	}
	d, err := r.diff(ctx, ws)
	if err != nil {
		if !errors.Is(err, workspace.ErrNotRepository) {
			log.WithError(err).Warn("workspace diff failed")
		}
		return
	}
	update := model.StatsUpdate{
		FilesChanged: model.Ptr(d.FilesChanged),
		LinesAdded:   model.Ptr(d.LinesAdded),
		LinesRemoved: model.Ptr(d.LinesRemoved),
	}
	if err := r.store.UpdateSessionStats(ctx, sessionID, update); err != nil {
		log.WithError(err).Warn("recording diff stats failed")
	}
}

func (r *Router) runChecks(ctx context.Context, sessionID, ws string) ([]model.QualityCheck, error) {
	if r.checks == nil || len(r.cfg.QualityChecks) == 0 {
		return nil, nil
	}
	var out []model.QualityCheck
	for _, cr := range r.checks(ctx, ws, r.cfg.QualityChecks) {
		qc, err := r.store.AddQualityCheck(ctx, sessionID, cr.Name, cr.Passed, cr.Output)
		if err != nil {
			return nil, err
		}
		out = append(out, qc)
	}
	return out, nil
}

func (r *Router) result(ctx context.Context, sessionID, providerName string, status model.Status, output, summary string) (model.RunResult, error) {
	stats, _, err := r.store.GetSessionStats(ctx, sessionID)
	if err != nil {
		return model.RunResult{}, err
	}
	return model.RunResult{
		SessionID: sessionID,
		Provider:  providerName,
		Status:    status,
		Output:    output,
		Stats:     stats,
		Summary:   summary,
	}, nil
}

// ResumeSession restarts the provider's own session in chat mode, reusing
// the existing session record.
func (r *Router) ResumeSession(ctx context.Context, sessionID string) (model.RunResult, error) {
	sess, ok, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.RunResult{}, err
	}
	if !ok {
		return model.RunResult{}, apperr.SessionNotFound(sessionID)
	}
	p, ok := r.registry.Get(sess.Provider)
	if !ok {
		return model.RunResult{}, apperr.ProviderNotFound(sess.Provider)
	}
	if !p.Capabilities().Resume {
		return model.RunResult{}, apperr.ResumeUnsupported(p.Name())
	}
	if sess.NativeSessionID == nil || *sess.NativeSessionID == "" {
		return model.RunResult{}, apperr.NoNativeSession(sessionID)
	}

	_, err = r.sup.Resume(ctx, sessionID, p, *sess.NativeSessionID, sess.WorkspacePath,
		provider.Options{Mode: model.ModeChat})
	if err != nil {
		return model.RunResult{}, err
	}
	r.log.WithFields(logrus.Fields{"session": sessionID, "provider": p.Name()}).Info("session resumed")
	return r.result(ctx, sessionID, p.Name(), model.StatusRunning, "", "")
}

// requireActive returns SESSION_NOT_FOUND for unknown sessions and
// SESSION_NOT_ACTIVE for sessions without a live process.
func (r *Router) requireActive(ctx context.Context, sessionID string) error {
	if r.sup.IsActive(sessionID) {
		return nil
	}
	_, ok, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.SessionNotFound(sessionID)
	}
	return apperr.SessionNotActive(sessionID)
}

// SendToSession forwards input to an active session.
func (r *Router) SendToSession(ctx context.Context, sessionID, input string) error {
	if err := r.requireActive(ctx, sessionID); err != nil {
		return err
	}
	return r.sup.Send(ctx, sessionID, input)
}

// TerminateSession stops an active session's process.
func (r *Router) TerminateSession(ctx context.Context, sessionID string, force bool) error {
	if err := r.requireActive(ctx, sessionID); err != nil {
		return err
	}
	return r.sup.Terminate(sessionID, force)
}

// PauseSession suspends an active session's process.
func (r *Router) PauseSession(ctx context.Context, sessionID string) error {
	if err := r.requireActive(ctx, sessionID); err != nil {
		return err
	}
	return r.sup.Pause(ctx, sessionID)
}

// UnpauseSession continues a paused session's process.
func (r *Router) UnpauseSession(ctx context.Context, sessionID string) error {
	if err := r.requireActive(ctx, sessionID); err != nil {
		return err
	}
	return r.sup.Unpause(ctx, sessionID)
}

// WaitForSession blocks until the session's process finishes and returns
// its final result. Already finished sessions return immediately.
func (r *Router) WaitForSession(ctx context.Context, sessionID string, timeout time.Duration) (model.RunResult, error) {
	sess, ok, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.RunResult{}, err
	}
	if !ok {
		return model.RunResult{}, apperr.SessionNotFound(sessionID)
	}
	c, err := r.sup.WaitForCompletion(ctx, sessionID, timeout)
	if err != nil {
		return model.RunResult{}, err
	}
	return r.result(ctx, sessionID, sess.Provider, c.Status, c.Output, Summarize(c.ResultText, c.Output))
}

// ProviderInfo describes one registered provider.
type ProviderInfo struct {
	Name         string                `json:"name"`
	Command      string                `json:"command"`
	Enabled      bool                  `json:"enabled"`
	Available    bool                  `json:"available"`
	Capabilities provider.Capabilities `json:"capabilities"`
	MCPConfig    string                `json:"mcp_config,omitempty"`
	SkillsConfig string                `json:"skills_config,omitempty"`
}

// Providers lists registered providers in registration order.
func (r *Router) Providers(ctx context.Context) []ProviderInfo {
	all := r.registry.All()
	out := make([]ProviderInfo, 0, len(all))
	for _, p := range all {
		out = append(out, ProviderInfo{
			Name:         p.Name(),
			Command:      p.Command(),
			Enabled:      r.cfg.Provider(p.Name()).IsEnabled(),
			Available:    r.IsAvailable(ctx, p.Name()),
			Capabilities: p.Capabilities(),
			MCPConfig:    p.MCPConfigPath(),
			SkillsConfig: p.SkillsConfigPath(),
		})
	}
	return out
}

// Shutdown terminates all live sessions.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.sup.Shutdown(ctx)
}
