package process

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/provider"
	"github.com/theirongolddev/cdispatch/internal/store"
)

var (
	shTokensRe  = regexp.MustCompile(`(?i)tokens:\s*(\d+)/(\d+)`)
	shSessionRe = regexp.MustCompile(`(?i)native:\s*(\S+)`)
)

// shProvider runs its task text as a /bin/sh script.
type shProvider struct {
	name    string
	command string
	env     map[string]string
	resume  bool
}

func (p *shProvider) Name() string { return p.name }

func (p *shProvider) Command() string {
	if p.command != "" {
		return p.command
	}
	return "/bin/sh"
}

func (p *shProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Chat: true, Task: true, Resume: p.resume}
}

func (p *shProvider) Detect(context.Context) bool { return true }

func (p *shProvider) BuildArgs(task string, _ provider.Options) []string {
	return []string{"-c", task}
}

func (p *shProvider) BuildResumeArgs(id string, _ provider.Options) []string {
	return []string{"-c", "echo resumed " + id}
}

func (p *shProvider) ParseOutput(chunk string) provider.ParseResult {
	var r provider.ParseResult
	if m := shTokensRe.FindStringSubmatch(chunk); m != nil {
		in, _ := strconv.ParseInt(m[1], 10, 64)
		out, _ := strconv.ParseInt(m[2], 10, 64)
		r.Tokens = &provider.Tokens{In: in, Out: out}
	}
	if m := shSessionRe.FindStringSubmatch(chunk); m != nil {
		r.NativeSessionID = m[1]
	}
	r.RateLimited = strings.Contains(strings.ToLower(chunk), "rate limit")
	return r
}

func (p *shProvider) IsTaskComplete(chunk string) bool { return strings.Contains(chunk, "DONE") }
func (p *shProvider) Env() map[string]string           { return p.env }
func (p *shProvider) MCPConfigPath() string            { return "" }
func (p *shProvider) SkillsConfigPath() string         { return "" }

type fixture struct {
	store *store.Store
	sup   *Supervisor
	sh    *shProvider
}

func newFixture(t *testing.T, limit int, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]Option{WithGraceWindow(500 * time.Millisecond)}, opts...)
	sup := NewSupervisor(st, limit, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &fixture{store: st, sup: sup, sh: &shProvider{name: "sh"}}
}

func (f *fixture) session(t *testing.T) model.Session {
	t.Helper()
	sess, err := f.store.CreateSession(context.Background(), t.TempDir(), f.sh.name, nil)
	require.NoError(t, err)
	return sess
}

func (f *fixture) run(t *testing.T, script string, opts provider.Options) (model.Session, Completion, error) {
	t.Helper()
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, script, sess.WorkspacePath, opts)
	require.NoError(t, err)
	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 10*time.Second)
	return sess, c, err
}

func (f *fixture) stored(t *testing.T, id string) model.Session {
	t.Helper()
	sess, ok, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return sess
}

func TestExitClassification(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   model.Status
	}{
		{"exit zero", "echo hello; exit 0", model.StatusCompleted},
		{"exit one", "echo oops >&2; exit 1", model.StatusFailed},
		{"killed by signal", "kill -9 $$", model.StatusCrashed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			sess, c, err := f.run(t, tt.script, provider.Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Status)

			got := f.stored(t, sess.ID)
			assert.Equal(t, tt.want, got.Status)
			assert.Nil(t, got.PID, "pid cleared on exit")
			assert.Zero(t, f.sup.ActiveCount())
			assert.False(t, f.sup.IsActive(sess.ID))
		})
	}
}

func TestOutputLoggedAndBuffered(t *testing.T) {
	f := newFixture(t, 1)
	sess, c, err := f.run(t, "echo out-line; echo err-line >&2", provider.Options{})
	require.NoError(t, err)
	assert.Contains(t, c.Output, "out-line\n")
	assert.Contains(t, c.Output, "err-line\n")

	logs, err := f.store.GetSessionLogs(context.Background(), sess.ID)
	require.NoError(t, err)
	roles := map[string]model.Role{}
	for _, l := range logs {
		roles[strings.TrimSpace(l.Content)] = l.Role
	}
	assert.Equal(t, model.RoleAssistant, roles["out-line"])
	assert.Equal(t, model.RoleSystem, roles["err-line"])

	st, ok, err := f.store.GetSessionStats(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, st.DurationSeconds, 0.0)
}

func TestStatsFromOutputAccumulate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = map[string]config.ProviderConfig{
		"sh": {Pricing: &config.PricingOverride{InputPerMTok: model.Ptr(1.0), OutputPerMTok: model.Ptr(2.0)}},
	}
	f := newFixture(t, 1, WithPricing(cfg))

	sess, _, err := f.run(t, "echo 'tokens: 1000000/0'; echo 'tokens: 500000/1000000'", provider.Options{})
	require.NoError(t, err)

	st, _, err := f.store.GetSessionStats(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), st.TokensIn)
	assert.Equal(t, int64(1000000), st.TokensOut)
	assert.InDelta(t, 1.0+0.5+2.0, st.CostEstimate, 1e-9)
}

func TestNativeSessionIDRecorded(t *testing.T) {
	f := newFixture(t, 1)
	sess, _, err := f.run(t, "echo 'native: abc-123'; echo DONE", provider.Options{})
	require.NoError(t, err)

	got := f.stored(t, sess.ID)
	require.NotNil(t, got.NativeSessionID)
	assert.Equal(t, "abc-123", *got.NativeSessionID)
}

func TestRateLimitFlagged(t *testing.T) {
	f := newFixture(t, 1)
	_, c, err := f.run(t, "echo 'Rate limit reached'; exit 1", provider.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.True(t, c.RateLimited)
}

func TestEnvironmentLayering(t *testing.T) {
	f := newFixture(t, 1)
	f.sh.env = map[string]string{"CDISPATCH_A": "provider", "CDISPATCH_B": "provider"}
	t.Setenv("CDISPATCH_C", "ambient")

	_, c, err := f.run(t, `echo "$CDISPATCH_A $CDISPATCH_B $CDISPATCH_C"`,
		provider.Options{Env: map[string]string{"CDISPATCH_B": "call"}})
	require.NoError(t, err)
	assert.Equal(t, "provider call ambient\n", c.Output)
}

func TestWorkingDirectory(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "pwd -P", sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)
	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(sess.WorkspacePath)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(c.Output))
}

func TestConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, 2)

	sessions := []model.Session{f.session(t), f.session(t), f.session(t)}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		started   []string
		rejected  int
		otherErrs []error
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess model.Session) {
			defer wg.Done()
			_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "sleep 30", sess.WorkspacePath, provider.Options{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, sess.ID)
			case apperr.Is(err, apperr.CodeCapacityExceeded):
				rejected++
			default:
				otherErrs = append(otherErrs, err)
			}
		}(sess)
	}
	wg.Wait()

	require.Empty(t, otherErrs)
	assert.Len(t, started, 2)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 2, f.sup.ActiveCount())

	for _, id := range started {
		require.NoError(t, f.sup.Terminate(id, true))
		_, err := f.sup.WaitForCompletion(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
	}
	assert.Zero(t, f.sup.ActiveCount())
}

func TestWaitTimeoutRecordsTimeout(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "echo started; sleep 30", sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)

	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeTimeout))
	assert.Equal(t, model.StatusTimeout, c.Status)

	assert.Equal(t, model.StatusTimeout, f.stored(t, sess.ID).Status)
	assert.Zero(t, f.sup.ActiveCount())
}

func TestWaitOnTerminalSessionUsesLogs(t *testing.T) {
	f := newFixture(t, 1)
	sess, first, err := f.run(t, "echo persisted", provider.Options{})
	require.NoError(t, err)

	again, err := f.sup.WaitForCompletion(context.Background(), sess.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, again.Status)
	assert.Equal(t, first.Output, again.Output)
}

func TestWaitErrors(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.sup.WaitForCompletion(context.Background(), "missing", time.Second)
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))

	pending := f.session(t)
	_, err = f.sup.WaitForCompletion(context.Background(), pending.ID, time.Second)
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotActive))
}

func TestSendInChatMode(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, `read line; echo "got $line"`,
		sess.WorkspacePath, provider.Options{Mode: model.ModeChat})
	require.NoError(t, err)

	require.NoError(t, f.sup.Send(context.Background(), sess.ID, "hello"))
	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Contains(t, c.Output, "got hello")

	logs, err := f.store.GetSessionLogs(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, model.RoleUser, logs[0].Role)
	assert.Equal(t, "hello", logs[0].Content)
}

func TestSendRequiresLiveProcess(t *testing.T) {
	f := newFixture(t, 1)
	err := f.sup.Send(context.Background(), "nope", "hi")
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotActive))

	err = f.sup.Terminate("nope", false)
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotActive))
}

func TestTaskModeClosesStdin(t *testing.T) {
	f := newFixture(t, 1)
	// cat exits as soon as stdin reaches EOF.
	_, c, err := f.run(t, "cat; echo after", provider.Options{Mode: model.ModeTask})
	require.NoError(t, err)
	assert.Equal(t, "after\n", c.Output)
}

func TestGracefulTerminate(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "sleep 30", sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)

	require.NoError(t, f.sup.Terminate(sess.ID, false))
	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, c.Status)
}

func TestPauseUnpause(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "sleep 30", sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)

	require.NoError(t, f.sup.Pause(context.Background(), sess.ID))
	assert.Equal(t, model.StatusPaused, f.stored(t, sess.ID).Status)

	require.NoError(t, f.sup.Unpause(context.Background(), sess.ID))
	assert.Equal(t, model.StatusRunning, f.stored(t, sess.ID).Status)

	require.NoError(t, f.sup.Terminate(sess.ID, true))
	_, err = f.sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)
}

func TestSpawnMissingBinary(t *testing.T) {
	f := newFixture(t, 1)
	f.sh.command = "cdispatch-definitely-missing"
	sess := f.session(t)

	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "x", sess.WorkspacePath, provider.Options{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeProviderUnavailable))
	assert.Equal(t, model.StatusCrashed, f.stored(t, sess.ID).Status)
	assert.Zero(t, f.sup.ActiveCount())
}

func TestResume(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)

	_, err := f.sup.Resume(context.Background(), sess.ID, f.sh, "n-1", sess.WorkspacePath, provider.Options{})
	assert.True(t, apperr.Is(err, apperr.CodeResumeUnsupported))

	f.sh.resume = true
	_, err = f.sup.Resume(context.Background(), sess.ID, f.sh, "n-1", sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)
	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "resumed n-1\n", c.Output)
}

func TestStatusObserver(t *testing.T) {
	var (
		mu     sync.Mutex
		events []model.Status
	)
	f := newFixture(t, 1, WithStatusObserver(func(e Event) {
		mu.Lock()
		events = append(events, e.Status)
		mu.Unlock()
	}))
	_, _, err := f.run(t, "true", provider.Options{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.Status{model.StatusRunning, model.StatusCompleted}, events)
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2", "bad"},
		map[string]string{"B": "3", "C": "4"},
		map[string]string{"C": "5"})
	assert.Equal(t, []string{"A=1", "B=3", "C=5"}, got)
}

func testOpts() provider.Options {
	return provider.Options{Mode: model.ModeTask}
}

func TestWaitOnHandleAfterExitKeepsSignals(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.session(t)
	h, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "echo 'rate limit reached'; exit 1",
		sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)

	// Let the process be finalized and dropped from the live set first.
	require.Eventually(t, func() bool { return !f.sup.IsActive(sess.ID) }, 5*time.Second, 10*time.Millisecond)

	c, err := f.sup.Wait(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.True(t, c.RateLimited)
	assert.Contains(t, c.Output, "rate limit reached")
}

func TestRateLimitOnStderrFlagged(t *testing.T) {
	f := newFixture(t, 1)
	_, c, err := f.run(t, "echo 'Rate limit reached' >&2; exit 1", provider.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.True(t, c.RateLimited)
}

func TestDeadlineAfterExitIsNotTimeout(t *testing.T) {
	exited := &managed{}
	assert.False(t, exited.exit())
	assert.False(t, exited.expire(), "deadline must not win over a recorded exit")

	expired := &managed{}
	assert.True(t, expired.expire())
	assert.True(t, expired.exit())
	assert.Equal(t, model.StatusTimeout, classify(nil, true))
}

// pidCheckingStore records whether a session was marked running before its
// pid was stored.
type pidCheckingStore struct {
	*store.Store
	runningWithoutPID bool
}

func (s *pidCheckingStore) UpdateSessionStatus(ctx context.Context, id string, status model.Status) error {
	if status == model.StatusRunning {
		sess, _, err := s.Store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.PID == nil {
			s.runningWithoutPID = true
		}
	}
	return s.Store.UpdateSessionStatus(ctx, id, status)
}

func TestPIDRecordedBeforeRunningStatus(t *testing.T) {
	f := newFixture(t, 1)
	checking := &pidCheckingStore{Store: f.store}
	sup := NewSupervisor(checking, 1, WithGraceWindow(500*time.Millisecond))

	sess := f.session(t)
	_, err := sup.Spawn(context.Background(), sess.ID, f.sh, "echo hi", sess.WorkspacePath, provider.Options{})
	require.NoError(t, err)
	c, err := sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.False(t, checking.runningWithoutPID)
}

func TestSendTimesOutWhenProcessIgnoresStdin(t *testing.T) {
	f := newFixture(t, 1, WithSendTimeout(200*time.Millisecond))
	sess := f.session(t)
	_, err := f.sup.Spawn(context.Background(), sess.ID, f.sh, "sleep 30",
		sess.WorkspacePath, provider.Options{Mode: model.ModeChat})
	require.NoError(t, err)

	// Larger than any pipe buffer, so the write cannot complete.
	start := time.Now()
	err = f.sup.Send(context.Background(), sess.ID, strings.Repeat("x", 1<<20))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, f.sup.Terminate(sess.ID, true))
	c, err := f.sup.WaitForCompletion(context.Background(), sess.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, c.Status)
}
