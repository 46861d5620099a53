package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	return s, clock
}

func TestCreateAndGetSession(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/work/a", "claude", model.Ptr("fix the bug"))
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.StatusPending, sess.Status)

	got, ok, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/work/a", got.WorkspacePath)
	assert.Equal(t, "claude", got.Provider)
	assert.Equal(t, "fix the bug", got.TaskText())
	assert.Nil(t, got.PID)
	assert.Nil(t, got.NativeSessionID)
	assert.True(t, got.CreatedAt.Equal(sess.CreatedAt))

	stats, ok, err := s.GetSessionStats(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, stats.TokensIn)
	assert.Zero(t, stats.CostEstimate)
}

func TestGetSessionMissing(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateSessionRollsBackOnFailure(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	s.failpoint = func(stage string) error {
		if stage == "create:after-session" {
			return errors.New("injected")
		}
		return nil
	}
	_, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodePersistence))

	sessions, err := s.ListSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUpdateSessionFields(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/w", "codex", nil)
	require.NoError(t, err)

	clock.advance(time.Second)
	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, model.StatusRunning))
	require.NoError(t, s.UpdateSessionPID(ctx, sess.ID, model.Ptr(4242)))
	require.NoError(t, s.UpdateNativeSessionID(ctx, sess.ID, "native-1"))

	got, _, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4242, *got.PID)
	require.NotNil(t, got.NativeSessionID)
	assert.Equal(t, "native-1", *got.NativeSessionID)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	require.NoError(t, s.UpdateSessionPID(ctx, sess.ID, nil))
	got, _, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PID)
}

func TestUpdateSessionStatusErrors(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	err := s.UpdateSessionStatus(ctx, "missing", model.StatusRunning)
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))

	sess, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)
	err = s.UpdateSessionStatus(ctx, sess.ID, model.Status("bogus"))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))
}

func TestUpdateSessionStatsAdditiveAndOverwrite(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionStats(ctx, sess.ID, model.StatsUpdate{
		TokensIn:     model.Ptr[int64](100),
		TokensOut:    model.Ptr[int64](40),
		CostEstimate: model.Ptr(0.25),
		FilesChanged: model.Ptr(3),
	}))
	require.NoError(t, s.UpdateSessionStats(ctx, sess.ID, model.StatsUpdate{
		TokensIn:        model.Ptr[int64](50),
		CostEstimate:    model.Ptr(0.5),
		FilesChanged:    model.Ptr(1),
		LinesAdded:      model.Ptr(12),
		DurationSeconds: model.Ptr(3.5),
	}))

	st, ok, err := s.GetSessionStats(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(150), st.TokensIn)
	assert.Equal(t, int64(40), st.TokensOut)
	assert.InDelta(t, 0.75, st.CostEstimate, 1e-9)
	assert.Equal(t, 1, st.FilesChanged)
	assert.Equal(t, 12, st.LinesAdded)
	assert.Zero(t, st.LinesRemoved)
	assert.InDelta(t, 3.5, st.DurationSeconds, 1e-9)
}

func TestUpdateSessionStatsEmptyIsNoop(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionStats(ctx, sess.ID, model.StatsUpdate{TokensIn: model.Ptr[int64](1)}))

	before, _, err := s.GetSessionStats(ctx, sess.ID)
	require.NoError(t, err)

	clock.advance(time.Hour)
	require.NoError(t, s.UpdateSessionStats(ctx, sess.ID, model.StatsUpdate{}))

	after, _, err := s.GetSessionStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, before.TokensIn, after.TokensIn)
}

func TestSessionLogsOrderedByInsertion(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	// Same timestamp for every entry; insertion order must still hold.
	for _, c := range []string{"one", "two", "three"} {
		require.NoError(t, s.AddSessionLog(ctx, "sess-x", model.RoleAssistant, c))
	}
	require.NoError(t, s.AddSessionLog(ctx, "other", model.RoleUser, "ignored"))

	logs, err := s.GetSessionLogs(ctx, "sess-x")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "one", logs[0].Content)
	assert.Equal(t, "two", logs[1].Content)
	assert.Equal(t, "three", logs[2].Content)
	assert.Equal(t, model.RoleAssistant, logs[2].Role)
}

func TestDeleteSessionIsAtomic(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)
	require.NoError(t, s.AddSessionLog(ctx, sess.ID, model.RoleUser, "hi"))
	_, err = s.AddQualityCheck(ctx, sess.ID, "tests", true, "ok")
	require.NoError(t, err)

	s.failpoint = func(stage string) error {
		if stage == "delete:stats" {
			return errors.New("injected")
		}
		return nil
	}
	err = s.DeleteSession(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodePersistence))

	_, ok, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok, "session must survive a failed delete")
	logs, err := s.GetSessionLogs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	checks, err := s.GetQualityChecks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 1)

	s.failpoint = nil
	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, ok, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetSessionStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	logs, err = s.GetSessionLogs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestListSessionsFiltersAndOrder(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []string{"claude", "codex", "claude", "gemini"} {
		sess, err := s.CreateSession(ctx, "/w", p, nil)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		clock.advance(time.Minute)
	}
	other, err := s.CreateSession(ctx, "/other", "claude", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionStatus(ctx, ids[0], model.StatusCompleted))

	all, err := s.ListSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, other.ID, all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[4].ID)

	claude, err := s.ListSessions(ctx, model.SessionFilter{WorkspacePath: "/w", Provider: "claude"})
	require.NoError(t, err)
	require.Len(t, claude, 2)
	assert.Equal(t, ids[2], claude[0].ID)

	done, err := s.ListSessions(ctx, model.SessionFilter{Status: model.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, ids[0], done[0].ID)

	limited, err := s.ListSessions(ctx, model.SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAggregatedStatsEmpty(t *testing.T) {
	s, _ := openTestStore(t)

	agg, err := s.GetAggregatedStats(context.Background(), model.AggregateFilter{})
	require.NoError(t, err)
	assert.Zero(t, agg.TotalSessions)
	assert.Zero(t, agg.TokensIn)
	assert.Zero(t, agg.TotalCost)
	assert.Empty(t, agg.ByProvider)
	assert.Zero(t, agg.SuccessRate())
}

func TestAggregatedStats(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	a, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "/w", "codex", nil)
	require.NoError(t, err)
	clock.advance(48 * time.Hour)
	c, err := s.CreateSession(ctx, "/other", "claude", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionStatus(ctx, a.ID, model.StatusCompleted))
	require.NoError(t, s.UpdateSessionStatus(ctx, b.ID, model.StatusFailed))
	require.NoError(t, s.UpdateSessionStats(ctx, a.ID, model.StatsUpdate{
		TokensIn: model.Ptr[int64](1000), TokensOut: model.Ptr[int64](200), CostEstimate: model.Ptr(1.5),
		LinesAdded: model.Ptr(10),
	}))
	require.NoError(t, s.UpdateSessionStats(ctx, c.ID, model.StatsUpdate{
		TokensIn: model.Ptr[int64](10), CostEstimate: model.Ptr(0.5),
	}))

	// A session without a stats row still counts.
	_, err = s.db.Exec(`DELETE FROM session_stats WHERE session_id = ?`, b.ID)
	require.NoError(t, err)

	agg, err := s.GetAggregatedStats(ctx, model.AggregateFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, agg.TotalSessions)
	assert.Equal(t, 1, agg.CompletedSessions)
	assert.Equal(t, 1, agg.FailedSessions)
	assert.Equal(t, int64(1010), agg.TokensIn)
	assert.Equal(t, int64(200), agg.TokensOut)
	assert.InDelta(t, 2.0, agg.TotalCost, 1e-9)
	assert.Equal(t, int64(10), agg.LinesAdded)

	require.Len(t, agg.ByProvider, 2)
	assert.Equal(t, "claude", agg.ByProvider[0].Provider)
	assert.Equal(t, 2, agg.ByProvider[0].Sessions)
	assert.InDelta(t, 2.0/3.0*100, agg.ByProvider[0].SharePercent, 1e-6)
	assert.Equal(t, "codex", agg.ByProvider[1].Provider)

	ws, err := s.GetAggregatedStats(ctx, model.AggregateFilter{WorkspacePath: "/w"})
	require.NoError(t, err)
	assert.Equal(t, 2, ws.TotalSessions)

	recent, err := s.GetAggregatedStats(ctx, model.AggregateFilter{FromDate: clock.t.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, recent.TotalSessions)
	assert.Equal(t, int64(10), recent.TokensIn)
}

func TestDeleteOldSessions(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	old1, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)
	old2, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionStatus(ctx, old1.ID, model.StatusCompleted))
	require.NoError(t, s.UpdateSessionStatus(ctx, old2.ID, model.StatusFailed))

	clock.advance(40 * 24 * time.Hour)
	fresh, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)

	n, err := s.DeleteOldSessions(ctx, 30, model.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.DeleteOldSessions(ctx, 30, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := s.ListSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestQualityChecks(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/w", "claude", nil)
	require.NoError(t, err)

	_, err = s.AddQualityCheck(ctx, sess.ID, "vet", true, "")
	require.NoError(t, err)
	_, err = s.AddQualityCheck(ctx, sess.ID, "test", false, "FAIL")
	require.NoError(t, err)

	checks, err := s.GetQualityChecks(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, "vet", checks[0].Name)
	assert.True(t, checks[0].Passed)
	assert.False(t, checks[1].Passed)
	assert.Equal(t, "FAIL", checks[1].Output)
}
