package process

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/cdispatch/internal/logging"
	"github.com/theirongolddev/cdispatch/internal/model"
)

// ReaperStore is the subset of the session store the reaper needs.
type ReaperStore interface {
	ListSessions(ctx context.Context, f model.SessionFilter) ([]model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.Status) error
	UpdateSessionPID(ctx context.Context, id string, pid *int) error
	AddSessionLog(ctx context.Context, sessionID string, role model.Role, content string) error
}

// ProcessAlive reports whether pid is a live process. Overridable in tests.
var ProcessAlive = func(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil {
		for _, st := range status {
			if st == process.Zombie {
				return false
			}
		}
	}
	return true
}

// ReapStale marks sessions recorded as running or paused whose process is
// gone as crashed. Sessions supervised by sup are skipped. Returns the number
// of sessions reaped.
func ReapStale(ctx context.Context, store ReaperStore, sup *Supervisor) (int, error) {
	var candidates []model.Session
	for _, st := range []model.Status{model.StatusRunning, model.StatusPaused} {
		sessions, err := store.ListSessions(ctx, model.SessionFilter{Status: st})
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, sessions...)
	}

	log := logging.NewLogger("reaper")
	reaped := 0
	for _, sess := range candidates {
		if sup != nil && sup.IsActive(sess.ID) {
			continue
		}
		if sess.PID != nil && ProcessAlive(ctx, *sess.PID) {
			continue
		}

		entry := log.WithFields(logrus.Fields{"session": sess.ID, "provider": sess.Provider, "status": sess.Status})
		note := "process lost; marked crashed"
		if sess.PID != nil {
			note = fmt.Sprintf("process %d lost; marked crashed", *sess.PID)
		}
		if err := store.AddSessionLog(ctx, sess.ID, model.RoleSystem, note); err != nil {
			entry.WithError(err).Warn("logging reap failed")
		}
		if err := store.UpdateSessionPID(ctx, sess.ID, nil); err != nil {
			return reaped, err
		}
		if err := store.UpdateSessionStatus(ctx, sess.ID, model.StatusCrashed); err != nil {
			return reaped, err
		}
		entry.Info("reaped stale session")
		reaped++
	}
	return reaped, nil
}
